package tasks

import (
	"context"
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/robodyne/robosync/internal/model"
)

var ErrManifest = errors.New("robot manifest error")

// StepStatus has status about a step, to be reported as part of the overall task.
type StepStatus struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewStepStatus will create a new step status struct
func NewStepStatus(stepName string, state State, details string, err error) *StepStatus {
	status := &StepStatus{
		Step:    stepName,
		Status:  string(state),
		Details: details,
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

func (s *StepStatus) AsLogFields() []any {
	return []any{
		"task", s.Step,
		"status", s.Status,
		"details", s.Details,
		"error", s.Error,
	}
}

// Step is a unit of work. Multiple steps accomplish a task.
type Step interface {
	// Name of this step
	Name() string
	// Run will execute the code to accomplish this step
	Run(ctx context.Context, env *Env, data sharedData) (string, error)
}

// Manifest is the YAML document listing robots to import.
type Manifest struct {
	Robots []ManifestRobot `yaml:"robots"`
}

// nolint:govet // prefer to keep field ordering as is
type ManifestRobot struct {
	Name               string `yaml:"name"`
	Type               string `yaml:"type"`
	Status             string `yaml:"status"`
	Battery            *int   `yaml:"battery"`
	Description        string `yaml:"description"`
	SerialNumber       string `yaml:"serialNumber"`
	ConnectionProtocol string `yaml:"connectionProtocol"`
}

func (m *ManifestRobot) draft() *model.Robot {
	robot := &model.Robot{
		Name:               m.Name,
		Type:               m.Type,
		Status:             m.Status,
		Battery:            m.Battery,
		Description:        m.Description,
		SerialNumber:       m.SerialNumber,
		ConnectionProtocol: m.ConnectionProtocol,
	}

	if robot.Type == "" {
		robot.Type = model.TypeDrone
	}

	if robot.Status == "" {
		robot.Status = model.StatusIdle
	}

	return robot
}

// ParseManifest decodes a YAML robot manifest into drafts.
func ParseManifest(raw []byte) ([]*model.Robot, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, errors.Wrap(ErrManifest, err.Error())
	}

	drafts := make([]*model.Robot, 0, len(manifest.Robots))
	for i := range manifest.Robots {
		drafts = append(drafts, manifest.Robots[i].draft())
	}

	return drafts, nil
}

type parseManifestStep struct {
	name     string
	manifest []byte
}

// ParseManifestStep decodes the manifest and stores the drafts in sharedData.
func ParseManifestStep(manifest []byte) Step {
	return &parseManifestStep{
		name:     "ParseManifest",
		manifest: manifest,
	}
}

func (t *parseManifestStep) Name() string {
	return t.name
}

func (t *parseManifestStep) Run(_ context.Context, _ *Env, data sharedData) (string, error) {
	drafts, err := ParseManifest(t.manifest)
	if err != nil {
		return "Failed to parse manifest", err
	}

	if len(drafts) == 0 {
		return "Manifest lists no robots", errors.Wrap(ErrManifest, "no robots")
	}

	data[draftsKey] = drafts

	return fmt.Sprintf("Parsed %d robots", len(drafts)), nil
}

type validateDraftsStep struct {
	name string
}

// ValidateDraftsStep checks every draft before anything is written.
func ValidateDraftsStep() Step {
	return &validateDraftsStep{
		name: "ValidateDrafts",
	}
}

func (t *validateDraftsStep) Name() string {
	return t.name
}

func (t *validateDraftsStep) Run(_ context.Context, _ *Env, data sharedData) (string, error) {
	drafts, ok := data[draftsKey].([]*model.Robot)
	if !ok {
		return "Drafts unknown", errors.New("missing drafts")
	}

	for i, draft := range drafts {
		if draft.Name == "" {
			return fmt.Sprintf("Robot %d has no name", i), errors.Wrap(model.ErrInvalidRecord, "empty name")
		}

		if err := draft.Validate(); err != nil {
			return fmt.Sprintf("Robot %d (%s) is invalid", i, draft.Name), err
		}
	}

	return "All drafts valid", nil
}

type createRobotsStep struct {
	name string
}

// CreateRobotsStep creates every draft through the registry, stopping at the first failure.
func CreateRobotsStep() Step {
	return &createRobotsStep{
		name: "CreateRobots",
	}
}

func (t *createRobotsStep) Name() string {
	return t.name
}

func (t *createRobotsStep) Run(ctx context.Context, env *Env, data sharedData) (string, error) {
	drafts, ok := data[draftsKey].([]*model.Robot)
	if !ok {
		return "Drafts unknown", errors.New("missing drafts")
	}

	created := make([]string, 0, len(drafts))

	for _, draft := range drafts {
		robot, err := env.Registry.Create(ctx, env.OwnerID, draft)
		if err != nil {
			data[createdKey] = created
			return fmt.Sprintf("Created %d of %d robots", len(created), len(drafts)), err
		}

		created = append(created, robot.ID)
	}

	data[createdKey] = created

	return fmt.Sprintf("Created %d robots", len(created)), nil
}

type verifyRobotsStep struct {
	name string
}

// VerifyRobotsStep reloads the registry and checks every created id is listed exactly once.
func VerifyRobotsStep() Step {
	return &verifyRobotsStep{
		name: "VerifyRobots",
	}
}

func (t *verifyRobotsStep) Name() string {
	return t.name
}

func (t *verifyRobotsStep) Run(ctx context.Context, env *Env, data sharedData) (string, error) {
	created, ok := data[createdKey].([]string)
	if !ok {
		return "Created robots unknown", errors.New("missing created ids")
	}

	robots, err := env.Registry.LoadAll(ctx, env.OwnerID)
	if err != nil {
		return "Failed to reload registry", err
	}

	for _, id := range created {
		count := 0

		for _, r := range robots {
			if r.ID == id {
				count++
			}
		}

		if count != 1 {
			return "Registry does not list robot " + id, errors.Wrap(model.ErrNotFound, id)
		}
	}

	if !slices.ContainsFunc(robots, func(r *model.Robot) bool { return r.IsDraft() }) {
		return fmt.Sprintf("Registry lists %d robots", len(robots)), nil
	}

	return "Registry lists a draft", errors.New("draft in persisted list")
}
