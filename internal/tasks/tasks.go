package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robodyne/robosync/internal/metrics"
	"github.com/robodyne/robosync/internal/model"
)

// State is the lifecycle state of a task or a step.
type State string

const (
	Pending   State = "pending"
	Active    State = "active"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

var (
	draftsKey  = "drafts"
	createdKey = "created"
)

// Miscellaneous
type sharedData map[string]interface{}

// Registry is what import steps need from the registry.
type Registry interface {
	LoadAll(ctx context.Context, ownerID string) ([]*model.Robot, error)
	Create(ctx context.Context, ownerID string, draft *model.Robot) (*model.Robot, error)
}

// Env is what steps run against.
type Env struct {
	Registry Registry
	OwnerID  string
}

// StatusPublisher receives the task status after every change.
type StatusPublisher interface {
	Publish(ctx context.Context, taskID string, state State, status json.RawMessage)
}

// TaskStatus has status about a task, and it's steps.
type TaskStatus struct {
	Task       string        `json:"task"`
	Status     string        `json:"status"`
	Details    string        `json:"details,omitempty"`
	Error      string        `json:"error,omitempty"`
	ActiveStep string        `json:"active_step,omitempty"`
	Steps      []*StepStatus `json:"steps"`
}

// NewTaskStatus will generate a new task status struct
func NewTaskStatus(taskName string, state State) *TaskStatus {
	return &TaskStatus{
		Task:   taskName,
		Status: string(state),
	}
}

func (r *TaskStatus) AsLogFields() []any {
	return []any{
		"task", r.Task,
		"status", r.Status,
		"details", r.Details,
		"error", r.Error,
	}
}

func (r *TaskStatus) Marshal() ([]byte, error) {
	respBytes, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal response to json")
	}

	return respBytes, nil
}

// Task is a unit of work made of steps run in order.
type Task interface {
	// Name of the task
	Name() string
	// ID identifies this run of the task
	ID() string
	// Steps is the multiple units of work that will accomplish this task
	Steps() []Step
}

type importTask struct {
	id    string
	steps []Step
}

// NewImportTask creates the task importing the robot manifest into the owner's registry.
func NewImportTask(manifest []byte) Task {
	return &importTask{
		id: uuid.NewString(),
		steps: []Step{
			ParseManifestStep(manifest),
			ValidateDraftsStep(),
			CreateRobotsStep(),
			VerifyRobotsStep(),
		},
	}
}

func (j *importTask) Name() string {
	return "ImportRobots"
}

func (j *importTask) ID() string {
	return j.id
}

func (j *importTask) Steps() []Step {
	return j.steps
}

// TaskRunner Will run the task by executing the individual steps in the task,
// and reports task status using the publisher.
type TaskRunner struct {
	publisher  StatusPublisher
	task       Task
	taskStatus *TaskStatus
}

// NewTaskRunner creates a TaskRunner to run a specific Task
func NewTaskRunner(publisher StatusPublisher, task Task) *TaskRunner {
	return &TaskRunner{
		publisher:  publisher,
		task:       task,
		taskStatus: NewTaskStatus(task.Name(), Pending),
	}
}

// Status returns the last reported task status.
func (r *TaskRunner) Status() *TaskStatus {
	return r.taskStatus
}

func (r *TaskRunner) Run(ctx context.Context, env *Env) (err error) {
	slog.Info("Running task", "task", r.task.Name(), "taskID", r.task.ID())

	data := sharedData{}
	r.initTaskLog()

	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(ctx, rec)
		}
	}()

	r.publishTaskUpdate(ctx, Active, "Starting", nil)

	for stepID, step := range r.task.Steps() {
		r.publishStepUpdate(ctx, stepID, "Running step")

		details, err := step.Run(ctx, env, data)
		if err != nil {
			r.publishFailed(ctx, stepID, details, err)
			return err
		}

		r.publishStepSuccess(ctx, stepID, details)
	}

	r.publishTaskSuccess(ctx)

	return nil
}

func (r *TaskRunner) initTaskLog() {
	steps := r.task.Steps()
	r.taskStatus.Steps = make([]*StepStatus, len(steps))

	for i, step := range steps {
		r.taskStatus.Steps[i] = NewStepStatus(step.Name(), Pending, "", nil)
	}
}

func (r *TaskRunner) handlePanic(ctx context.Context, rec any) error {
	msg := "Panic occurred while running task"
	slog.Error("!!panic occurred", "rec", rec, "stack", string(debug.Stack()))
	slog.Error(msg)
	err := errors.New("Task fatal error, check logs for details")

	r.publishTaskUpdate(ctx, Failed, msg, err)

	return err
}

func (r *TaskRunner) publishStepUpdate(ctx context.Context, stepID int, details string) {
	r.taskStatus.ActiveStep = r.task.Steps()[stepID].Name()
	r.publish(ctx, stepID, Active, Active, details, nil)
}

func (r *TaskRunner) publishStepSuccess(ctx context.Context, stepID int, details string) {
	r.publish(ctx, stepID, Succeeded, Active, details, nil)
}

func (r *TaskRunner) publishFailed(ctx context.Context, stepID int, details string, err error) {
	slog.Error("Task failed", "task", r.task.Name(), "taskID", r.task.ID())
	r.publish(ctx, stepID, Failed, Failed, details, err)
}

func (r *TaskRunner) publishTaskSuccess(ctx context.Context) {
	slog.Info("Task completed successfully", "task", r.task.Name(), "taskID", r.task.ID())
	r.taskStatus.ActiveStep = ""
	r.publishTaskUpdate(ctx, Succeeded, "Task completed successfully", nil)
}

func (r *TaskRunner) publish(ctx context.Context, stepID int, stepState, taskState State, details string, err error) {
	step := r.task.Steps()[stepID]
	stepStatus := NewStepStatus(step.Name(), stepState, details, err)

	slog.With(stepStatus.AsLogFields()...).Info(details, "step", step.Name())

	if stepState != Active {
		metrics.ImportStepCounter.With(
			prometheus.Labels{
				"step":  step.Name(),
				"state": string(stepState),
			},
		).Inc()
	}

	r.taskStatus.Steps[stepID] = stepStatus

	var taskDetails string
	if err != nil {
		taskDetails = "Task failed at step " + step.Name()
	}

	r.publishTaskUpdate(ctx, taskState, taskDetails, err)
}

func (r *TaskRunner) publishTaskUpdate(ctx context.Context, state State, details string, err error) {
	r.taskStatus.Status = string(state)
	r.taskStatus.Details = details

	if err != nil {
		r.taskStatus.Error = err.Error()
	}

	slog.Debug("Task update", "task", r.task.Name(), "taskID", r.task.ID(), "status", state)

	respBytes, err := r.taskStatus.Marshal()
	if err != nil {
		slog.Error("Failed to marshal task update", "error", err)
		return
	}

	if r.publisher != nil {
		r.publisher.Publish(ctx, r.task.ID(), state, respBytes)
	}
}

// LogPublisher publishes task status to the default logger.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, taskID string, state State, status json.RawMessage) {
	slog.Info("task status", "taskID", taskID, "state", state, "status", string(status))
}
