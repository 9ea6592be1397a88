package profile

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/robodyne/robosync/internal/model"
)

const (
	RoleUser = "user"

	UserTypeIndividual   = "individual"
	UserTypeOrganization = "organization"
)

// Settings are the owner preferences editable from the dashboard.
type Settings struct {
	NotificationsEnabled bool `json:"notificationsEnabled"`
}

// Details are the sign-up details of an owner.
// nolint:govet // prefer to keep field ordering as is
type Details struct {
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	DOB              string `json:"dob,omitempty"`
	UserType         string `json:"userType,omitempty"`
	IsStudent        string `json:"isStudent,omitempty"`
	StudentOf        string `json:"studentOf,omitempty"`
	OrganizationName string `json:"organizationName,omitempty"`
}

// Profile is the per-owner user document.
// nolint:govet // prefer to keep field ordering as is
type Profile struct {
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	Settings  Settings  `json:"settings"`
	Details   Details   `json:"profile"`
}

// Store persists owner profiles.
type Store interface {
	// Get returns the profile, or nil when the owner has none.
	Get(ctx context.Context, ownerID string) (*Profile, error)
	// Put creates or replaces the profile.
	Put(ctx context.Context, ownerID string, p *Profile) error
	// UpdateSettings overwrites the settings of an existing profile, failing with ErrNotFound otherwise.
	UpdateSettings(ctx context.Context, ownerID string, settings Settings) error
}

// Service mediates profile reads and writes for an owner.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) Get(ctx context.Context, ownerID string) (*Profile, error) {
	if ownerID == "" {
		return nil, model.ErrUnauthenticated
	}

	return s.store.Get(ctx, ownerID)
}

// Register stores the sign-up profile of a new owner with default settings.
func (s *Service) Register(ctx context.Context, ownerID, email string, details Details) (*Profile, error) {
	if ownerID == "" {
		return nil, model.ErrUnauthenticated
	}

	details.FirstName = Capitalize(details.FirstName)
	details.LastName = Capitalize(details.LastName)

	switch details.UserType {
	case UserTypeIndividual:
		details.OrganizationName = ""
		if details.IsStudent != "yes" {
			details.StudentOf = ""
		}
	case UserTypeOrganization:
		details.IsStudent = ""
		details.StudentOf = ""
	}

	p := &Profile{
		Email:     email,
		Role:      RoleUser,
		CreatedAt: s.now().UTC(),
		Settings:  Settings{NotificationsEnabled: true},
		Details:   details,
	}

	if err := s.store.Put(ctx, ownerID, p); err != nil {
		return nil, err
	}

	return p, nil
}

func (s *Service) UpdateSettings(ctx context.Context, ownerID string, settings Settings) error {
	if ownerID == "" {
		return model.ErrUnauthenticated
	}

	return s.store.UpdateSettings(ctx, ownerID, settings)
}

// FirstName returns the greeting name of the owner, empty when unknown.
func (s *Service) FirstName(ctx context.Context, ownerID string) (string, error) {
	p, err := s.Get(ctx, ownerID)
	if err != nil {
		return "", err
	}

	if p == nil {
		return "", nil
	}

	return Capitalize(p.Details.FirstName), nil
}

// Capitalize upper-cases the first letter and lower-cases the rest.
func Capitalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	first, size := utf8.DecodeRuneInString(name)

	return string(unicode.ToUpper(first)) + strings.ToLower(name[size:])
}

// ErrNoProfile is returned when settings are updated for an owner without a profile.
var ErrNoProfile = errors.Wrap(model.ErrNotFound, "profile")
