package view

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/robodyne/robosync/internal/auth"
	"github.com/robodyne/robosync/internal/model"
)

const pkgName = "internal/view"

var ErrNoSelection = errors.New("no record selected")

// Mode tells whether the edit buffer holds a new draft or a copy of a persisted record.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeCreate
	ModeEdit
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeEdit:
		return "edit"
	default:
		return "none"
	}
}

// Registry is the subset of registry.Registry the view drives.
type Registry interface {
	LoadAll(ctx context.Context, ownerID string) ([]*model.Robot, error)
	Create(ctx context.Context, ownerID string, draft *model.Robot) (*model.Robot, error)
	Update(ctx context.Context, ownerID, id string, patch *model.Patch) error
	Remove(ctx context.Context, ownerID, id string) error
}

// Summary is the dashboard headline for the loaded list.
type Summary struct {
	Count   int    `json:"count"`
	Message string `json:"message"`
}

const (
	MessageNominal   = "All systems nominal"
	MessageNoRobots  = "No bots connected"
	draftBatterySpan = 100
)

// State is one session's view of an owner's registry: the last loaded list, the edit
// buffer with its mode, and the session-local manual order. Methods are safe for
// concurrent use and run one at a time.
type State struct {
	mu sync.Mutex

	registry Registry
	owner    auth.OwnerProvider

	robots []*model.Robot
	// manual order set by Move, nil until the first Move
	order []string

	mode     Mode
	selected *model.Robot
	original *model.Robot

	randBattery func() int
}

func New(registry Registry, owner auth.OwnerProvider) *State {
	return &State{
		registry:    registry,
		owner:       owner,
		randBattery: func() int { return rand.IntN(draftBatterySpan) },
	}
}

// Refresh reloads the list. On failure the previous list is kept.
func (s *State) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := startSpan(ctx, "State.Refresh")
	defer span.End()

	return s.reload(ctx)
}

// NewDraft puts a fresh draft with default values in the edit buffer.
func (s *State) NewDraft() *model.Robot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = ModeCreate
	s.original = nil
	s.selected = &model.Robot{
		Type:    model.TypeDrone,
		Status:  model.StatusIdle,
		Battery: model.Ptr(s.randBattery()),
	}

	return s.selected.Clone()
}

// Edit copies the record into the edit buffer.
func (s *State) Edit(id string) (*model.Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return nil, errors.Wrap(model.ErrNotFound, id)
	}

	s.mode = ModeEdit
	s.original = s.robots[idx].Clone()
	s.selected = s.robots[idx].Clone()

	return s.selected.Clone(), nil
}

// SetField sets one field of the edit buffer; a nil battery clears it.
func (s *State) SetField(field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected == nil {
		return ErrNoSelection
	}

	patch, err := model.PatchFromFields(model.Fields{field: value})
	if err != nil {
		return err
	}

	if err := patch.Validate(); err != nil {
		return err
	}

	patch.Apply(s.selected)

	return nil
}

// Cancel drops the edit buffer.
func (s *State) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearSelection()
}

// Save persists the edit buffer. A draft is created and the list reloaded; an edited record
// is updated with the fields that changed, following the optimistic flag as Update does.
// On failure the buffer is kept so the caller can retry.
func (s *State) Save(ctx context.Context, optimistic bool) (*model.Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := startSpan(ctx, "State.Save", attribute.String("mode", s.mode.String()))
	defer span.End()

	switch s.mode {
	case ModeCreate:
		return s.saveDraft(ctx)
	case ModeEdit:
		saved := s.selected.Clone()

		err := s.update(ctx, s.selected.ID, model.Diff(s.original, s.selected), optimistic)
		if err != nil && !isReloadError(err) {
			return nil, err
		}

		s.clearSelection()

		return saved, unwrapReload(err)
	default:
		return nil, ErrNoSelection
	}
}

func (s *State) saveDraft(ctx context.Context) (*model.Robot, error) {
	ownerID, err := auth.RequireOwner(ctx, s.owner)
	if err != nil {
		return nil, err
	}

	created, err := s.registry.Create(ctx, ownerID, s.selected)
	if err != nil {
		return nil, err
	}

	s.clearSelection()

	if err := s.reload(ctx); err != nil {
		if s.indexOf(created.ID) < 0 {
			s.robots = append(s.robots, created.Clone())
		}

		return created, err
	}

	return created, nil
}

// Update merge-patches the record. Optimistic applies the confirmed patch to the local list;
// otherwise the list is reloaded, and if that reload fails the confirmed patch is applied
// locally and the reload error returned. A failed update changes nothing locally.
func (s *State) Update(ctx context.Context, id string, patch *model.Patch, optimistic bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := startSpan(ctx, "State.Update",
		attribute.String("robot_id", id),
		attribute.Bool("optimistic", optimistic),
	)
	defer span.End()

	return unwrapReload(s.update(ctx, id, patch, optimistic))
}

func (s *State) update(ctx context.Context, id string, patch *model.Patch, optimistic bool) error {
	ownerID, err := auth.RequireOwner(ctx, s.owner)
	if err != nil {
		return err
	}

	if patch == nil {
		patch = &model.Patch{}
	}

	if err := s.registry.Update(ctx, ownerID, id, patch); err != nil {
		return err
	}

	if optimistic {
		s.applyLocal(id, patch)
		return nil
	}

	if err := s.reload(ctx); err != nil {
		s.applyLocal(id, patch)
		return &reloadError{err: err}
	}

	return nil
}

// Delete removes the record and filters it out of the local list without reloading.
func (s *State) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := startSpan(ctx, "State.Delete", attribute.String("robot_id", id))
	defer span.End()

	ownerID, err := auth.RequireOwner(ctx, s.owner)
	if err != nil {
		return err
	}

	if err := s.registry.Remove(ctx, ownerID, id); err != nil {
		return err
	}

	s.robots = slices.DeleteFunc(s.robots, func(r *model.Robot) bool { return r.ID == id })
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })

	if s.selected != nil && s.selected.ID == id {
		s.clearSelection()
	}

	return nil
}

// Move places the record at index in the session order. The order is never persisted.
func (s *State) Move(id string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.indexOf(id)
	if from < 0 {
		return errors.Wrap(model.ErrNotFound, id)
	}

	index = max(0, min(index, len(s.robots)-1))

	robot := s.robots[from]
	s.robots = slices.Delete(s.robots, from, from+1)
	s.robots = slices.Insert(s.robots, index, robot)

	s.order = make([]string, 0, len(s.robots))
	for _, r := range s.robots {
		s.order = append(s.order, r.ID)
	}

	return nil
}

// Robots returns copies of the records in display order.
func (s *State) Robots() []*model.Robot {
	s.mu.Lock()
	defer s.mu.Unlock()

	robots := make([]*model.Robot, 0, len(s.robots))
	for _, r := range s.robots {
		robots = append(robots, r.Clone())
	}

	return robots
}

// Selected returns a copy of the edit buffer, nil when nothing is selected.
func (s *State) Selected() *model.Robot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selected.Clone()
}

func (s *State) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

func (s *State) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Summarize(s.robots)
}

// Summarize builds the dashboard headline for a list of records.
func Summarize(robots []*model.Robot) Summary {
	if len(robots) == 0 {
		return Summary{Message: MessageNoRobots}
	}

	return Summary{Count: len(robots), Message: MessageNominal}
}

func (s *State) reload(ctx context.Context) error {
	ownerID, err := auth.RequireOwner(ctx, s.owner)
	if err != nil {
		return err
	}

	robots, err := s.registry.LoadAll(ctx, ownerID)
	if err != nil {
		return err
	}

	s.robots = arrange(robots, s.order)

	return nil
}

func (s *State) applyLocal(id string, patch *model.Patch) {
	if idx := s.indexOf(id); idx >= 0 {
		patch.Apply(s.robots[idx])
	}
}

func (s *State) indexOf(id string) int {
	return slices.IndexFunc(s.robots, func(r *model.Robot) bool { return r.ID == id })
}

func (s *State) clearSelection() {
	s.mode = ModeNone
	s.selected = nil
	s.original = nil
}

// arrange puts records in the manual order first, then the rest in store order.
func arrange(robots []*model.Robot, order []string) []*model.Robot {
	if len(order) == 0 {
		return robots
	}

	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	arranged := slices.Clone(robots)
	slices.SortStableFunc(arranged, func(a, b *model.Robot) int {
		ra, aOK := rank[a.ID]
		rb, bOK := rank[b.ID]

		switch {
		case aOK && bOK:
			return ra - rb
		case aOK:
			return -1
		case bOK:
			return 1
		default:
			return 0
		}
	})

	return arranged
}

// reloadError marks a mutation that succeeded but whose follow-up reload failed.
type reloadError struct {
	err error
}

func (e *reloadError) Error() string { return "reload after update: " + e.err.Error() }

func (e *reloadError) Unwrap() error { return e.err }

func isReloadError(err error) bool {
	var re *reloadError
	return errors.As(err, &re)
}

func unwrapReload(err error) error {
	var re *reloadError
	if errors.As(err, &re) {
		return re.err
	}

	return err
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(pkgName).Start(ctx, name, trace.WithAttributes(attrs...))
}
