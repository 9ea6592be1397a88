package view

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robodyne/robosync/internal/auth"
	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/registry"
	"github.com/robodyne/robosync/internal/store/memory"
)

// flakyRegistry fails selected operations on demand.
type flakyRegistry struct {
	*registry.Registry

	failLoad   error
	failCreate error
	failUpdate error
	failRemove error
}

func (f *flakyRegistry) LoadAll(ctx context.Context, ownerID string) ([]*model.Robot, error) {
	if f.failLoad != nil {
		return nil, f.failLoad
	}

	return f.Registry.LoadAll(ctx, ownerID)
}

func (f *flakyRegistry) Create(ctx context.Context, ownerID string, draft *model.Robot) (*model.Robot, error) {
	if f.failCreate != nil {
		return nil, f.failCreate
	}

	return f.Registry.Create(ctx, ownerID, draft)
}

func (f *flakyRegistry) Update(ctx context.Context, ownerID, id string, patch *model.Patch) error {
	if f.failUpdate != nil {
		return f.failUpdate
	}

	return f.Registry.Update(ctx, ownerID, id, patch)
}

func (f *flakyRegistry) Remove(ctx context.Context, ownerID, id string) error {
	if f.failRemove != nil {
		return f.failRemove
	}

	return f.Registry.Remove(ctx, ownerID, id)
}

var errDown = errors.Wrap(model.ErrStoreUnavailable, "down")

func newTestState(t *testing.T, names ...string) (*State, *flakyRegistry) {
	t.Helper()

	reg := &flakyRegistry{Registry: registry.New(memory.New())}
	state := New(reg, auth.Static("u1"))
	state.randBattery = func() int { return 42 }

	for _, name := range names {
		state.NewDraft()
		require.NoError(t, state.SetField(model.FieldName, name))

		_, err := state.Save(context.Background(), false)
		require.NoError(t, err)
	}

	return state, reg
}

func names(robots []*model.Robot) []string {
	out := make([]string, 0, len(robots))
	for _, r := range robots {
		out = append(out, r.Name)
	}

	return out
}

func TestNewDraftDefaults(t *testing.T) {
	state := New(nil, auth.Static("u1"))

	for range 50 {
		draft := state.NewDraft()
		assert.True(t, draft.IsDraft())
		assert.Equal(t, model.TypeDrone, draft.Type)
		assert.Equal(t, model.StatusIdle, draft.Status)
		require.NotNil(t, draft.Battery)
		assert.GreaterOrEqual(t, *draft.Battery, 0)
		assert.Less(t, *draft.Battery, 100)
	}

	assert.Equal(t, ModeCreate, state.Mode())
}

func TestSaveDraftReloads(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	state.NewDraft()
	require.NoError(t, state.SetField(model.FieldName, "Alpha"))

	created, err := state.Save(ctx, false)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	robots := state.Robots()
	require.Len(t, robots, 1)
	assert.Equal(t, created, robots[0])
	assert.Equal(t, ModeNone, state.Mode())
	assert.Nil(t, state.Selected())
	assert.Equal(t, Summary{Count: 1, Message: MessageNominal}, state.Summary())
}

func TestFailedCreateKeepsDraft(t *testing.T) {
	state, reg := newTestState(t)
	reg.failCreate = errDown

	state.NewDraft()
	require.NoError(t, state.SetField(model.FieldName, "Alpha"))

	_, err := state.Save(context.Background(), false)
	assert.True(t, errors.Is(err, model.ErrStoreUnavailable))

	assert.Empty(t, state.Robots())
	assert.Equal(t, ModeCreate, state.Mode())
	assert.Equal(t, "Alpha", state.Selected().Name)
}

func TestCreateWithFailedReloadAppliesLocally(t *testing.T) {
	state, reg := newTestState(t, "Alpha")
	reg.failLoad = errDown

	state.NewDraft()
	require.NoError(t, state.SetField(model.FieldName, "Beta"))

	created, err := state.Save(context.Background(), false)
	assert.True(t, errors.Is(err, model.ErrStoreUnavailable))
	require.NotNil(t, created)

	assert.Equal(t, []string{"Alpha", "Beta"}, names(state.Robots()))
}

func TestUpdatePolicies(t *testing.T) {
	for _, optimistic := range []bool{true, false} {
		state, _ := newTestState(t, "Alpha")
		ctx := context.Background()
		id := state.Robots()[0].ID

		require.NoError(t, state.Update(ctx, id, &model.Patch{Battery: model.Ptr(10)}, optimistic))

		robots := state.Robots()
		assert.Equal(t, 10, *robots[0].Battery)
		assert.Equal(t, "Alpha", robots[0].Name)

		require.NoError(t, state.Refresh(ctx))
		assert.Equal(t, robots, state.Robots())
	}
}

func TestFailedUpdateIsNotAppliedLocally(t *testing.T) {
	for _, optimistic := range []bool{true, false} {
		state, reg := newTestState(t, "Alpha")
		before := state.Robots()

		reg.failUpdate = errDown

		err := state.Update(context.Background(), before[0].ID, &model.Patch{Name: model.Ptr("X")}, optimistic)
		assert.True(t, errors.Is(err, model.ErrStoreUnavailable))
		assert.Equal(t, before, state.Robots())
	}
}

func TestPessimisticUpdateWithFailedReloadAppliesLocally(t *testing.T) {
	state, reg := newTestState(t, "Alpha")
	id := state.Robots()[0].ID

	reg.failLoad = errDown

	err := state.Update(context.Background(), id, &model.Patch{Name: model.Ptr("X")}, false)
	assert.True(t, errors.Is(err, model.ErrStoreUnavailable))
	assert.Equal(t, "X", state.Robots()[0].Name)
}

func TestEditSave(t *testing.T) {
	state, _ := newTestState(t, "Alpha")
	ctx := context.Background()
	id := state.Robots()[0].ID

	_, err := state.Edit("missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	selected, err := state.Edit(id)
	require.NoError(t, err)
	assert.Equal(t, ModeEdit, state.Mode())
	assert.Equal(t, "Alpha", selected.Name)

	require.NoError(t, state.SetField(model.FieldStatus, model.StatusConnected))
	require.NoError(t, state.SetField(model.FieldBattery, nil))
	assert.Error(t, state.SetField(model.FieldBattery, 150))
	assert.Error(t, state.SetField("colour", "red"))

	saved, err := state.Save(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, saved.Status)
	assert.Nil(t, saved.Battery)

	require.NoError(t, state.Refresh(ctx))

	robot := state.Robots()[0]
	assert.Equal(t, model.StatusConnected, robot.Status)
	assert.Nil(t, robot.Battery)
	assert.Equal(t, "Alpha", robot.Name)
	assert.Equal(t, ModeNone, state.Mode())
}

func TestSaveWithoutSelection(t *testing.T) {
	state, _ := newTestState(t)

	_, err := state.Save(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.ErrorIs(t, state.SetField(model.FieldName, "x"), ErrNoSelection)
}

func TestDelete(t *testing.T) {
	state, reg := newTestState(t, "Alpha", "Beta")
	ctx := context.Background()
	robots := state.Robots()

	reg.failRemove = errDown
	assert.True(t, errors.Is(state.Delete(ctx, robots[0].ID), model.ErrStoreUnavailable))
	assert.Len(t, state.Robots(), 2)

	reg.failRemove = nil
	// a delete needs no reload
	reg.failLoad = errDown

	_, err := state.Edit(robots[0].ID)
	require.NoError(t, err)

	require.NoError(t, state.Delete(ctx, robots[0].ID))
	assert.Equal(t, []*model.Robot{robots[1]}, state.Robots())
	assert.Nil(t, state.Selected())

	err = state.Delete(ctx, robots[0].ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, []*model.Robot{robots[1]}, state.Robots())
}

func TestRefreshFailureKeepsList(t *testing.T) {
	state, reg := newTestState(t, "Alpha", "Beta")
	before := state.Robots()

	reg.failLoad = errDown

	assert.True(t, errors.Is(state.Refresh(context.Background()), model.ErrStoreUnavailable))
	assert.Equal(t, before, state.Robots())
}

func TestMoveIsSessionLocal(t *testing.T) {
	state, reg := newTestState(t, "Alpha", "Beta", "Gamma")
	ctx := context.Background()

	storeOrder := names(state.Robots())

	gamma := state.Robots()[2]
	require.NoError(t, state.Move(gamma.ID, 0))
	assert.Equal(t, []string{storeOrder[2], storeOrder[0], storeOrder[1]}, names(state.Robots()))

	require.NoError(t, state.Move(gamma.ID, 99))
	assert.Equal(t, storeOrder[2], names(state.Robots())[2])

	require.NoError(t, state.Move(gamma.ID, 0))

	// survives a reload in this session
	require.NoError(t, state.Refresh(ctx))
	assert.Equal(t, storeOrder[2], state.Robots()[0].Name)

	// the store order is untouched
	fresh, err := reg.LoadAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, storeOrder, names(fresh))

	other := New(reg, auth.Static("u1"))
	require.NoError(t, other.Refresh(ctx))
	assert.Equal(t, storeOrder, names(other.Robots()))

	assert.True(t, errors.Is(state.Move("missing", 0), model.ErrNotFound))
}

func TestUnauthenticated(t *testing.T) {
	state := New(registry.New(memory.New()), auth.Static(""))
	ctx := context.Background()

	assert.True(t, errors.Is(state.Refresh(ctx), model.ErrUnauthenticated))
	assert.True(t, errors.Is(state.Delete(ctx, "r1"), model.ErrUnauthenticated))
	assert.True(t, errors.Is(state.Update(ctx, "r1", &model.Patch{}, true), model.ErrUnauthenticated))

	state.NewDraft()

	_, err := state.Save(ctx, false)
	assert.True(t, errors.Is(err, model.ErrUnauthenticated))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{Message: MessageNoRobots}, Summarize(nil))
	assert.Equal(t, Summary{Count: 2, Message: MessageNominal}, Summarize([]*model.Robot{{ID: "a"}, {ID: "b"}}))
}
