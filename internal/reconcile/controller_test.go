package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter records every provider call.
type fakeAdapter struct {
	calls []string

	located   *Remote
	locateErr error

	createErr   error
	createdID   string
	onConflict  *Remote
	updateErr   error
	deleteErr   error
	readRemote  *Remote
	readErr     error
	watched     []string
	lastPayload map[string]any
}

func (f *fakeAdapter) Type() string { return "test.Thing" }

func (f *fakeAdapter) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name": mapper.To("Name"),
			"size": mapper.To("Size"),
			"tag":  mapper.To("Tags"),
		},
		Defaults: map[string]any{"Encrypted": true},
	}
}

func (f *fakeAdapter) Locate(ctx context.Context, def ir.Definition) (Remote, bool, error) {
	f.calls = append(f.calls, "locate")
	if f.locateErr != nil {
		return Remote{}, false, f.locateErr
	}
	if f.located != nil {
		return *f.located, true, nil
	}
	if f.onConflict != nil && len(f.calls) > 1 {
		return *f.onConflict, true, nil
	}
	return Remote{}, false, nil
}

func (f *fakeAdapter) Create(ctx context.Context, def ir.Definition, payload map[string]any) (Remote, error) {
	f.calls = append(f.calls, "create")
	f.lastPayload = payload
	if f.createErr != nil {
		return Remote{}, f.createErr
	}
	return Remote{ID: f.createdID, Status: "creating", Phase: readiness.Pending}, nil
}

func (f *fakeAdapter) Update(ctx context.Context, state ir.State, payload map[string]any) (Remote, error) {
	f.calls = append(f.calls, "update")
	f.lastPayload = payload
	if f.updateErr != nil {
		return Remote{}, f.updateErr
	}
	return Remote{ID: state.ID, Fields: map[string]any{"Version": 2}}, nil
}

func (f *fakeAdapter) Delete(ctx context.Context, state ir.State) error {
	f.calls = append(f.calls, "delete")
	return f.deleteErr
}

func (f *fakeAdapter) Read(ctx context.Context, state ir.State) (Remote, bool, error) {
	f.calls = append(f.calls, "read")
	if f.readErr != nil {
		return Remote{}, false, f.readErr
	}
	if f.readRemote == nil {
		return Remote{}, false, nil
	}
	return *f.readRemote, true, nil
}

type watchingAdapter struct{ *fakeAdapter }

func (w watchingAdapter) WatchedFields() []string { return w.watched }

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestCreate_AdoptsLocatedResource(t *testing.T) {
	f := &fakeAdapter{located: &Remote{ID: "r-1"}}
	c := NewController(f)

	state, err := c.Invoke(context.Background(), ir.Definition{"name": "acct1"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.Equal(t, "r-1", state.ID)
	assert.True(t, state.Existing)
	assert.Equal(t, 0, countCalls(f.calls, "create"))
}

func TestCreate_CreatesWhenAbsent(t *testing.T) {
	f := &fakeAdapter{createdID: "r-9"}
	c := NewController(f)

	state, err := c.Invoke(context.Background(), ir.Definition{"name": "acct1", "tag!0": "a"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.Equal(t, "r-9", state.ID)
	assert.False(t, state.Existing)
	assert.Equal(t, []string{"locate", "create"}, f.calls)
	assert.Equal(t, map[string]any{"Name": "acct1", "Tags": []any{"a"}, "Encrypted": true}, f.lastPayload)
	assert.Equal(t, "acct1", state.Fields["Name"])
	assert.Equal(t, "acct1", state.Attributes["name"])
}

func TestCreate_TwiceAdoptsOnSecondCall(t *testing.T) {
	f := &fakeAdapter{createdID: "r-1"}
	c := NewController(f)
	def := ir.Definition{"name": "acct1"}

	first, err := c.Invoke(context.Background(), def, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.False(t, first.Existing)

	// The provider now knows the resource.
	f.located = &Remote{ID: "r-1"}
	second, err := c.Invoke(context.Background(), def, first, ir.ActionCreate)
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, 1, countCalls(f.calls, "create"))
}

func TestCreate_ConflictFallsBackToAdopt(t *testing.T) {
	f := &fakeAdapter{
		createErr:  fault.Conflictf(errors.New("already exists"), "create"),
		onConflict: &Remote{ID: "r-raced"},
	}
	c := NewController(f)

	state, err := c.Invoke(context.Background(), ir.Definition{"name": "acct1"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.Equal(t, "r-raced", state.ID)
	assert.True(t, state.Existing)
	assert.Equal(t, []string{"locate", "create", "locate"}, f.calls)
}

func TestCreate_ConflictWithoutLocatableResourcePropagates(t *testing.T) {
	conflict := fault.Conflictf(errors.New("already exists"), "create")
	f := &fakeAdapter{createErr: conflict}
	c := NewController(f)

	_, err := c.Invoke(context.Background(), ir.Definition{"name": "acct1"}, ir.State{}, ir.ActionCreate)
	assert.ErrorIs(t, err, conflict)
}

func TestCreate_LocateErrorsPropagate(t *testing.T) {
	denied := fault.Terminalf(errors.New("forbidden"), "locate")
	f := &fakeAdapter{locateErr: denied}
	c := NewController(f)

	prior := ir.State{}
	state, err := c.Invoke(context.Background(), ir.Definition{"name": "x"}, prior, ir.ActionCreate)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, prior, state)
	assert.Equal(t, 0, countCalls(f.calls, "create"))
}

func TestCreate_MalformedIndexIsConfigurationError(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	_, err := c.Invoke(context.Background(), ir.Definition{"tag!x": "a"}, ir.State{}, ir.ActionCreate)
	assert.True(t, fault.Is(err, fault.Configuration))
	assert.Equal(t, 0, countCalls(f.calls, "create"))
}

func TestUpdate_SkipsWhenUnchanged(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	// Persisted JSON decodes numbers as float64.
	prior := ir.State{ID: "r-1", Fields: map[string]any{"Name": "db", "Size": float64(2), "Encrypted": true}}
	state, err := c.Invoke(context.Background(), ir.Definition{"name": "db", "size": 2}, prior, ir.ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, prior, state)
	assert.Empty(t, f.calls)
}

func TestUpdate_WritesChangedFields(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	prior := ir.State{ID: "r-1", Existing: true, Fields: map[string]any{"Name": "db", "Size": 2}}
	state, err := c.Invoke(context.Background(), ir.Definition{"name": "db", "size": 4}, prior, ir.ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, []string{"update"}, f.calls)
	assert.Equal(t, map[string]any{"Name": "db", "Size": 4}, f.lastPayload, "defaults are not injected on update")
	assert.Equal(t, 4, state.Fields["Size"])
	assert.Equal(t, 2, state.Fields["Version"])
	assert.True(t, state.Existing)
}

func TestUpdate_RestartsReadinessBudget(t *testing.T) {
	f := &fakeAdapter{createdID: "r-1"}
	c := NewController(f, WithPolicy(readiness.Policy{Period: time.Second, Attempts: 3}))
	ctx := context.Background()

	state, err := c.Invoke(ctx, ir.Definition{"name": "db", "size": 1}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)

	f.readRemote = &Remote{ID: "r-1", Status: "creating", Phase: readiness.Pending}
	for i := 0; i < 2; i++ {
		state, err = c.Invoke(ctx, ir.Definition{}, state, ir.ActionCheckReadiness)
		require.True(t, fault.Is(err, fault.NotReady))
	}
	f.readRemote = &Remote{ID: "r-1", Status: "available", Phase: readiness.Ready}
	state, err = c.Invoke(ctx, ir.Definition{}, state, ir.ActionCheckReadiness)
	require.NoError(t, err)
	require.True(t, state.Ready())
	require.Equal(t, 2, state.Readiness.Attempts)

	state, err = c.Invoke(ctx, ir.Definition{"name": "db", "size": 2}, state, ir.ActionUpdate)
	require.NoError(t, err)
	assert.False(t, state.Ready(), "an update is not ready until checked again")

	f.readRemote = &Remote{ID: "r-1", Status: "modifying", Phase: readiness.Pending}
	state, err = c.Invoke(ctx, ir.Definition{}, state, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.NotReady), "budget was restarted by the update")
	assert.Equal(t, 1, state.Readiness.Attempts)
}

func TestUpdate_WatchedFieldsOnly(t *testing.T) {
	f := &fakeAdapter{watched: []string{"Size"}}
	c := NewController(watchingAdapter{f})

	prior := ir.State{ID: "r-1", Fields: map[string]any{"Name": "old", "Size": 2}}
	_, err := c.Invoke(context.Background(), ir.Definition{"name": "new", "size": 2}, prior, ir.ActionUpdate)
	require.NoError(t, err)
	assert.Empty(t, f.calls)
}

func TestUpdate_WithoutIDCreates(t *testing.T) {
	f := &fakeAdapter{createdID: "r-2"}
	c := NewController(f)

	state, err := c.Invoke(context.Background(), ir.Definition{"name": "x"}, ir.State{}, ir.ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, "r-2", state.ID)
	assert.Equal(t, []string{"locate", "create"}, f.calls)
}

func TestUpdate_ErrorReturnsPriorState(t *testing.T) {
	boom := fault.Transientf(errors.New("503"), "update")
	f := &fakeAdapter{updateErr: boom}
	c := NewController(f)

	prior := ir.State{ID: "r-1", Fields: map[string]any{"Name": "a"}}
	state, err := c.Invoke(context.Background(), ir.Definition{"name": "b"}, prior, ir.ActionUpdate)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, prior, state)
}

func TestDelete_NeverTouchesAdoptedResources(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	prior := ir.State{ID: "r-2", Existing: true}
	state, err := c.Invoke(context.Background(), ir.Definition{}, prior, ir.ActionDelete)
	require.NoError(t, err)
	assert.Equal(t, prior, state)
	assert.Empty(t, f.calls)
}

func TestDelete_Owned(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	state, err := c.Invoke(context.Background(), ir.Definition{}, ir.State{ID: "r-3"}, ir.ActionDelete)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
	assert.Equal(t, []string{"delete"}, f.calls)
}

func TestDelete_AlreadyGoneIsSuccess(t *testing.T) {
	f := &fakeAdapter{deleteErr: fault.NotFoundf(errors.New("404"), "delete")}
	c := NewController(f)

	state, err := c.Invoke(context.Background(), ir.Definition{}, ir.State{ID: "r-3"}, ir.ActionDelete)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
}

func TestDelete_WithoutIDIsNoop(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	_, err := c.Invoke(context.Background(), ir.Definition{}, ir.State{}, ir.ActionDelete)
	require.NoError(t, err)
	assert.Empty(t, f.calls)
}

func TestDelete_ErrorPropagates(t *testing.T) {
	boom := fault.Terminalf(errors.New("in use"), "delete")
	f := &fakeAdapter{deleteErr: boom}
	c := NewController(f)

	prior := ir.State{ID: "r-3"}
	state, err := c.Invoke(context.Background(), ir.Definition{}, prior, ir.ActionDelete)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, prior, state)
}

func TestPurge(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	adopted := ir.State{ID: "r-4", Existing: true, Readiness: &ir.Readiness{Attempts: 3}}
	state, err := c.Invoke(context.Background(), ir.Definition{}, adopted, ir.ActionPurge)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
	assert.Nil(t, state.Readiness)
	assert.Empty(t, f.calls)

	state, err = c.Invoke(context.Background(), ir.Definition{}, ir.State{ID: "r-5"}, ir.ActionPurge)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
	assert.Equal(t, []string{"delete"}, f.calls)
}

func TestCheckReadiness_ExhaustsOnLastAttempt(t *testing.T) {
	f := &fakeAdapter{readRemote: &Remote{ID: "r-1", Status: "creating", Phase: readiness.Pending}}
	c := NewController(f, WithPolicy(readiness.Policy{Period: time.Second, Attempts: 3}))

	state := ir.State{ID: "r-1"}
	var err error
	for i := 1; i <= 2; i++ {
		state, err = c.Invoke(context.Background(), ir.Definition{}, state, ir.ActionCheckReadiness)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.NotReady), "attempt %d", i)
		assert.Equal(t, i, state.Readiness.Attempts)
	}

	state, err = c.Invoke(context.Background(), ir.Definition{}, state, ir.ActionCheckReadiness)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Terminal))
	assert.Equal(t, 3, state.Readiness.Attempts)
}

func TestCheckReadiness_ReadyMergesOutputs(t *testing.T) {
	f := &fakeAdapter{readRemote: &Remote{
		ID:      "r-1",
		Status:  "available",
		Phase:   readiness.Ready,
		Fields:  map[string]any{"Endpoint": "db.example.com"},
		Outputs: map[string]any{"connectionString": "postgres://db.example.com:5432"},
	}}
	c := NewController(f)

	state, err := c.Invoke(context.Background(), ir.Definition{}, ir.State{ID: "r-1", Readiness: &ir.Readiness{Attempts: 2}}, ir.ActionCheckReadiness)
	require.NoError(t, err)
	assert.True(t, state.Ready())
	assert.Equal(t, 2, state.Readiness.Attempts)
	assert.Equal(t, "postgres://db.example.com:5432", state.Outputs["connectionString"])
	assert.Equal(t, "db.example.com", state.Fields["Endpoint"])
}

func TestCheckReadiness_Failed(t *testing.T) {
	f := &fakeAdapter{readRemote: &Remote{ID: "r-1", Status: "failed", Phase: readiness.Failed}}
	c := NewController(f)

	_, err := c.Invoke(context.Background(), ir.Definition{}, ir.State{ID: "r-1"}, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.Terminal))
}

func TestCheckReadiness_NotFoundCountsAsPending(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	state, err := c.Invoke(context.Background(), ir.Definition{}, ir.State{ID: "r-1"}, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.NotReady))
	assert.Equal(t, "not-found", state.Readiness.LastStatus)
}

func TestCheckReadiness_TransportErrorDoesNotSpendBudget(t *testing.T) {
	boom := fault.Transientf(errors.New("connection reset"), "read")
	f := &fakeAdapter{readErr: boom}
	c := NewController(f)

	state, err := c.Invoke(context.Background(), ir.Definition{}, ir.State{ID: "r-1"}, ir.ActionCheckReadiness)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, state.Readiness)
}

func TestCheckReadiness_RequiresID(t *testing.T) {
	c := NewController(&fakeAdapter{})
	_, err := c.Invoke(context.Background(), ir.Definition{}, ir.State{}, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.Configuration))
}

func TestHandle_UnknownActionReturnsPriorState(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	prior := ir.State{ID: "r-1", Existing: true}
	resp, err := c.Handle(context.Background(), ir.Invocation{
		State:   prior,
		Context: ir.Context{Action: "rotate"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.State)
	assert.Equal(t, prior, *resp.State)
	assert.Empty(t, f.calls)
}

func TestHandle_CollectsOutput(t *testing.T) {
	f := &fakeAdapter{createdID: "r-7"}
	c := NewController(f, WithMetrics(telemetry.NewMetrics()))

	resp, err := c.Handle(context.Background(), ir.Invocation{
		Definition: ir.Definition{"name": "x"},
		Context:    ir.Context{Action: "Create"},
	})
	require.NoError(t, err)
	assert.Equal(t, "r-7", resp.State.ID)
	assert.Equal(t, []string{"created test.Thing r-7"}, resp.Output)
}

func TestHandle_DoesNotMutateInput(t *testing.T) {
	f := &fakeAdapter{}
	c := NewController(f)

	prior := ir.State{ID: "r-1", Fields: map[string]any{"Name": "a"}}
	_, _ = c.Handle(context.Background(), ir.Invocation{
		Definition: ir.Definition{"name": "b"},
		State:      prior,
		Context:    ir.Context{Action: "update"},
	})
	assert.Equal(t, "a", prior.Fields["Name"])
}

func TestChanges(t *testing.T) {
	diff := Changes(
		map[string]any{"A": 1, "B": map[string]any{"x": 1, "y": 2}, "C": "gone"},
		map[string]any{"A": float64(1), "B": map[string]any{"y": 2, "x": 1}, "D": "new"},
		[]string{"A", "B", "C", "D"},
	)
	require.Len(t, diff, 2)
	assert.Equal(t, "delete", diff["C"].Action)
	assert.Equal(t, "create", diff["D"].Action)
	assert.Equal(t, ir.Summary{Create: 1, Delete: 1}, diff.Summarize())
}
