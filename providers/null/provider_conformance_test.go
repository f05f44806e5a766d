package null

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConformance_FullLifecycle validates the complete create, check-readiness,
// update, delete cycle through the controller.
func TestConformance_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	cloud := NewCloud()
	cloud.ReadyAfter = 2
	ctrl := reconcile.NewController(NewWithCloud(cloud))

	def := ir.Definition{"name": "conformance-test", "triggers": map[string]any{"key": "value1"}}

	// 1. Create
	state, err := ctrl.Invoke(ctx, def, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.NotEmpty(t, state.ID)
	assert.False(t, state.Existing)
	assert.Equal(t, "standard", state.Fields["Tier"])

	// 2. Check readiness until active
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.NotReady))
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	require.NoError(t, err)
	assert.True(t, state.Ready())
	assert.Equal(t, "null://"+state.ID, state.Outputs["url"])

	// 3. Update with identical definition is a no-op
	before := cloud.Calls("update")
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, before, cloud.Calls("update"))

	// 4. Update with changed triggers writes once
	def2 := ir.Definition{"name": "conformance-test", "triggers": map[string]any{"key": "value2"}}
	state, err = ctrl.Invoke(ctx, def2, state, ir.ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, before+1, cloud.Calls("update"))
	assert.Equal(t, map[string]any{"key": "value2"}, state.Fields["Triggers"])
	assert.Equal(t, map[string]any{"key": "value2"}, state.Attributes["triggers"])

	// 5. Delete
	state, err = ctrl.Invoke(ctx, def2, state, ir.ActionDelete)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
	assert.Empty(t, cloud.Names())
}

func TestConformance_CreateTwiceAdopts(t *testing.T) {
	ctx := context.Background()
	cloud := NewCloud()
	ctrl := reconcile.NewController(NewWithCloud(cloud))
	def := ir.Definition{"name": "twice"}

	first, err := ctrl.Invoke(ctx, def, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	second, err := ctrl.Invoke(ctx, def, first, ir.ActionCreate)
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, cloud.Calls("create"))
}

func TestConformance_AdoptedNeverDeleted(t *testing.T) {
	ctx := context.Background()
	cloud := NewCloud()
	id := cloud.Seed("shared-db", map[string]any{"Size": 3})
	ctrl := reconcile.NewController(NewWithCloud(cloud))

	state, err := ctrl.Invoke(ctx, ir.Definition{"name": "shared-db"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.Equal(t, id, state.ID)
	assert.True(t, state.Existing)
	assert.Equal(t, 0, cloud.Calls("create"))

	for _, action := range []ir.Action{ir.ActionDelete, ir.ActionPurge} {
		_, err := ctrl.Invoke(ctx, ir.Definition{"name": "shared-db"}, state, action)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, cloud.Calls("delete"))
	assert.Equal(t, []string{"shared-db"}, cloud.Names())
}

func TestConformance_ReadinessBound(t *testing.T) {
	ctx := context.Background()
	cloud := NewCloud()
	cloud.ReadyAfter = 100
	ctrl := reconcile.NewController(NewWithCloud(cloud), reconcile.WithPolicy(readiness.Policy{Period: time.Millisecond, Attempts: 4}))

	state, err := ctrl.Invoke(ctx, ir.Definition{"name": "slow"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)

	for i := 1; i < 4; i++ {
		state, err = ctrl.Invoke(ctx, nil, state, ir.ActionCheckReadiness)
		require.True(t, fault.Is(err, fault.NotReady), "attempt %d: %v", i, err)
	}
	_, err = ctrl.Invoke(ctx, nil, state, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.Terminal))
}

func TestConformance_FailedProvisioning(t *testing.T) {
	ctx := context.Background()
	cloud := NewCloud()
	cloud.ReadyAfter = 1
	cloud.FailWith = "error"
	ctrl := reconcile.NewController(NewWithCloud(cloud))

	state, err := ctrl.Invoke(ctx, ir.Definition{"name": "broken"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	_, err = ctrl.Invoke(ctx, nil, state, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.Terminal))
}

func TestConformance_ConcurrentCreatesResolveByConflict(t *testing.T) {
	ctx := context.Background()
	cloud := NewCloud()
	a := NewWithCloud(cloud)

	// Both racers locate before either creates.
	var located sync.WaitGroup
	located.Add(2)
	racer := &racingAdapter{Adapter: a, located: &located}
	ctrl := reconcile.NewController(racer)

	results := make([]ir.State, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ctrl.Invoke(ctx, ir.Definition{"name": "race"}, ir.State{}, ir.ActionCreate)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].ID, results[1].ID)
	assert.NotEqual(t, results[0].Existing, results[1].Existing, "exactly one racer owns the resource")
	assert.Equal(t, 1, len(cloud.Names()))
}

// racingAdapter blocks the first Locate of each racer until both have looked.
type racingAdapter struct {
	*Adapter
	located *sync.WaitGroup
	mu      sync.Mutex
	seen    int
}

func (r *racingAdapter) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	remote, found, err := r.Adapter.Locate(ctx, def)
	r.mu.Lock()
	first := r.seen < 2
	r.seen++
	r.mu.Unlock()
	if first {
		r.located.Done()
		r.located.Wait()
	}
	return remote, found, err
}
