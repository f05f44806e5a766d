package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/provider"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/state"
	"github.com/picklr-io/reconcilr/providers/null"
)

type fixture struct {
	engine   *Engine
	cloud    *null.Cloud
	backend  state.Backend
	registry *provider.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cloud := null.NewCloud()
	reg := provider.NewRegistry(provider.Deps{})
	reg.Register(null.TypeName, func(ctx context.Context, deps provider.Deps) (reconcile.Adapter, error) {
		return null.NewWithCloud(cloud), nil
	})
	reg.SetPolicy(null.TypeName, readiness.Policy{Period: time.Millisecond, Attempts: 10})

	backend := state.NewLocal(t.TempDir(), nil)
	eng := NewEngine(reg, backend)
	eng.Retry = &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return &fixture{engine: eng, cloud: cloud, backend: backend, registry: reg}
}

func (f *fixture) stored(t *testing.T, key string) *state.Record {
	t.Helper()
	rec, err := f.backend.Read(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func nullJob(name string, action ir.Action) Job {
	return Job{Type: null.TypeName, Definition: ir.Definition{"name": name}, Action: action}
}

func TestEngine_CreateWaitDelete(t *testing.T) {
	f := newFixture(t)
	f.cloud.ReadyAfter = 2
	ctx := context.Background()

	create := nullJob("web", ir.ActionCreate)
	create.Wait = true
	s, err := f.engine.Execute(ctx, create)
	require.NoError(t, err)
	assert.True(t, s.Ready())
	assert.Equal(t, "null://"+s.ID, s.Outputs["url"])

	rec := f.stored(t, "null.Resource/web")
	require.NotNil(t, rec)
	assert.Equal(t, null.TypeName, rec.Type)
	assert.Equal(t, "web", rec.Definition.String("name"))
	assert.True(t, rec.State.Ready())
	assert.Equal(t, 1, rec.State.Readiness.Attempts)
	assert.Equal(t, 3, rec.Serial, "create plus two checks")

	s, err = f.engine.Run(ctx, nullJob("web", ir.ActionDelete))
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())
	assert.Nil(t, f.stored(t, "null.Resource/web"))
	assert.Empty(t, f.cloud.Names())
}

func TestEngine_NotReadyPersistsAttempts(t *testing.T) {
	f := newFixture(t)
	f.cloud.ReadyAfter = 5
	ctx := context.Background()

	_, err := f.engine.Run(ctx, nullJob("web", ir.ActionCreate))
	require.NoError(t, err)

	check := Job{Key: "null.Resource/web", Type: null.TypeName, Action: ir.ActionCheckReadiness}
	_, err = f.engine.Run(ctx, check)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NotReady))

	rec := f.stored(t, "null.Resource/web")
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.State.Readiness.Attempts)
	assert.Equal(t, "web", rec.Definition.String("name"), "check keeps the stored definition")
}

func TestEngine_AwaitExhaustsBudget(t *testing.T) {
	f := newFixture(t)
	f.cloud.ReadyAfter = 100
	f.registry.SetPolicy(null.TypeName, readiness.Policy{Period: time.Millisecond, Attempts: 3})
	ctx := context.Background()

	_, err := f.engine.Run(ctx, nullJob("web", ir.ActionCreate))
	require.NoError(t, err)

	s, err := f.engine.Await(ctx, nullJob("web", ir.ActionCreate))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Terminal))
	assert.Equal(t, 3, s.Readiness.Attempts)
	assert.Equal(t, 3, f.stored(t, "null.Resource/web").State.Readiness.Attempts)
	assert.Equal(t, 3, f.cloud.Calls("read"))
}

func TestEngine_AwaitRestartsBudgetAfterReady(t *testing.T) {
	f := newFixture(t)
	f.cloud.ReadyAfter = 2
	ctx := context.Background()

	job := nullJob("web", ir.ActionCreate)
	job.Wait = true
	_, err := f.engine.Execute(ctx, job)
	require.NoError(t, err)

	s, err := f.engine.Await(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Readiness.Attempts)
}

func TestEngine_RejectsStateOfAnotherType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.backend.Write(ctx, &state.Record{
		Key:   "shared",
		Type:  "aws.s3.Bucket",
		State: ir.State{ID: "bucket-1"},
	}))

	job := nullJob("web", ir.ActionDelete)
	job.Key = "shared"
	_, err := f.engine.Run(ctx, job)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Configuration))
	assert.Equal(t, 0, f.cloud.Calls("delete"))
	assert.Equal(t, "bucket-1", f.stored(t, "shared").State.ID)
}

func TestEngine_UnknownAction(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Run(context.Background(), nullJob("web", "rollback"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Configuration))
}

func TestEngine_LockedKeyIsTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.backend.Lock(ctx, "null.Resource/web"))

	_, err := f.engine.Run(ctx, nullJob("web", ir.ActionCreate))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transient))
	assert.ErrorIs(t, err, state.ErrLocked)
	assert.Equal(t, 0, f.cloud.Calls("create"))
}

// flaky fails the first creates with a transient error.
type flaky struct {
	*null.Adapter
	mu       sync.Mutex
	failures int
}

func (a *flaky) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	a.mu.Lock()
	if a.failures > 0 {
		a.failures--
		a.mu.Unlock()
		return reconcile.Remote{}, fault.Transientf(errors.New("503 service unavailable"), "create null resource")
	}
	a.mu.Unlock()
	return a.Adapter.Create(ctx, def, payload)
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(null.TypeName, func(ctx context.Context, deps provider.Deps) (reconcile.Adapter, error) {
		return &flaky{Adapter: null.NewWithCloud(f.cloud), failures: 2}, nil
	})

	s, err := f.engine.Run(context.Background(), nullJob("web", ir.ActionCreate))
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, f.cloud.Calls("create"))
	assert.Equal(t, 3, f.cloud.Calls("locate"))
}

func TestEngine_ResolvesReferences(t *testing.T) {
	f := newFixture(t)
	f.cloud.ReadyAfter = 1
	ctx := context.Background()

	app := Job{
		Type: null.TypeName,
		Definition: ir.Definition{
			"name":     "app",
			"triggers": map[string]any{"db": "ref://null.Resource/db/url"},
		},
		Action: ir.ActionCreate,
	}

	_, err := f.engine.Run(ctx, app)
	require.Error(t, err, "db has no state yet")
	assert.True(t, fault.Is(err, fault.Configuration))

	_, err = f.engine.Run(ctx, nullJob("db", ir.ActionCreate))
	require.NoError(t, err)
	_, err = f.engine.Run(ctx, app)
	require.Error(t, err, "db is not ready, so it has no outputs")
	assert.True(t, fault.Is(err, fault.NotReady))

	db, err := f.engine.Await(ctx, nullJob("db", ir.ActionCreate))
	require.NoError(t, err)

	s, err := f.engine.Run(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"db": "null://" + db.ID}, s.Fields["Triggers"])

	rec := f.stored(t, "null.Resource/app")
	assert.Equal(t, "ref://null.Resource/db/url", rec.Definition["triggers"].(map[string]any)["db"],
		"the stored definition keeps the reference")
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) index(key, status string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e.Key == key && e.Status == status {
			return i
		}
	}
	return -1
}

func TestEngine_RunAllOrdersByDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	db := nullJob("db", ir.ActionCreate)
	db.Wait = true
	app := Job{
		Type:       null.TypeName,
		Definition: ir.Definition{"name": "app", "triggers": map[string]any{"db": "ref://null.Resource/db/url"}},
		Action:     ir.ActionCreate,
		Wait:       true,
	}
	cache := nullJob("cache", ir.ActionCreate)

	var log eventLog
	results, err := f.engine.RunAll(ctx, []Job{app, db, cache}, log.add)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results["null.Resource/app"].Ready())
	assert.Less(t, log.index("null.Resource/db", "completed"), log.index("null.Resource/app", "started"))

	app.Action, db.Action, cache.Action = ir.ActionDelete, ir.ActionDelete, ir.ActionDelete
	log = eventLog{}
	_, err = f.engine.RunAll(ctx, []Job{db, app, cache}, log.add)
	require.NoError(t, err)
	assert.Less(t, log.index("null.Resource/app", "completed"), log.index("null.Resource/db", "started"))
	assert.Empty(t, f.cloud.Names())

	keys, err := f.backend.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEngine_RunAllSkipsDependentsOfFailures(t *testing.T) {
	f := newFixture(t)
	f.engine.ContinueOnError = true
	ctx := context.Background()

	broken := Job{Key: "broken", Type: "nope.Thing", Definition: ir.Definition{"name": "x"}, Action: ir.ActionCreate}
	dependent := nullJob("dependent", ir.ActionCreate)
	dependent.DependsOn = []string{"broken"}
	independent := nullJob("independent", ir.ActionCreate)

	var log eventLog
	_, err := f.engine.RunAll(ctx, []Job{broken, dependent, independent}, log.add)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 job(s) failed")

	assert.NotEqual(t, -1, log.index("broken", "failed"))
	assert.NotEqual(t, -1, log.index("null.Resource/dependent", "skipped"))
	assert.NotEqual(t, -1, log.index("null.Resource/independent", "completed"))
	assert.Equal(t, []string{"independent"}, f.cloud.Names())
}
