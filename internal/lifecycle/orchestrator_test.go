package lifecycle

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imyashkale/mcphost/internal/database"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
	"github.com/imyashkale/mcphost/internal/ports"
	"github.com/imyashkale/mcphost/internal/process"
	"github.com/imyashkale/mcphost/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetOutput(io.Discard)
}

type fakeRunner struct {
	mu       sync.Mutex
	nextPID  int
	running  map[string]process.Spec
	pids     map[string]int
	startErr error
	startFn  func(ctx context.Context, spec process.Spec) error
	stale    []int
	stopped  []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{nextPID: 1000, running: map[string]process.Spec{}, pids: map[string]int{}}
}

func (f *fakeRunner) Start(ctx context.Context, spec process.Spec) (int, error) {
	if f.startFn != nil {
		if err := f.startFn(ctx, spec); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	if _, ok := f.running[spec.InstanceID]; ok {
		return 0, process.ErrAlreadyRunning
	}
	f.nextPID++
	f.running[spec.InstanceID] = spec
	f.pids[spec.InstanceID] = f.nextPID
	return f.nextPID, nil
}

func (f *fakeRunner) Terminate(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return false
	}
	delete(f.running, id)
	f.stopped = append(f.stopped, id)
	return true
}

func (f *fakeRunner) IsRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[id]
	return ok
}

func (f *fakeRunner) KillStale(pid int, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = append(f.stale, pid)
	return true
}

func (f *fakeRunner) ActiveProcesses() []process.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]process.Info, 0, len(f.running))
	for id, spec := range f.running {
		out = append(out, process.Info{InstanceID: id, VendorType: spec.VendorType, PID: f.pids[id], Port: spec.Port})
	}
	return out
}

func (f *fakeRunner) Shutdown(ctx context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.running)
	f.running = map[string]process.Spec{}
	return n
}

// crash drops a running process and returns the event its supervisor
// would publish.
func (f *fakeRunner) crash(id string) process.ExitEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec := f.running[id]
	delete(f.running, id)
	return process.ExitEvent{InstanceID: id, PID: f.pids[id], Port: spec.Port, Err: errors.New("exit status 1")}
}

type fakeCreds struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeCreds) Invalidate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
}

type fixture struct {
	orch  *Orchestrator
	repo  repository.InstanceRepository
	alloc *ports.Allocator
	procs *fakeRunner
	creds *fakeCreds
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureWithPorts(t, opts, 49160, 49199)
}

func newFixtureWithPorts(t *testing.T, opts Options, start, end int) *fixture {
	t.Helper()
	store, err := database.NewSQLiteStore(filepath.Join(t.TempDir(), "lifecycle.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	types := repository.NewMCPTypeRepository(store)
	require.NoError(t, types.Seed(context.Background(), []models.MCPType{
		{Id: "figma", Name: "figma", DisplayName: "Figma", Active: true, ClientId: "figma-client"},
		{Id: "github", Name: "github", DisplayName: "GitHub", Active: true},
		{Id: "retired", Name: "retired", DisplayName: "Retired", Active: false},
	}))

	repo := repository.NewInstanceRepository(store, 10)
	alloc, err := ports.New(start, end, repo)
	require.NoError(t, err)
	require.NoError(t, alloc.Initialize(context.Background()))

	f := &fixture{repo: repo, alloc: alloc, procs: newFakeRunner(), creds: &fakeCreds{}}
	f.orch = New(repo, types, alloc, f.procs, f.creds, opts)
	return f
}

func (f *fixture) create(t *testing.T, user, mcpType string) *models.Instance {
	t.Helper()
	inst, err := f.orch.CreateInstance(context.Background(), CreateParams{UserID: user, MCPTypeID: mcpType})
	require.NoError(t, err)
	return inst
}

func (f *fixture) activeCount(t *testing.T) int {
	t.Helper()
	active, err := f.repo.ListActive(context.Background())
	require.NoError(t, err)
	return len(active)
}

func TestCreateInstance(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	inst, err := f.orch.CreateInstance(ctx, CreateParams{
		UserID:            "u1",
		MCPTypeID:         "figma",
		CustomName:        "design",
		Config:            models.InstanceConfig{"team": "core"},
		VendorAccessToken: "vendor-tok",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, inst.InstanceNumber)
	assert.Equal(t, models.StatusActive, inst.Status)
	assert.Equal(t, models.OAuthCompleted, inst.OAuthStatus)
	assert.Equal(t, "figma-client", inst.ClientId, "client id defaults to the catalog entry")
	require.NotNil(t, inst.ProcessId)
	assert.False(t, f.alloc.IsPortAvailable(inst.AssignedPort))

	stored, err := f.repo.Get(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, inst.ProcessId, stored.ProcessId)
	assert.Equal(t, inst.AccessToken, stored.AccessToken)

	spec := f.procs.running[inst.Id]
	assert.Equal(t, inst.AssignedPort, spec.Port)
	assert.Equal(t, "vendor-tok", spec.Credentials.VendorAccessToken)
	assert.Equal(t, inst.AccessToken, spec.Credentials.InstanceToken)
	assert.Equal(t, models.InstanceConfig{"team": "core"}, spec.Config)
}

func TestCreateInstanceRejections(t *testing.T) {
	tests := []struct {
		name   string
		params CreateParams
		kind   Kind
	}{
		{"Missing user", CreateParams{MCPTypeID: "figma"}, KindInvalid},
		{"Unknown type", CreateParams{UserID: "u1", MCPTypeID: "nope"}, KindNotFound},
		{"Inactive type", CreateParams{UserID: "u1", MCPTypeID: "retired"}, KindNotFound},
		{"Invalid config", CreateParams{UserID: "u1", MCPTypeID: "figma", Config: models.InstanceConfig{"bad key": 1}}, KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			_, err := f.orch.CreateInstance(context.Background(), tt.params)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Empty(t, f.alloc.UsedPorts())
			assert.Zero(t, f.activeCount(t))
		})
	}
}

func TestCreateDeleteCyclesDoNotLeak(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	before := f.alloc.Range().Used
	for i := 0; i < 25; i++ {
		inst := f.create(t, "u1", "figma")
		require.NoError(t, f.orch.DeleteInstance(ctx, inst.Id, "u1"))
	}

	assert.Equal(t, before, f.alloc.Range().Used)
	assert.Zero(t, f.activeCount(t))
	assert.Empty(t, f.procs.ActiveProcesses())
}

func TestConcurrentCreatesStayUnique(t *testing.T) {
	f := newFixture(t, Options{})

	var wg sync.WaitGroup
	results := make(chan *models.Instance, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := f.orch.CreateInstance(context.Background(), CreateParams{UserID: "u1", MCPTypeID: "figma"})
			if assert.NoError(t, err) {
				results <- inst
			}
		}()
	}
	wg.Wait()
	close(results)

	numbers := map[int]bool{}
	usedPorts := map[int]bool{}
	tokens := map[string]bool{}
	for inst := range results {
		assert.False(t, numbers[inst.InstanceNumber], "duplicate number %d", inst.InstanceNumber)
		assert.False(t, usedPorts[inst.AssignedPort], "duplicate port %d", inst.AssignedPort)
		assert.False(t, tokens[inst.AccessToken], "duplicate token")
		numbers[inst.InstanceNumber] = true
		usedPorts[inst.AssignedPort] = true
		tokens[inst.AccessToken] = true
	}
	assert.Len(t, numbers, 10)
	assert.Equal(t, 0, f.orch.locks.size())
}

func TestCreateRejectsEleventhInstance(t *testing.T) {
	f := newFixture(t, Options{})
	for i := 0; i < 10; i++ {
		f.create(t, "u1", "figma")
	}
	usedBefore := f.alloc.UsedPorts()

	_, err := f.orch.CreateInstance(context.Background(), CreateParams{UserID: "u1", MCPTypeID: "figma"})
	require.Error(t, err)
	assert.Equal(t, KindCapacity, KindOf(err))
	assert.ErrorIs(t, err, repository.ErrMaxInstances)

	assert.Equal(t, usedBefore, f.alloc.UsedPorts())
	assert.Equal(t, 10, f.activeCount(t))

	// Other types and users are unaffected.
	f.create(t, "u1", "github")
	f.create(t, "u2", "figma")
}

func TestCreateRollsBackWhenProcessFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.procs.startErr = errors.New("exec format error")

	_, err := f.orch.CreateInstance(context.Background(), CreateParams{UserID: "u1", MCPTypeID: "figma"})
	require.Error(t, err)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, KindInternal, opErr.Kind)
	assert.Equal(t, StepProcessStart, opErr.Step)

	_, getErr := f.repo.Get(context.Background(), opErr.InstanceID)
	assert.ErrorIs(t, getErr, repository.ErrNotFound)
	assert.True(t, f.alloc.IsPortAvailable(49160))
	assert.Empty(t, f.alloc.UsedPorts())
}

func TestCreateTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, Options{CreateTimeout: 100 * time.Millisecond})
	f.procs.startFn = func(ctx context.Context, spec process.Spec) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := f.orch.CreateInstance(context.Background(), CreateParams{UserID: "u1", MCPTypeID: "figma"})
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Empty(t, f.alloc.UsedPorts())
	assert.Zero(t, f.activeCount(t))
}

// conflictingRepo fails the first inserts with a token collision.
type conflictingRepo struct {
	repository.InstanceRepository
	mu        sync.Mutex
	conflicts int
	inserts   int
}

func (r *conflictingRepo) Insert(ctx context.Context, inst *models.Instance) error {
	r.mu.Lock()
	r.inserts++
	fail := r.inserts <= r.conflicts
	r.mu.Unlock()
	if fail {
		return repository.ErrTokenTaken
	}
	return r.InstanceRepository.Insert(ctx, inst)
}

func TestCreateRetriesConflicts(t *testing.T) {
	tests := []struct {
		name      string
		conflicts int
		wantErr   bool
	}{
		{"Recovers after two conflicts", 2, false},
		{"Gives up after three", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			repo := &conflictingRepo{InstanceRepository: f.repo, conflicts: tt.conflicts}
			f.orch.repo = repo

			inst, err := f.orch.CreateInstance(context.Background(), CreateParams{UserID: "u1", MCPTypeID: "figma"})
			if tt.wantErr {
				assert.Equal(t, KindConflict, KindOf(err))
				assert.Empty(t, f.alloc.UsedPorts())
				assert.Equal(t, 3, repo.inserts)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []int{inst.AssignedPort}, f.alloc.UsedPorts())
		})
	}
}

func TestCreateSkipsForeignPorts(t *testing.T) {
	probed := []int{}
	f := newFixture(t, Options{ProbePort: func(port int) bool {
		probed = append(probed, port)
		return port != 49160
	}})

	inst := f.create(t, "u1", "figma")
	assert.Equal(t, 49161, inst.AssignedPort)
	assert.Equal(t, []int{49160, 49161}, probed)
	assert.True(t, f.alloc.IsPortAvailable(49160), "skipped port goes back to the pool")
	assert.Equal(t, []int{49161}, f.alloc.UsedPorts())

	f.orch.opts.ProbePort = func(int) bool { return false }
	_, err := f.orch.CreateInstance(context.Background(), CreateParams{UserID: "u1", MCPTypeID: "figma"})
	assert.ErrorIs(t, err, ErrNoBindablePort)
	assert.Equal(t, KindCapacity, KindOf(err))

	// The rejected attempt leaves nothing behind.
	assert.Equal(t, []int{inst.AssignedPort}, f.alloc.UsedPorts())
	assert.Equal(t, f.alloc.Range().Total-1, f.alloc.Range().Available)
	assert.Equal(t, 1, f.activeCount(t))

	// Once the foreign listener is gone the pool serves again.
	f.orch.opts.ProbePort = func(int) bool { return true }
	f.create(t, "u1", "figma")
}

func TestCreateSkipsForeignPortInSinglePortPool(t *testing.T) {
	f := newFixtureWithPorts(t, Options{ProbePort: func(int) bool { return false }}, 49160, 49160)

	_, err := f.orch.CreateInstance(context.Background(), CreateParams{UserID: "u1", MCPTypeID: "figma"})
	assert.Equal(t, KindCapacity, KindOf(err))
	assert.True(t, f.alloc.IsPortAvailable(49160))
}

func TestInstanceNumberGapIsReused(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first := f.create(t, "U", "figma")
	second := f.create(t, "U", "figma")
	third := f.create(t, "U", "figma")
	assert.Equal(t, []int{1, 2, 3}, []int{first.InstanceNumber, second.InstanceNumber, third.InstanceNumber})

	require.NoError(t, f.orch.DeleteInstance(ctx, second.Id, "U"))

	again := f.create(t, "U", "figma")
	assert.Equal(t, 2, again.InstanceNumber)
}

func TestDeleteInstance(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	inst := f.create(t, "u1", "figma")

	err := f.orch.DeleteInstance(ctx, inst.Id, "u2")
	assert.Equal(t, KindForbidden, KindOf(err))
	assert.True(t, f.procs.IsRunning(inst.Id))

	err = f.orch.DeleteInstance(ctx, "missing", "u1")
	assert.Equal(t, KindNotFound, KindOf(err))

	require.NoError(t, f.orch.DeleteInstance(ctx, inst.Id, "u1"))
	assert.False(t, f.procs.IsRunning(inst.Id))
	assert.True(t, f.alloc.IsPortAvailable(inst.AssignedPort))
	assert.Contains(t, f.creds.invalidated, inst.Id)

	_, err = f.repo.Get(ctx, inst.Id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteWithoutProcessStillRemovesRecord(t *testing.T) {
	f := newFixture(t, Options{})
	inst := f.create(t, "u1", "figma")
	f.procs.crash(inst.Id)

	require.NoError(t, f.orch.DeleteInstance(context.Background(), inst.Id, "u1"))
	assert.Zero(t, f.activeCount(t))
	assert.Empty(t, f.alloc.UsedPorts())
}

func TestDeleteAfterTimeoutRemovesRecord(t *testing.T) {
	f := newFixture(t, Options{})
	inst := f.create(t, "u1", "figma")

	// Termination outlives the delete deadline.
	f.orch.opts.DeleteTimeout = 50 * time.Millisecond
	slow := &slowTerminate{fakeRunner: f.procs, delay: 200 * time.Millisecond}
	f.orch.procs = slow

	require.NoError(t, f.orch.DeleteInstance(context.Background(), inst.Id, "u1"))
	_, err := f.repo.Get(context.Background(), inst.Id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.True(t, f.alloc.IsPortAvailable(inst.AssignedPort))
}

// gatedRepo holds the first Get until released so other operations can run
// between a lookup and whatever the caller does next.
type gatedRepo struct {
	repository.InstanceRepository
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func newGatedRepo(repo repository.InstanceRepository) *gatedRepo {
	return &gatedRepo{InstanceRepository: repo, reached: make(chan struct{}), release: make(chan struct{})}
}

func (r *gatedRepo) Get(ctx context.Context, id string) (*models.Instance, error) {
	inst, err := r.InstanceRepository.Get(ctx, id)
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.reached)
		<-r.release
	}
	return inst, err
}

func TestDeleteAfterCrashKeepsReassignedPort(t *testing.T) {
	f := newFixtureWithPorts(t, Options{}, 49160, 49160)
	ctx := context.Background()
	a := f.create(t, "u1", "figma")

	gated := newGatedRepo(f.repo)
	f.orch.repo = gated

	deleted := make(chan error, 1)
	go func() { deleted <- f.orch.DeleteInstance(ctx, a.Id, "u1") }()
	<-gated.reached

	// The process crashes and its port goes to another user before the
	// delete takes the lock.
	require.NoError(t, f.orch.HandleExit(ctx, f.procs.crash(a.Id)))
	b := f.create(t, "u2", "figma")
	require.Equal(t, a.AssignedPort, b.AssignedPort)

	close(gated.release)
	require.NoError(t, <-deleted)

	_, err := f.repo.Get(ctx, a.Id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.False(t, f.alloc.IsPortAvailable(b.AssignedPort), "port of the new owner stays reserved")
	assert.True(t, f.procs.IsRunning(b.Id))

	_, err = f.orch.CreateInstance(ctx, CreateParams{UserID: "u3", MCPTypeID: "figma"})
	assert.Equal(t, KindCapacity, KindOf(err))
}

func TestConcurrentDeleteOfSameInstance(t *testing.T) {
	f := newFixtureWithPorts(t, Options{}, 49160, 49160)
	ctx := context.Background()
	a := f.create(t, "u1", "figma")

	gated := newGatedRepo(f.repo)
	f.orch.repo = gated

	deleted := make(chan error, 1)
	go func() { deleted <- f.orch.DeleteInstance(ctx, a.Id, "u1") }()
	<-gated.reached

	require.NoError(t, f.orch.DeleteInstance(ctx, a.Id, "u1"))
	b := f.create(t, "u2", "figma")

	close(gated.release)
	require.NoError(t, <-deleted, "a record deleted meanwhile counts as deleted")
	assert.False(t, f.alloc.IsPortAvailable(b.AssignedPort))
}

// slowTerminate holds termination past the caller's deadline.
type slowTerminate struct {
	*fakeRunner
	delay time.Duration
}

func (s *slowTerminate) Terminate(ctx context.Context, id string) bool {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return s.fakeRunner.Terminate(ctx, id)
}

func TestHandleExit(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	inst := f.create(t, "u1", "figma")

	require.NoError(t, f.orch.HandleExit(ctx, process.ExitEvent{InstanceID: inst.Id, PID: *inst.ProcessId, Port: inst.AssignedPort, Requested: true}))
	stored, err := f.repo.Get(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status, "requested exits are ignored")

	ev := f.procs.crash(inst.Id)
	stale := ev
	stale.PID = ev.PID + 1
	require.NoError(t, f.orch.HandleExit(ctx, stale))
	assert.False(t, f.alloc.IsPortAvailable(inst.AssignedPort), "exit of another pid is ignored")

	require.NoError(t, f.orch.HandleExit(ctx, ev))
	stored, err = f.repo.Get(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Nil(t, stored.ProcessId)
	assert.True(t, f.alloc.IsPortAvailable(inst.AssignedPort))
	assert.Contains(t, f.creds.invalidated, inst.Id)

	require.NoError(t, f.orch.HandleExit(ctx, process.ExitEvent{InstanceID: "gone", PID: 1}))
}

// flakyUpdates fails the first UpdateProcess call.
type flakyUpdates struct {
	repository.InstanceRepository
	failed atomic.Bool
}

func (r *flakyUpdates) UpdateProcess(ctx context.Context, id string, pid *int, status models.InstanceStatus) error {
	if r.failed.CompareAndSwap(false, true) {
		return errors.New("store unavailable")
	}
	return r.InstanceRepository.UpdateProcess(ctx, id, pid, status)
}

func TestHandleExitCanBeRetried(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	inst := f.create(t, "u1", "figma")
	f.orch.repo = &flakyUpdates{InstanceRepository: f.repo}

	ev := f.procs.crash(inst.Id)
	require.Error(t, f.orch.HandleExit(ctx, ev))
	assert.False(t, f.alloc.IsPortAvailable(inst.AssignedPort), "port is kept until the record is updated")

	require.NoError(t, f.orch.HandleExit(ctx, ev))
	stored, err := f.repo.Get(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.True(t, f.alloc.IsPortAvailable(inst.AssignedPort))
}

func TestRestart(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	inst := f.create(t, "u1", "figma")
	oldPID := *inst.ProcessId

	restarted, err := f.orch.Restart(ctx, inst.Id, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, oldPID, *restarted.ProcessId)
	assert.Equal(t, inst.AssignedPort, restarted.AssignedPort)

	// A crashed instance comes back on its old port.
	require.NoError(t, f.orch.HandleExit(ctx, f.procs.crash(inst.Id)))
	require.True(t, f.alloc.IsPortAvailable(inst.AssignedPort))

	restarted, err = f.orch.Restart(ctx, inst.Id, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, restarted.Status)
	assert.False(t, f.alloc.IsPortAvailable(inst.AssignedPort))

	_, err = f.orch.Restart(ctx, inst.Id, "u2")
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestRestartFailureMarksFailed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	inst := f.create(t, "u1", "figma")

	f.procs.startErr = errors.New("boom")
	_, err := f.orch.Restart(ctx, inst.Id, "u1")
	require.Error(t, err)

	stored, err := f.repo.Get(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.True(t, f.alloc.IsPortAvailable(inst.AssignedPort))
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	healthy := f.create(t, "u1", "figma")
	orphan := f.create(t, "u1", "github")
	expired := f.create(t, "u2", "figma")

	past := time.Now().Add(-time.Hour)
	expiredRecord, err := f.repo.Get(ctx, expired.Id)
	require.NoError(t, err)
	expiredRecord.ExpiresAt = &past
	require.NoError(t, f.repo.Delete(ctx, expired.Id, "u2"))
	require.NoError(t, f.repo.Insert(ctx, expiredRecord))

	// Simulate a host restart: processes are gone from the manager, the
	// allocator is rebuilt from the store.
	orphanPID := *orphan.ProcessId
	f.procs.crash(orphan.Id)
	f.procs.crash(expired.Id)
	require.NoError(t, f.alloc.Initialize(ctx))

	report, err := f.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Restarted: 1, Expired: 1, Skipped: 1}, report)
	assert.Contains(t, f.procs.stale, orphanPID)
	assert.True(t, f.procs.IsRunning(orphan.Id))
	assert.True(t, f.procs.IsRunning(healthy.Id))
	assert.False(t, f.alloc.IsPortAvailable(orphan.AssignedPort))

	stored, err := f.repo.Get(ctx, expired.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Status)
	assert.True(t, f.alloc.IsPortAvailable(expired.AssignedPort))
}

func TestReconcileStartFailure(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	inst := f.create(t, "u1", "figma")
	f.procs.crash(inst.Id)
	f.procs.startErr = errors.New("binary missing")

	report, err := f.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	stored, err := f.repo.Get(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.True(t, f.alloc.IsPortAvailable(inst.AssignedPort))
}

func TestShutdownMarksInactive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.create(t, "u1", "figma")
	b := f.create(t, "u2", "github")

	assert.Equal(t, 2, f.orch.Shutdown(ctx))
	assert.Empty(t, f.alloc.UsedPorts())
	for _, id := range []string{a.Id, b.Id} {
		stored, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInactive, stored.Status)
		assert.Nil(t, stored.ProcessId)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Equal(t, 0, k.size())
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
