// Package process owns the OS processes that back tenant instances.
//
// Every spawned process gets a supervisor goroutine that is the only caller
// of cmd.Wait. When the process exits, for whatever reason, the supervisor
// removes it from the table and publishes an ExitEvent on the manager's exit
// channel. Termination requests and crashes therefore reach the same cleanup
// path.
package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/metrics"
	"github.com/imyashkale/mcphost/internal/models"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("instance already has a running process")
	ErrNotReady       = errors.New("instance process did not start listening in time")
	ErrExitedEarly    = errors.New("instance process exited during startup")
)

// Environment variables handed to the backing process.
const (
	EnvVendorAccessToken = "MCP_VENDOR_ACCESS_TOKEN"
	EnvInstanceToken     = "MCP_INSTANCE_TOKEN"
	EnvInstanceConfig    = "MCP_INSTANCE_CONFIG"
)

const (
	defaultGracePeriod = 3 * time.Second
	defaultExitBuffer  = 256
	readyPollInterval  = 100 * time.Millisecond

	// how long to wait for the supervisor after SIGKILL
	killWait = 2 * time.Second
	// bounds the copy of stdout/stderr after the process exits
	pipeWaitDelay = 2 * time.Second
)

// Credentials are the secrets a backing process needs at startup.
type Credentials struct {
	VendorAccessToken string
	InstanceToken     string
}

// Spec describes the process to start for an instance.
type Spec struct {
	InstanceID  string
	VendorType  string
	Port        int
	Credentials Credentials
	Config      models.InstanceConfig
}

// ExitEvent reports that a tracked process has exited. Requested is true when
// the exit followed a Terminate call; false means the process died on its own.
type ExitEvent struct {
	InstanceID string
	PID        int
	Port       int
	Err        error
	Requested  bool
}

// Info is a snapshot of a tracked process.
type Info struct {
	InstanceID string
	VendorType string
	PID        int
	Port       int
	StartedAt  time.Time
}

// CommandFunc builds the command for a spec. The manager sets the
// environment, process group and output pipes on the returned command.
type CommandFunc func(spec Spec) *exec.Cmd

// BinaryCommand runs binary with the instance flags understood by mcp-instance.
func BinaryCommand(binary string) CommandFunc {
	return func(spec Spec) *exec.Cmd {
		return exec.Command(binary,
			"--instance-id", spec.InstanceID,
			"--vendor", spec.VendorType,
			"--port", strconv.Itoa(spec.Port),
			"--host", "127.0.0.1",
		)
	}
}

// Options configures a Manager.
type Options struct {
	Command     CommandFunc
	GracePeriod time.Duration
	// ReadyTimeout bounds the wait for the process to accept TCP connections
	// on its port. Zero skips the readiness check.
	ReadyTimeout time.Duration
	ExitBuffer   int
	// OutputLimit bounds the recent output kept per instance, in bytes.
	OutputLimit int
}

type handle struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{} // closed by the supervisor after Wait returns
	requested atomic.Bool
}

// Manager tracks one process per instance id.
type Manager struct {
	opts Options

	mu      sync.Mutex
	handles map[string]*handle
	// ids whose process is being spawned
	starting map[string]struct{}
	// output of the latest process per instance, kept after it exits
	outputs map[string]*OutputLog

	exits chan ExitEvent
	spawn func(cmd *exec.Cmd) error
}

// NewManager creates a process manager.
func NewManager(opts Options) *Manager {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.ExitBuffer <= 0 {
		opts.ExitBuffer = defaultExitBuffer
	}
	return &Manager{
		opts:     opts,
		handles:  make(map[string]*handle),
		starting: make(map[string]struct{}),
		outputs:  make(map[string]*OutputLog),
		exits:    make(chan ExitEvent, opts.ExitBuffer),
		spawn:    (*exec.Cmd).Start,
	}
}

// Exits delivers one event per process exit.
func (m *Manager) Exits() <-chan ExitEvent {
	return m.exits
}

// Start spawns the backing process for spec and returns its pid. The child is
// not tied to ctx; ctx only bounds the readiness wait.
func (m *Manager) Start(ctx context.Context, spec Spec) (int, error) {
	if m.opts.Command == nil {
		return 0, errors.New("process manager has no command configured")
	}
	cfg, err := spec.Config.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode instance config: %w", err)
	}

	cmd := m.opts.Command(spec)
	cmd.Env = append(os.Environ(),
		EnvVendorAccessToken+"="+spec.Credentials.VendorAccessToken,
		EnvInstanceToken+"="+spec.Credentials.InstanceToken,
		EnvInstanceConfig+"="+cfg,
	)
	out := NewOutputLog(m.opts.OutputLimit)
	cmd.Stdout = newLineLogger(spec.InstanceID, "stdout", out)
	cmd.Stderr = newLineLogger(spec.InstanceID, "stderr", out)
	cmd.WaitDelay = pipeWaitDelay
	setProcessGroup(cmd)

	m.mu.Lock()
	_, running := m.handles[spec.InstanceID]
	_, spawning := m.starting[spec.InstanceID]
	if running || spawning {
		m.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	m.starting[spec.InstanceID] = struct{}{}
	m.mu.Unlock()

	// fork/exec runs unlocked; the starting entry keeps the id claimed.
	startErr := m.spawn(cmd)

	m.mu.Lock()
	delete(m.starting, spec.InstanceID)
	if startErr != nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("failed to start process: %w", startErr)
	}
	h := &handle{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.handles[spec.InstanceID] = h
	m.outputs[spec.InstanceID] = out
	m.mu.Unlock()

	metrics.ActiveProcesses.Inc()
	go m.supervise(h)

	log := logger.WithInstance(spec.InstanceID)
	log.WithFields(map[string]interface{}{
		"pid":    h.pid,
		"port":   spec.Port,
		"vendor": spec.VendorType,
	}).Info("Instance process started")

	if m.opts.ReadyTimeout > 0 {
		if err := m.waitReady(ctx, h); err != nil {
			log.WithError(err).Warn("Instance process failed readiness check, terminating")
			m.terminate(context.Background(), spec.InstanceID)
			return 0, err
		}
	}

	return h.pid, nil
}

// supervise owns cmd.Wait for h and publishes the exit.
func (m *Manager) supervise(h *handle) {
	err := h.cmd.Wait()

	m.mu.Lock()
	if m.handles[h.spec.InstanceID] == h {
		delete(m.handles, h.spec.InstanceID)
	}
	m.mu.Unlock()

	close(h.done)
	metrics.ActiveProcesses.Dec()

	ev := ExitEvent{
		InstanceID: h.spec.InstanceID,
		PID:        h.pid,
		Port:       h.spec.Port,
		Err:        err,
		Requested:  h.requested.Load(),
	}

	reason := "crashed"
	if ev.Requested {
		reason = "terminated"
	} else if err == nil {
		reason = "exited"
	}
	metrics.ProcessExits.WithLabelValues(reason).Inc()

	entry := logger.WithInstance(h.spec.InstanceID).WithFields(map[string]interface{}{
		"pid":       h.pid,
		"port":      h.spec.Port,
		"requested": ev.Requested,
	})
	if err != nil && !ev.Requested {
		entry.WithError(err).Warn("Instance process exited unexpectedly")
	} else {
		entry.Info("Instance process exited")
	}

	select {
	case m.exits <- ev:
	default:
		entry.Error("Exit event dropped, channel full")
	}
}

func (m *Manager) waitReady(ctx context.Context, h *handle) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ReadyTimeout)
	defer cancel()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(h.spec.Port))
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, readyPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-h.done:
			return ErrExitedEarly
		case <-ctx.Done():
			return ErrNotReady
		case <-ticker.C:
		}
	}
}

// Terminate stops the process for instanceID and drops its kept output. It
// returns false if no process is tracked. Otherwise it sends SIGTERM to the
// process group, waits for the grace period (or ctx), escalates to SIGKILL
// and returns true.
func (m *Manager) Terminate(ctx context.Context, instanceID string) bool {
	stopped := m.terminate(ctx, instanceID)

	m.mu.Lock()
	delete(m.outputs, instanceID)
	m.mu.Unlock()
	return stopped
}

func (m *Manager) terminate(ctx context.Context, instanceID string) bool {
	m.mu.Lock()
	h := m.handles[instanceID]
	m.mu.Unlock()
	if h == nil {
		return false
	}

	log := logger.WithInstance(instanceID).WithField("pid", h.pid)
	h.requested.Store(true)

	if err := signalGroup(h.pid, false); err != nil {
		log.WithError(err).Debug("Graceful signal failed")
	}

	grace := time.NewTimer(m.opts.GracePeriod)
	defer grace.Stop()

	select {
	case <-h.done:
		return true
	case <-grace.C:
		log.Warn("Instance process ignored graceful termination, killing")
	case <-ctx.Done():
		log.Warn("Termination cancelled, killing instance process")
	}

	if err := signalGroup(h.pid, true); err != nil {
		log.WithError(err).Debug("Kill signal failed")
	}

	select {
	case <-h.done:
	case <-time.After(killWait):
		log.Error("Instance process still not reaped after kill")
	}
	return true
}

// Output returns the recent output of the latest process of instanceID,
// whether older lines were dropped, and whether any output is kept at all.
// Output survives a crash so it can be inspected afterwards.
func (m *Manager) Output(instanceID string) ([]OutputLine, bool, bool) {
	m.mu.Lock()
	out := m.outputs[instanceID]
	m.mu.Unlock()
	if out == nil {
		return nil, false, false
	}
	lines, truncated := out.Lines()
	return lines, truncated, true
}

// IsRunning reports whether a process is tracked for instanceID.
func (m *Manager) IsRunning(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[instanceID]
	return ok
}

// ActiveProcesses returns a snapshot of tracked processes ordered by port.
func (m *Manager) ActiveProcesses() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, Info{
			InstanceID: h.spec.InstanceID,
			VendorType: h.spec.VendorType,
			PID:        h.pid,
			Port:       h.spec.Port,
			StartedAt:  h.startedAt,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Shutdown terminates every tracked process concurrently and returns how many
// were stopped.
func (m *Manager) Shutdown(ctx context.Context) int {
	var stopped atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, info := range m.ActiveProcesses() {
		id := info.InstanceID
		g.Go(func() error {
			if m.Terminate(gctx, id) {
				stopped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.WithField("count", stopped.Load()).Info("Process manager shut down")
	return int(stopped.Load())
}

// KillStale terminates a process left over from a previous run of the host.
// The pid is only signalled when it still looks like the backing process of
// instanceID, so a recycled pid is never killed.
func (m *Manager) KillStale(pid int, instanceID string) bool {
	if pid <= 0 || !processAlive(pid) || !processMatches(pid, instanceID) {
		return false
	}

	log := logger.WithInstance(instanceID).WithField("pid", pid)
	log.Warn("Killing stale instance process from a previous run")

	_ = signalGroup(pid, false)
	deadline := time.Now().Add(m.opts.GracePeriod)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(readyPollInterval)
	}
	_ = signalGroup(pid, true)
	return true
}

// ConfigFromEnv returns the instance config passed to this process, if any.
func ConfigFromEnv() (models.InstanceConfig, error) {
	return models.DecodeInstanceConfig(os.Getenv(EnvInstanceConfig))
}
