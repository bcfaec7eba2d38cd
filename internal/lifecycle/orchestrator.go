// Package lifecycle sequences the creation and removal of instances across
// the port allocator, the instance store and the process manager.
//
// Creation runs as a saga: every step that succeeded is compensated when a
// later one fails, so a failed create never leaves a reserved port, a record
// or a process behind. Deletion always ends with the record removed, even
// when process termination or port release ran into trouble.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/metrics"
	"github.com/imyashkale/mcphost/internal/models"
	"github.com/imyashkale/mcphost/internal/ports"
	"github.com/imyashkale/mcphost/internal/process"
	"github.com/imyashkale/mcphost/internal/repository"
	"github.com/sirupsen/logrus"
)

const (
	defaultCreateTimeout   = 30 * time.Second
	defaultDeleteTimeout   = 15 * time.Second
	defaultConflictRetries = 3
	maxPortProbes          = 3
)

// PortAllocator is the subset of *ports.Allocator the orchestrator uses.
type PortAllocator interface {
	GetAvailablePort() (int, error)
	ReservePort(port int) bool
	ReleasePort(port int)
}

// ProcessRunner is the subset of *process.Manager the orchestrator uses.
type ProcessRunner interface {
	Start(ctx context.Context, spec process.Spec) (int, error)
	Terminate(ctx context.Context, instanceID string) bool
	IsRunning(instanceID string) bool
	KillStale(pid int, instanceID string) bool
	ActiveProcesses() []process.Info
	Shutdown(ctx context.Context) int
}

// CredentialInvalidator drops cached vendor credentials of an instance.
type CredentialInvalidator interface {
	Invalidate(instanceID string)
}

var (
	_ PortAllocator = (*ports.Allocator)(nil)
	_ ProcessRunner = (*process.Manager)(nil)
)

// Options tunes an Orchestrator. Zero values select the defaults.
type Options struct {
	CreateTimeout   time.Duration
	DeleteTimeout   time.Duration
	ConflictRetries int
	// ProbePort reports whether a freshly allocated port can be bound.
	// Nil disables the check.
	ProbePort func(port int) bool
}

// CreateParams are the inputs of CreateInstance.
type CreateParams struct {
	UserID            string
	MCPTypeID         string
	CustomName        string
	Config            models.InstanceConfig
	ClientID          string
	ClientSecret      string
	VendorAccessToken string
	RefreshToken      string
	TokenExpiresAt    *time.Time
	ExpiresAt         *time.Time
}

// Orchestrator runs instance lifecycle operations.
type Orchestrator struct {
	repo  repository.InstanceRepository
	types repository.MCPTypeRepository
	ports PortAllocator
	procs ProcessRunner
	creds CredentialInvalidator
	opts  Options
	locks *keyedMutex
	now   func() time.Time
}

// New creates an orchestrator. creds may be nil.
func New(repo repository.InstanceRepository, types repository.MCPTypeRepository, alloc PortAllocator, procs ProcessRunner, creds CredentialInvalidator, opts Options) *Orchestrator {
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = defaultCreateTimeout
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = defaultDeleteTimeout
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = defaultConflictRetries
	}
	return &Orchestrator{
		repo:  repo,
		types: types,
		ports: alloc,
		procs: procs,
		creds: creds,
		opts:  opts,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// CreateInstance provisions a new instance for the user: instance number,
// access token, port, record and backing process, in that order. Conflicts
// reported by the store are retried with fresh values.
func (o *Orchestrator) CreateInstance(ctx context.Context, p CreateParams) (inst *models.Instance, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("create", started, err) }()

	if p.UserID == "" || p.MCPTypeID == "" {
		return nil, &OperationError{Kind: KindInvalid, Step: StepValidate, Err: errors.New("user and mcp type are required")}
	}
	if err := p.Config.Validate(); err != nil {
		return nil, classify(StepValidate, "", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.CreateTimeout)
	defer cancel()

	unlock, err := o.locks.Lock(ctx, instanceKey(p.UserID, p.MCPTypeID))
	if err != nil {
		return nil, classify(StepLock, "", err)
	}
	defer unlock()

	mcpType, err := o.types.Get(ctx, p.MCPTypeID)
	if err != nil {
		return nil, classify(StepLookup, "", err)
	}
	if !mcpType.Active {
		return nil, classify(StepLookup, "", ErrTypeInactive)
	}

	for attempt := 1; ; attempt++ {
		inst, err = o.createOnce(ctx, p, mcpType)
		if err == nil {
			return inst, nil
		}
		if KindOf(err) != KindConflict || attempt >= o.opts.ConflictRetries {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"user_id":  p.UserID,
			"mcp_type": p.MCPTypeID,
			"attempt":  attempt,
		}).WithError(err).Warn("Instance create hit a store conflict, regenerating")
	}
}

func (o *Orchestrator) createOnce(ctx context.Context, p CreateParams, mcpType *models.MCPType) (*models.Instance, error) {
	number, err := o.repo.NextInstanceNumber(ctx, p.UserID, p.MCPTypeID)
	if err != nil {
		return nil, classify(StepInstanceNumber, "", err)
	}

	token, err := o.repo.GenerateUniqueAccessToken(ctx)
	if err != nil {
		return nil, classify(StepAccessToken, "", err)
	}

	port, err := o.allocatePort()
	if err != nil {
		return nil, classify(StepPortAllocation, "", err)
	}

	now := o.now().UTC()
	inst := &models.Instance{
		Id:               uuid.NewString(),
		UserId:           p.UserID,
		MCPTypeId:        p.MCPTypeID,
		InstanceNumber:   number,
		AssignedPort:     port,
		Status:           models.StatusActive,
		AccessToken:      token,
		ClientId:         p.ClientID,
		ClientSecret:     p.ClientSecret,
		OAuthAccessToken: p.VendorAccessToken,
		RefreshToken:     p.RefreshToken,
		TokenExpiresAt:   p.TokenExpiresAt,
		OAuthStatus:      models.OAuthPending,
		CustomName:       p.CustomName,
		Config:           p.Config,
		ExpiresAt:        p.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if inst.ClientId == "" {
		inst.ClientId = mcpType.ClientId
		inst.ClientSecret = mcpType.ClientSecret
	}
	if p.VendorAccessToken != "" {
		inst.OAuthStatus = models.OAuthCompleted
	}

	if err := o.repo.Insert(ctx, inst); err != nil {
		// A write cut short by the deadline may still have landed.
		o.rollbackCreate(ctx, StepRecordInsert, inst, false, ctx.Err() != nil, err)
		return nil, classify(StepRecordInsert, inst.Id, err)
	}

	pid, err := o.procs.Start(ctx, o.processSpec(inst))
	if err != nil {
		o.rollbackCreate(ctx, StepProcessStart, inst, false, true, err)
		return nil, classify(StepProcessStart, inst.Id, err)
	}

	if err := o.repo.UpdateProcess(ctx, inst.Id, &pid, models.StatusActive); err != nil {
		o.rollbackCreate(ctx, StepRecordProcess, inst, true, true, err)
		return nil, classify(StepRecordProcess, inst.Id, err)
	}
	inst.ProcessId = &pid

	logger.WithInstance(inst.Id).WithFields(logrus.Fields{
		"user_id":         inst.UserId,
		"mcp_type":        inst.MCPTypeId,
		"instance_number": inst.InstanceNumber,
		"port":            inst.AssignedPort,
		"pid":             pid,
	}).Info("Instance created")
	return inst, nil
}

// allocatePort hands out a port that nothing else on the host is bound to.
// Ports found taken by a foreign listener are held only for the duration of
// the call so the same one is not offered twice; they go back to the pool
// afterwards and are probed again the next time they come up.
func (o *Orchestrator) allocatePort() (int, error) {
	var foreign []int
	defer func() {
		for _, p := range foreign {
			o.ports.ReleasePort(p)
		}
	}()

	for i := 0; i < maxPortProbes; i++ {
		port, err := o.ports.GetAvailablePort()
		if err != nil {
			return 0, err
		}
		if o.opts.ProbePort == nil || o.opts.ProbePort(port) {
			return port, nil
		}
		logger.WithField("port", port).Warn("Allocated port is bound by another process, skipping it")
		foreign = append(foreign, port)
	}
	return 0, ErrNoBindablePort
}

// rollbackCreate undoes the completed steps of a failed create: the process
// is terminated, the record deleted and the port released. It runs on a
// context detached from the caller so a timed out create is still cleaned up.
func (o *Orchestrator) rollbackCreate(ctx context.Context, step string, inst *models.Instance, started, inserted bool, cause error) {
	metrics.Rollbacks.WithLabelValues(step).Inc()

	log := logger.WithInstance(inst.Id).WithFields(logrus.Fields{
		"step":    step,
		"port":    inst.AssignedPort,
		"user_id": inst.UserId,
	})
	log.WithError(cause).Warn("Instance create failed, rolling back")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.DeleteTimeout)
	defer cancel()

	if started && !o.procs.Terminate(ctx, inst.Id) {
		log.Debug("No process to terminate during rollback")
	}
	if inserted {
		if err := o.repo.Delete(ctx, inst.Id, inst.UserId); err != nil && !errors.Is(err, repository.ErrNotFound) {
			log.WithError(err).Error("Rollback failed to delete instance record")
		}
	}
	o.ports.ReleasePort(inst.AssignedPort)
}

// DeleteInstance removes an instance owned by userID. Process termination
// and port release are best effort; removing the record is not, and it
// proceeds even after the caller's context has expired.
func (o *Orchestrator) DeleteInstance(ctx context.Context, id, userID string) (err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("delete", started, err) }()

	ctx, cancel := context.WithTimeout(ctx, o.opts.DeleteTimeout)
	defer cancel()

	inst, err := o.ownedInstance(ctx, id, userID)
	if err != nil {
		return err
	}

	unlock, err := o.locks.Lock(ctx, instanceKey(inst.UserId, inst.MCPTypeId))
	if err != nil {
		return classify(StepLock, id, err)
	}
	defer unlock()

	// Re-read under the lock. A crash handled meanwhile has already given
	// the port back, and it may belong to someone else by now.
	inst, err = o.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		logger.WithInstance(id).Debug("Instance already deleted")
		return nil
	}
	if err != nil {
		return classify(StepLookup, id, err)
	}

	log := logger.WithInstance(id).WithField("port", inst.AssignedPort)

	if !o.procs.Terminate(ctx, id) {
		log.Debug("No running process for instance")
	}
	// Only an active record still owns its port.
	if inst.IsActive() {
		o.ports.ReleasePort(inst.AssignedPort)
	}
	if ctx.Err() != nil {
		log.WithError(ctx.Err()).Warn("Delete timed out during cleanup, removing record anyway")
	}

	delCtx, delCancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.DeleteTimeout)
	defer delCancel()
	if err := o.repo.Delete(delCtx, id, userID); err != nil {
		log.WithError(err).Error("Failed to delete instance record")
		return classify(StepRecordDelete, id, err)
	}

	o.invalidate(id)
	log.Info("Instance deleted")
	return nil
}

// Restart replaces the backing process of an instance, keeping its port.
func (o *Orchestrator) Restart(ctx context.Context, id, userID string) (inst *models.Instance, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("restart", started, err) }()

	ctx, cancel := context.WithTimeout(ctx, o.opts.CreateTimeout)
	defer cancel()

	inst, err = o.ownedInstance(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	unlock, err := o.locks.Lock(ctx, instanceKey(inst.UserId, inst.MCPTypeId))
	if err != nil {
		return nil, classify(StepLock, id, err)
	}
	defer unlock()

	// Re-read under the lock; an exit may have been handled meanwhile.
	inst, err = o.repo.Get(ctx, id)
	if err != nil {
		return nil, classify(StepLookup, id, err)
	}

	o.procs.Terminate(ctx, id)
	if !inst.IsActive() && !o.ports.ReservePort(inst.AssignedPort) {
		return nil, classify(StepPortAllocation, id, ErrPortReassigned)
	}

	pid, err := o.procs.Start(ctx, o.processSpec(inst))
	if err != nil {
		o.markFailed(ctx, inst, StepProcessStart, err)
		return nil, classify(StepProcessStart, id, err)
	}
	if err := o.repo.UpdateProcess(ctx, id, &pid, models.StatusActive); err != nil {
		o.procs.Terminate(context.WithoutCancel(ctx), id)
		o.markFailed(ctx, inst, StepRecordProcess, err)
		return nil, classify(StepRecordProcess, id, err)
	}

	inst.ProcessId = &pid
	inst.Status = models.StatusActive
	logger.WithInstance(id).WithFields(logrus.Fields{"pid": pid, "port": inst.AssignedPort}).Info("Instance restarted")
	return inst, nil
}

func (o *Orchestrator) ownedInstance(ctx context.Context, id, userID string) (*models.Instance, error) {
	inst, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, classify(StepLookup, id, err)
	}
	if inst.UserId != userID {
		return nil, classify(StepLookup, id, ErrForbidden)
	}
	return inst, nil
}

// markFailed records that the instance has no process and gives its port
// back.
func (o *Orchestrator) markFailed(ctx context.Context, inst *models.Instance, step string, cause error) {
	log := logger.WithInstance(inst.Id).WithFields(logrus.Fields{"step": step, "port": inst.AssignedPort})
	log.WithError(cause).Warn("Marking instance failed")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.DeleteTimeout)
	defer cancel()
	if err := o.repo.UpdateProcess(ctx, inst.Id, nil, models.StatusFailed); err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.WithError(err).Error("Failed to mark instance failed")
	}
	o.ports.ReleasePort(inst.AssignedPort)
	o.invalidate(inst.Id)
}

func (o *Orchestrator) processSpec(inst *models.Instance) process.Spec {
	return process.Spec{
		InstanceID: inst.Id,
		VendorType: inst.MCPTypeId,
		Port:       inst.AssignedPort,
		Credentials: process.Credentials{
			VendorAccessToken: inst.OAuthAccessToken,
			InstanceToken:     inst.AccessToken,
		},
		Config: inst.Config,
	}
}

func (o *Orchestrator) invalidate(id string) {
	if o.creds != nil {
		o.creds.Invalidate(id)
	}
}
