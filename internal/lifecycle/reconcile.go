package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
	"github.com/imyashkale/mcphost/internal/process"
	"github.com/imyashkale/mcphost/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const reconcileConcurrency = 4

// HandleExit cleans up after a process that exited without being asked to:
// the record is marked failed with no pid and the port is released. Exits
// that followed a Terminate call, or that belong to a process that has since
// been replaced, are ignored.
func (o *Orchestrator) HandleExit(ctx context.Context, ev process.ExitEvent) error {
	if ev.Requested {
		return nil
	}
	log := logger.WithInstance(ev.InstanceID).WithFields(logrus.Fields{"pid": ev.PID, "port": ev.Port})

	inst, err := o.repo.Get(ctx, ev.InstanceID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug("Exited process has no record, nothing to clean up")
		return nil
	}
	if err != nil {
		return err
	}

	unlock, err := o.locks.Lock(ctx, instanceKey(inst.UserId, inst.MCPTypeId))
	if err != nil {
		return err
	}
	defer unlock()

	// The record may have been deleted or restarted while we waited.
	inst, err = o.repo.Get(ctx, ev.InstanceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !inst.IsActive() || inst.ProcessId == nil || *inst.ProcessId != ev.PID || o.procs.IsRunning(inst.Id) {
		log.Debug("Exit event is stale, ignoring")
		return nil
	}

	if err := o.repo.UpdateProcess(ctx, inst.Id, nil, models.StatusFailed); err != nil {
		log.WithError(err).Error("Failed to mark crashed instance failed")
		return err
	}
	o.ports.ReleasePort(inst.AssignedPort)
	o.invalidate(inst.Id)

	log.WithError(ev.Err).Warn("Instance process crashed, instance marked failed")
	return nil
}

// ReconcileReport summarizes a Reconcile pass.
type ReconcileReport struct {
	Restarted int
	Expired   int
	Failed    int
	Skipped   int
}

// Reconcile brings processes back in line with the store after a restart of
// the host. It must run after the allocator has been initialized from the
// store. Every active record whose process is not tracked gets any leftover
// process killed and a new one started on the same port; records that are
// expired or cannot be restarted are marked accordingly and their ports
// released.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	active, err := o.repo.ListActive(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	var restarted, expired, failed, skipped atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)

	for _, inst := range active {
		g.Go(func() error {
			switch o.reconcileOne(gctx, inst) {
			case models.StatusActive:
				restarted.Add(1)
			case models.StatusExpired:
				expired.Add(1)
			case models.StatusFailed:
				failed.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := ReconcileReport{
		Restarted: int(restarted.Load()),
		Expired:   int(expired.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}
	logger.WithFields(logrus.Fields{
		"restarted": report.Restarted,
		"expired":   report.Expired,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	}).Info("Instance reconciliation finished")
	return report, nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, inst *models.Instance) models.InstanceStatus {
	log := logger.WithInstance(inst.Id).WithField("port", inst.AssignedPort)

	unlock, err := o.locks.Lock(ctx, instanceKey(inst.UserId, inst.MCPTypeId))
	if err != nil {
		return ""
	}
	defer unlock()

	if o.procs.IsRunning(inst.Id) {
		return ""
	}
	if inst.ProcessId != nil && o.procs.KillStale(*inst.ProcessId, inst.Id) {
		log.WithField("pid", *inst.ProcessId).Info("Killed orphaned instance process")
	}

	if inst.IsExpired(o.now()) {
		if err := o.repo.UpdateProcess(ctx, inst.Id, nil, models.StatusExpired); err != nil {
			log.WithError(err).Error("Failed to mark instance expired")
		}
		o.ports.ReleasePort(inst.AssignedPort)
		o.invalidate(inst.Id)
		return models.StatusExpired
	}

	pid, err := o.procs.Start(ctx, o.processSpec(inst))
	if err != nil {
		o.markFailed(ctx, inst, StepProcessStart, err)
		return models.StatusFailed
	}
	if err := o.repo.UpdateProcess(ctx, inst.Id, &pid, models.StatusActive); err != nil {
		o.procs.Terminate(context.WithoutCancel(ctx), inst.Id)
		o.markFailed(ctx, inst, StepRecordProcess, err)
		return models.StatusFailed
	}
	log.WithField("pid", pid).Info("Instance process restored")
	return models.StatusActive
}

// Shutdown stops every backing process and marks its record inactive so the
// next start does not find active records without processes. It returns the
// number of processes stopped.
func (o *Orchestrator) Shutdown(ctx context.Context) int {
	running := o.procs.ActiveProcesses()
	stopped := o.procs.Shutdown(ctx)

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.DeleteTimeout)
	defer cancel()
	for _, info := range running {
		if err := o.repo.UpdateProcess(storeCtx, info.InstanceID, nil, models.StatusInactive); err != nil && !errors.Is(err, repository.ErrNotFound) {
			logger.WithInstance(info.InstanceID).WithError(err).Error("Failed to mark instance inactive on shutdown")
		}
		o.ports.ReleasePort(info.Port)
	}
	return stopped
}
