package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/imyashkale/mcphost/internal/models"
	"github.com/imyashkale/mcphost/internal/ports"
	"github.com/imyashkale/mcphost/internal/repository"
)

// Kind classifies why a lifecycle operation failed.
type Kind string

const (
	KindCapacity  Kind = "capacity"
	KindConflict  Kind = "conflict"
	KindNotFound  Kind = "not_found"
	KindForbidden Kind = "forbidden"
	KindInvalid   Kind = "invalid"
	KindInternal  Kind = "internal"
	KindTimeout   Kind = "timeout"
)

// Steps of the create and delete sagas, used in errors, logs and the
// rollback metric.
const (
	StepLock           = "lock"
	StepLookup         = "lookup"
	StepValidate       = "validate"
	StepInstanceNumber = "instance_number"
	StepAccessToken    = "access_token"
	StepPortAllocation = "port_allocation"
	StepRecordInsert   = "record_insert"
	StepProcessStart   = "process_start"
	StepRecordProcess  = "record_process"
	StepRecordDelete   = "record_delete"
)

var (
	ErrForbidden      = errors.New("instance belongs to another user")
	ErrTypeInactive   = errors.New("mcp type is not active")
	ErrNoBindablePort = errors.New("no bindable port found")
	ErrPortReassigned = errors.New("instance port is no longer free")
)

// OperationError is returned by every Orchestrator operation.
type OperationError struct {
	Kind       Kind
	Step       string
	InstanceID string
	Err        error
}

func (e *OperationError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("%s (instance %s, step %s): %v", e.Kind, e.InstanceID, e.Step, e.Err)
	}
	return fmt.Sprintf("%s (step %s): %v", e.Kind, e.Step, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindInternal if err is not an
// OperationError.
func KindOf(err error) Kind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return KindInternal
}

func classify(step, instanceID string, err error) *OperationError {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr
	}

	kind := KindInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	case errors.Is(err, ports.ErrPoolExhausted),
		errors.Is(err, repository.ErrMaxInstances),
		errors.Is(err, ErrNoBindablePort):
		kind = KindCapacity
	case repository.IsConflict(err), errors.Is(err, ErrPortReassigned):
		kind = KindConflict
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrUnknownType),
		errors.Is(err, ErrTypeInactive):
		kind = KindNotFound
	case errors.Is(err, ErrForbidden):
		kind = KindForbidden
	case errors.Is(err, models.ErrInvalidConfig):
		kind = KindInvalid
	}
	return &OperationError{Kind: kind, Step: step, InstanceID: instanceID, Err: err}
}
