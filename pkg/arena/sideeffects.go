package arena

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SideEffects delivers notifications and audit entries outside the financial path.
// Failures are reported to the operation logger and never returned to callers.
type SideEffects struct {
	notifications NotificationSink
	audit         AuditLog
	nowFn         func() int64
	settings

	mutex   sync.RWMutex
	queue   chan func(context.Context)
	closed  bool
	workers sync.WaitGroup
}

// NewSideEffects wires a SideEffects. With WithAsyncQueue it starts one background worker.
func NewSideEffects(notifications NotificationSink, audit AuditLog, now func() int64, options ...Option) (*SideEffects, error) {
	if notifications == nil {
		return nil, fmt.Errorf("%w: notification sink dependency is nil", ErrInvalidServiceConfig)
	}
	if audit == nil {
		return nil, fmt.Errorf("%w: audit log dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	sideEffects := &SideEffects{
		notifications: notifications,
		audit:         audit,
		nowFn:         now,
		settings:      newSettings(options),
	}
	if sideEffects.queueSize > 0 {
		sideEffects.queue = make(chan func(context.Context), sideEffects.queueSize)
		sideEffects.workers.Add(1)
		go sideEffects.run()
	}
	return sideEffects, nil
}

// Notify records a message for the user, best-effort.
func (sideEffects *SideEffects) Notify(ctx context.Context, userID UserID, message string) {
	createdUnixUTC := sideEffects.nowFn()
	sideEffects.dispatch(ctx, func(ctx context.Context) {
		err := sideEffects.bounded(ctx, func(ctx context.Context) error {
			return sideEffects.notifications.Notify(ctx, Notification{
				UserID:         userID,
				Message:        message,
				CreatedUnixUTC: createdUnixUTC,
			})
		})
		if err != nil {
			sideEffects.logOperation(ctx, OperationLog{Operation: operationNotify, UserID: userID, Error: err})
		}
	})
}

// LogAction records an audit entry, retrying with linear backoff before giving up.
func (sideEffects *SideEffects) LogAction(ctx context.Context, adminID AdminID, action string, details string) {
	entry := AuditLogEntry{
		AdminID:        adminID,
		Action:         action,
		Details:        details,
		CreatedUnixUTC: sideEffects.nowFn(),
	}
	sideEffects.dispatch(ctx, func(ctx context.Context) {
		var err error
		for attempt := 1; attempt <= sideEffects.auditAttempts; attempt++ {
			err = sideEffects.bounded(ctx, func(ctx context.Context) error {
				return sideEffects.audit.LogAction(ctx, entry)
			})
			if err == nil {
				return
			}
			if attempt < sideEffects.auditAttempts {
				time.Sleep(time.Duration(attempt) * sideEffects.auditBackoff)
			}
		}
		sideEffects.logOperation(ctx, OperationLog{Operation: operationAuditLog, AdminID: adminID, Error: err})
	})
}

// Close stops accepting queued work and waits for the worker to drain.
func (sideEffects *SideEffects) Close(ctx context.Context) error {
	sideEffects.mutex.Lock()
	if sideEffects.closed || sideEffects.queue == nil {
		sideEffects.closed = true
		sideEffects.mutex.Unlock()
		return nil
	}
	sideEffects.closed = true
	close(sideEffects.queue)
	sideEffects.mutex.Unlock()

	drained := make(chan struct{})
	go func() {
		sideEffects.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch queues the task, running it inline when the queue is absent, closed, or full.
// Tasks outlive the request that produced them.
func (sideEffects *SideEffects) dispatch(ctx context.Context, task func(context.Context)) {
	detached := context.WithoutCancel(ctx)
	sideEffects.mutex.RLock()
	if sideEffects.queue != nil && !sideEffects.closed {
		select {
		case sideEffects.queue <- func(context.Context) { task(detached) }:
			sideEffects.mutex.RUnlock()
			return
		default:
		}
	}
	sideEffects.mutex.RUnlock()
	task(detached)
}

func (sideEffects *SideEffects) run() {
	defer sideEffects.workers.Done()
	for task := range sideEffects.queue {
		task(context.Background())
	}
}
