package arena

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLogActionRetriesUntilSuccess(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.auditFailuresLeft = 2
	logger := &recorderLogger{}
	sideEffects, err := NewSideEffects(store, store, fixedClock, WithAuditRetry(3, time.Millisecond), WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("side effects init failed: %v", err)
	}
	sideEffects.LogAction(context.Background(), mustAdminID(test, "A1"), AuditActionCancelMatch, "cancelled")
	if store.auditCalls != 3 || store.auditCount() != 1 {
		test.Fatalf("expected success on third attempt, calls=%d entries=%d", store.auditCalls, store.auditCount())
	}
	if len(logger.operations(operationAuditLog)) != 0 {
		test.Fatalf("successful retry should not be logged as a failure")
	}
	entry := store.auditEntries[0]
	if entry.CreatedUnixUTC != fixedNowUnixUTC || entry.Details != "cancelled" {
		test.Fatalf("unexpected audit entry %+v", entry)
	}
}

func TestLogActionGivesUpAfterAttempts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.auditFailuresLeft = 5
	logger := &recorderLogger{}
	sideEffects, err := NewSideEffects(store, store, fixedClock, WithAuditRetry(2, 0), WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("side effects init failed: %v", err)
	}
	sideEffects.LogAction(context.Background(), mustAdminID(test, "A1"), AuditActionCredit, "credit")
	if store.auditCalls != 2 {
		test.Fatalf("expected 2 attempts, got %d", store.auditCalls)
	}
	failures := logger.operations(operationAuditLog)
	if len(failures) != 1 || !errors.Is(failures[0].Error, ErrPersistence) || failures[0].Status != operationStatusError {
		test.Fatalf("unexpected failure log %+v", failures)
	}
}

func TestSideEffectsOutliveCancelledRequest(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	sideEffects, err := NewSideEffects(store, store, fixedClock)
	if err != nil {
		test.Fatalf("side effects init failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sideEffects.Notify(ctx, mustUserID(test, "U1"), "hello")
	if store.notificationCount() != 1 {
		test.Fatalf("notification dropped with the request context")
	}
}

func TestAsyncSideEffectsDrainOnClose(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	sideEffects, err := NewSideEffects(store, store, fixedClock, WithAsyncQueue(4))
	if err != nil {
		test.Fatalf("side effects init failed: %v", err)
	}
	for index := 0; index < 10; index++ {
		sideEffects.Notify(context.Background(), mustUserID(test, "U1"), "refund")
	}
	sideEffects.LogAction(context.Background(), mustAdminID(test, "A1"), AuditActionCancelMatch, "cancelled")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sideEffects.Close(ctx); err != nil {
		test.Fatalf("close failed: %v", err)
	}
	if store.notificationCount() != 10 || store.auditCount() != 1 {
		test.Fatalf("expected all work delivered, notifications=%d audit=%d", store.notificationCount(), store.auditCount())
	}

	sideEffects.Notify(context.Background(), mustUserID(test, "U2"), "late")
	if store.notificationCount() != 11 {
		test.Fatalf("work after close should run inline")
	}
	if err := sideEffects.Close(ctx); err != nil {
		test.Fatalf("second close failed: %v", err)
	}
}

func TestNewSideEffectsValidatesDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	if _, err := NewSideEffects(nil, store, fixedClock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewSideEffects(store, nil, fixedClock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
