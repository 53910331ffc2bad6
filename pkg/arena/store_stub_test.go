package arena

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

const fixedNowUnixUTC int64 = 1_700_000_000

func fixedClock() int64 {
	return fixedNowUnixUTC
}

type stubStore struct {
	mutex sync.Mutex

	matches       map[MatchID]Match
	entries       []Entry
	transactions  []Transaction
	notifications []Notification
	auditEntries  []AuditLogEntry
	nextID        int

	userLocks  map[UserID]*sync.Mutex
	matchLocks map[MatchID]*sync.RWMutex

	getMatchError     error
	listEntriesError  error
	listEntriesCalls  int
	beforeListEntries func(call int) error
	transitionError   error
	transitionCalls   int
	insertFailures    map[UserID]error
	insertDelay       time.Duration
	notifyError       error
	auditFailuresLeft int
	auditCalls        int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		matches:        map[MatchID]Match{},
		insertFailures: map[UserID]error{},
		userLocks:      map[UserID]*sync.Mutex{},
		matchLocks:     map[MatchID]*sync.RWMutex{},
	}
}

// stubTx holds the locks taken inside WithTx until the callback returns.
type stubTx struct {
	*stubStore
	release []func()
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	transaction := &stubTx{stubStore: store}
	defer func() {
		for index := len(transaction.release) - 1; index >= 0; index-- {
			transaction.release[index]()
		}
	}()
	return fn(ctx, transaction)
}

func (transaction *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *stubTx) LockUser(ctx context.Context, userID UserID) error {
	lock := transaction.userLock(userID)
	lock.Lock()
	transaction.release = append(transaction.release, lock.Unlock)
	return nil
}

func (transaction *stubTx) LockMatch(ctx context.Context, matchID MatchID) (Match, error) {
	lock := transaction.matchLock(matchID)
	lock.RLock()
	transaction.release = append(transaction.release, lock.RUnlock)
	return transaction.GetMatch(ctx, matchID)
}

func (store *stubStore) LockUser(ctx context.Context, userID UserID) error {
	return nil
}

func (store *stubStore) LockMatch(ctx context.Context, matchID MatchID) (Match, error) {
	return store.GetMatch(ctx, matchID)
}

func (store *stubStore) userLock(userID UserID) *sync.Mutex {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	lock, ok := store.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		store.userLocks[userID] = lock
	}
	return lock
}

func (store *stubStore) matchLock(matchID MatchID) *sync.RWMutex {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	lock, ok := store.matchLocks[matchID]
	if !ok {
		lock = &sync.RWMutex{}
		store.matchLocks[matchID] = lock
	}
	return lock
}

func (store *stubStore) InsertTransaction(ctx context.Context, draft TransactionDraft, createdUnixUTC int64) (Transaction, error) {
	if store.insertDelay > 0 {
		select {
		case <-time.After(store.insertDelay):
		case <-ctx.Done():
			return Transaction{}, ctx.Err()
		}
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err, ok := store.insertFailures[draft.UserID]; ok {
		return Transaction{}, err
	}
	for _, existing := range store.transactions {
		if existing.IdempotencyKey == draft.IdempotencyKey {
			return Transaction{}, WrapError(errorOperationStore, "transaction", "duplicate", ErrDuplicateTransaction)
		}
	}
	store.nextID++
	transaction := Transaction{
		TransactionID:  fmt.Sprintf("txn-%d", store.nextID),
		UserID:         draft.UserID,
		Amount:         draft.Amount,
		Type:           draft.Type,
		Status:         draft.Status,
		MatchID:        draft.MatchID,
		AdminID:        draft.AdminID,
		Notes:          draft.Notes,
		IdempotencyKey: draft.IdempotencyKey,
		Metadata:       draft.Metadata,
		CreatedUnixUTC: createdUnixUTC,
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) SumCompleted(ctx context.Context, userID UserID) (Coins, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var total Coins
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.Status == TransactionCompleted {
			total += transaction.Amount
		}
	}
	return total, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	result := []Transaction{}
	for index := len(store.transactions) - 1; index >= 0 && len(result) < limit; index-- {
		transaction := store.transactions[index]
		if transaction.UserID == userID && transaction.CreatedUnixUTC < beforeUnixUTC {
			result = append(result, transaction)
		}
	}
	return result, nil
}

func (store *stubStore) GetMatch(ctx context.Context, matchID MatchID) (Match, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getMatchError != nil {
		return Match{}, store.getMatchError
	}
	match, ok := store.matches[matchID]
	if !ok {
		return Match{}, WrapError(errorOperationStore, "match", "get", ErrNotFound)
	}
	return match, nil
}

func (store *stubStore) CreateMatch(ctx context.Context, match Match) (Match, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if match.MatchID.IsZero() {
		store.nextID++
		match.MatchID = MatchID{value: fmt.Sprintf("match-%d", store.nextID)}
	}
	store.matches[match.MatchID] = match
	return match, nil
}

func (store *stubStore) TransitionStatus(ctx context.Context, matchID MatchID, from []MatchStatus, to MatchStatus, atUnixUTC int64) (Match, error) {
	matchLock := store.matchLock(matchID)
	matchLock.Lock()
	defer matchLock.Unlock()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.transitionCalls++
	if store.transitionError != nil {
		return Match{}, store.transitionError
	}
	match, ok := store.matches[matchID]
	if !ok {
		return Match{}, WrapError(errorOperationStore, "match", "transition", ErrNotFound)
	}
	for _, allowed := range from {
		if match.Status == allowed {
			match.Status = to
			store.matches[matchID] = match
			return match, nil
		}
	}
	return Match{}, WrapError(errorOperationStore, "match", "transition", ErrInvalidTransition)
}

func (store *stubStore) CountMatchesSince(ctx context.Context, matchType string, sinceUnixUTC int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var count int64
	for _, match := range store.matches {
		if match.Type == matchType && match.CreatedUnixUTC >= sinceUnixUTC {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) ListPaidEntries(ctx context.Context, matchID MatchID) ([]Entry, error) {
	store.mutex.Lock()
	store.listEntriesCalls++
	call := store.listEntriesCalls
	hook := store.beforeListEntries
	store.mutex.Unlock()
	if hook != nil {
		if err := hook(call); err != nil {
			return nil, err
		}
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	paid := []Entry{}
	for _, entry := range store.entries {
		if entry.MatchID == matchID && entry.Paid {
			paid = append(paid, entry)
		}
	}
	return paid, nil
}

func (store *stubStore) CreateEntry(ctx context.Context, entry Entry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, existing := range store.entries {
		if existing.MatchID == entry.MatchID && existing.UserID == entry.UserID {
			return WrapError(errorOperationStore, "entry", "duplicate", ErrAlreadyJoined)
		}
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) Notify(ctx context.Context, notification Notification) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.notifyError != nil {
		return store.notifyError
	}
	store.nextID++
	notification.NotificationID = fmt.Sprintf("note-%d", store.nextID)
	store.notifications = append(store.notifications, notification)
	return nil
}

func (store *stubStore) ListNotifications(ctx context.Context, userID UserID, unreadOnly bool, limit int) ([]Notification, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	result := []Notification{}
	for _, notification := range store.notifications {
		if notification.UserID == userID && (!unreadOnly || !notification.Read) {
			result = append(result, notification)
		}
	}
	return result, nil
}

func (store *stubStore) MarkNotificationRead(ctx context.Context, userID UserID, notificationID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index := range store.notifications {
		if store.notifications[index].NotificationID == notificationID && store.notifications[index].UserID == userID {
			store.notifications[index].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (store *stubStore) LogAction(ctx context.Context, entry AuditLogEntry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.auditCalls++
	if store.auditFailuresLeft > 0 {
		store.auditFailuresLeft--
		return StoreError("audit", "insert", fmt.Errorf("audit write refused"))
	}
	store.auditEntries = append(store.auditEntries, entry)
	return nil
}

func (store *stubStore) ListAuditLog(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]AuditLogEntry(nil), store.auditEntries...), nil
}

func (store *stubStore) addMatch(test *testing.T, rawID string, status MatchStatus, entryFee Coins) Match {
	test.Helper()
	match := Match{
		MatchID:        mustMatchID(test, rawID),
		Title:          "Match " + rawID,
		Type:           "solo",
		Status:         status,
		EntryFee:       entryFee,
		CreatedUnixUTC: fixedNowUnixUTC,
	}
	store.matches[match.MatchID] = match
	return match
}

func (store *stubStore) addEntry(test *testing.T, matchID MatchID, rawUserID string, paid bool, entryFee Coins) {
	test.Helper()
	store.entries = append(store.entries, Entry{
		MatchID:        matchID,
		UserID:         mustUserID(test, rawUserID),
		Paid:           paid,
		EntryFee:       entryFee,
		CreatedUnixUTC: fixedNowUnixUTC,
	})
}

func (store *stubStore) transactionsOfType(transactionType TransactionType) []Transaction {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	result := []Transaction{}
	for _, transaction := range store.transactions {
		if transaction.Type == transactionType {
			result = append(result, transaction)
		}
	}
	sort.Slice(result, func(left, right int) bool {
		return result[left].UserID.String() < result[right].UserID.String()
	})
	return result
}

func (store *stubStore) notificationCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.notifications)
}

func (store *stubStore) auditCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.auditEntries)
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) operations(operation string) []OperationLog {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	result := []OperationLog{}
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			result = append(result, entry)
		}
	}
	return result
}

type workflowFixture struct {
	store       *stubStore
	ledger      *Ledger
	sideEffects *SideEffects
	workflow    *CancellationWorkflow
	logger      *recorderLogger
}

func newWorkflowFixture(test *testing.T, options ...Option) workflowFixture {
	test.Helper()
	store := newStubStore(test)
	logger := &recorderLogger{}
	options = append([]Option{WithOperationLogger(logger), WithAuditRetry(3, 0)}, options...)
	ledger, err := NewLedger(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("ledger init failed: %v", err)
	}
	sideEffects, err := NewSideEffects(store, store, fixedClock, options...)
	if err != nil {
		test.Fatalf("side effects init failed: %v", err)
	}
	workflow, err := NewCancellationWorkflow(ledger, store, store, sideEffects, fixedClock, options...)
	if err != nil {
		test.Fatalf("workflow init failed: %v", err)
	}
	return workflowFixture{store: store, ledger: ledger, sideEffects: sideEffects, workflow: workflow, logger: logger}
}

func mustMatchID(test *testing.T, raw string) MatchID {
	test.Helper()
	matchID, err := NewMatchID(raw)
	if err != nil {
		test.Fatalf("match id: %v", err)
	}
	return matchID
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAdminID(test *testing.T, raw string) AdminID {
	test.Helper()
	adminID, err := NewAdminID(raw)
	if err != nil {
		test.Fatalf("admin id: %v", err)
	}
	return adminID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}
