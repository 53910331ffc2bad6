package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/arena/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testNowUnixUTC    int64 = 1_700_000_000
	testSigningKey          = "test-signing-key"
	testSessionIssuer       = "tauth"
	testCookieName          = "app_session"
	cancelPath              = "/api/admin/matches/cancel"
	retryPath               = "/api/admin/matches/retry-refunds"
	creditsPath             = "/api/admin/credits"
	joinPath                = "/api/matches/join"
)

var errInjectedRefund = errors.New("injected refund failure")

// refundFailingStore fails refund inserts for selected users.
type refundFailingStore struct {
	arena.LedgerStore
	failUsers map[string]bool
}

func (store *refundFailingStore) InsertTransaction(ctx context.Context, draft arena.TransactionDraft, createdUnixUTC int64) (arena.Transaction, error) {
	if draft.Type == arena.TransactionRefund && store.failUsers[draft.UserID.String()] {
		return arena.Transaction{}, arena.StoreError("transaction", "insert", errInjectedRefund)
	}
	return store.LedgerStore.InsertTransaction(ctx, draft, createdUnixUTC)
}

type apiFixture struct {
	store       *gormstore.Store
	ledgerStore *refundFailingStore
	router      *gin.Engine
}

func newAPIFixture(test *testing.T, cfg Config) *apiFixture {
	test.Helper()
	path := filepath.Join(test.TempDir(), "arena.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })

	store := gormstore.New(db)
	ledgerStore := &refundFailingStore{LedgerStore: store, failUsers: map[string]bool{}}
	clock := func() int64 { return testNowUnixUTC }
	ledger, err := arena.NewLedger(ledgerStore, clock)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	sideEffects, err := arena.NewSideEffects(store, store, clock, arena.WithAuditRetry(1, 0))
	if err != nil {
		test.Fatalf("side effects: %v", err)
	}
	workflow, err := arena.NewCancellationWorkflow(ledger, store, store, sideEffects, clock)
	if err != nil {
		test.Fatalf("workflow: %v", err)
	}
	enrollment, err := arena.NewEnrollment(store, ledger, clock)
	if err != nil {
		test.Fatalf("enrollment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	router, err := NewRouter(cfg, Services{
		Ledger:        ledger,
		Cancellation:  workflow,
		Enrollment:    enrollment,
		SideEffects:   sideEffects,
		Notifications: store,
		Audit:         store,
	}, zap.NewNop())
	if err != nil {
		test.Fatalf("router: %v", err)
	}
	return &apiFixture{store: store, ledgerStore: ledgerStore, router: router}
}

func (fixture *apiFixture) createMatch(test *testing.T, rawID string, status arena.MatchStatus, fee arena.Coins) {
	test.Helper()
	matchID, err := arena.NewMatchID(rawID)
	if err != nil {
		test.Fatalf("match id: %v", err)
	}
	_, err = fixture.store.CreateMatch(context.Background(), arena.Match{
		MatchID:        matchID,
		Title:          "Daily Duel",
		Type:           "daily-duel",
		Status:         status,
		EntryFee:       fee,
		CreatedUnixUTC: testNowUnixUTC,
	})
	if err != nil {
		test.Fatalf("create match: %v", err)
	}
}

func (fixture *apiFixture) do(test *testing.T, method string, path string, payload map[string]any, cookie *http.Cookie) (int, map[string]any) {
	test.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			test.Fatalf("encode payload: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder.Code, decoded
}

// fund tops up and enrolls each user in matchID.
func (fixture *apiFixture) fund(test *testing.T, matchID string, amount int64, userIDs ...string) {
	test.Helper()
	for _, userID := range userIDs {
		status, body := fixture.do(test, http.MethodPost, creditsPath, map[string]any{
			"userId": userID, "adminId": "A1", "amount": amount, "type": "topup",
		}, nil)
		if status != http.StatusOK {
			test.Fatalf("credit %s: %d %v", userID, status, body)
		}
		status, body = fixture.do(test, http.MethodPost, joinPath, map[string]any{
			"matchId": matchID, "userId": userID,
		}, nil)
		if status != http.StatusOK {
			test.Fatalf("join %s: %d %v", userID, status, body)
		}
	}
}

func (fixture *apiFixture) balance(test *testing.T, userID string) float64 {
	test.Helper()
	status, body := fixture.do(test, http.MethodGet, "/api/users/"+userID+"/balance", nil, nil)
	if status != http.StatusOK {
		test.Fatalf("balance %s: %d %v", userID, status, body)
	}
	return body["balance"].(float64)
}

func TestCancelMatchRefundsEveryPaidEntry(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.createMatch(test, "M1", arena.MatchStatusUpcoming, 20)
	fixture.fund(test, "M1", 100, "U1", "U2", "U3")
	for _, userID := range []string{"U1", "U2", "U3"} {
		if balance := fixture.balance(test, userID); balance != 80 {
			test.Fatalf("expected 80 after joining, got %v for %s", balance, userID)
		}
	}

	status, body := fixture.do(test, http.MethodPost, cancelPath, map[string]any{"matchId": "M1", "adminId": "A1"}, nil)
	if status != http.StatusOK {
		test.Fatalf("expected 200, got %d %v", status, body)
	}
	if body["success"] != true || body["refundedUsers"] != float64(3) {
		test.Fatalf("unexpected body %v", body)
	}
	for _, userID := range []string{"U1", "U2", "U3"} {
		if balance := fixture.balance(test, userID); balance != 100 {
			test.Fatalf("expected refund to restore 100, got %v for %s", balance, userID)
		}
	}

	status, body = fixture.do(test, http.MethodPost, cancelPath, map[string]any{"matchId": "M1", "adminId": "A1"}, nil)
	if status != http.StatusBadRequest || body["success"] != false || body["error"] != "invalid_transition" {
		test.Fatalf("expected invalid_transition on repeat, got %d %v", status, body)
	}
	if balance := fixture.balance(test, "U1"); balance != 100 {
		test.Fatalf("repeat cancellation changed balance to %v", balance)
	}

	status, body = fixture.do(test, http.MethodGet, "/api/users/U1/transactions?limit=10", nil, nil)
	if status != http.StatusOK {
		test.Fatalf("transactions: %d %v", status, body)
	}
	if transactions := body["transactions"].([]any); len(transactions) != 3 {
		test.Fatalf("expected topup, entry fee and refund, got %v", transactions)
	}

	status, body = fixture.do(test, http.MethodGet, "/api/admin/audit-log?adminId=A1", nil, nil)
	if status != http.StatusOK {
		test.Fatalf("audit log: %d %v", status, body)
	}
	actions := map[string]int{}
	for _, entry := range body["entries"].([]any) {
		actions[entry.(map[string]any)["action"].(string)]++
	}
	if actions[arena.AuditActionCancelMatch] != 1 || actions[arena.AuditActionCredit] != 3 {
		test.Fatalf("unexpected audit actions %v", actions)
	}
}

func TestNotificationsAfterRefund(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.createMatch(test, "M2", arena.MatchStatusUpcoming, 15)
	fixture.fund(test, "M2", 50, "U1")

	if status, body := fixture.do(test, http.MethodPost, cancelPath, map[string]any{"matchId": "M2", "adminId": "A1"}, nil); status != http.StatusOK {
		test.Fatalf("cancel: %d %v", status, body)
	}
	status, body := fixture.do(test, http.MethodGet, "/api/users/U1/notifications?unread=true", nil, nil)
	if status != http.StatusOK {
		test.Fatalf("notifications: %d %v", status, body)
	}
	notifications := body["notifications"].([]any)
	if len(notifications) != 1 {
		test.Fatalf("expected one notification, got %v", notifications)
	}
	notificationID := notifications[0].(map[string]any)["notificationId"].(string)

	status, body = fixture.do(test, http.MethodPost, "/api/users/U1/notifications/"+notificationID+"/read", nil, nil)
	if status != http.StatusOK {
		test.Fatalf("mark read: %d %v", status, body)
	}
	_, body = fixture.do(test, http.MethodGet, "/api/users/U1/notifications?unread=true", nil, nil)
	if unread := body["notifications"].([]any); len(unread) != 0 {
		test.Fatalf("expected no unread notifications, got %v", unread)
	}
}

func TestCancelMatchErrorResponses(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.createMatch(test, "DONE", arena.MatchStatusCompleted, 20)

	testCases := []struct {
		name           string
		payload        map[string]any
		expectedStatus int
		expectedError  string
	}{
		{name: "missing body", payload: nil, expectedStatus: http.StatusBadRequest, expectedError: "invalid_payload"},
		{name: "empty match id", payload: map[string]any{"matchId": " ", "adminId": "A1"}, expectedStatus: http.StatusBadRequest, expectedError: "invalid_request"},
		{name: "empty admin id", payload: map[string]any{"matchId": "DONE", "adminId": ""}, expectedStatus: http.StatusBadRequest, expectedError: "invalid_request"},
		{name: "unknown match", payload: map[string]any{"matchId": "NOPE", "adminId": "A1"}, expectedStatus: http.StatusBadRequest, expectedError: "not_found"},
		{name: "completed match", payload: map[string]any{"matchId": "DONE", "adminId": "A1"}, expectedStatus: http.StatusBadRequest, expectedError: "invalid_transition"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			status, body := fixture.do(test, http.MethodPost, cancelPath, testCase.payload, nil)
			if status != testCase.expectedStatus {
				test.Fatalf("expected %d, got %d %v", testCase.expectedStatus, status, body)
			}
			if body["success"] != false || body["error"] != testCase.expectedError {
				test.Fatalf("expected error %q, got %v", testCase.expectedError, body)
			}
		})
	}
}

func TestPartialFailureThenRetry(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.createMatch(test, "M1", arena.MatchStatusUpcoming, 20)
	fixture.fund(test, "M1", 20, "U1", "U2", "U3")
	fixture.ledgerStore.failUsers["U2"] = true

	status, body := fixture.do(test, http.MethodPost, cancelPath, map[string]any{"matchId": "M1", "adminId": "A1"}, nil)
	if status != http.StatusInternalServerError {
		test.Fatalf("expected 500, got %d %v", status, body)
	}
	if body["error"] != "partial_failure" || body["refundedUsers"] != float64(2) {
		test.Fatalf("unexpected partial failure body %v", body)
	}
	failedUsers := body["failedUsers"].([]any)
	if len(failedUsers) != 1 || failedUsers[0] != "U2" {
		test.Fatalf("expected U2 to fail, got %v", failedUsers)
	}
	if balance := fixture.balance(test, "U2"); balance != 0 {
		test.Fatalf("expected U2 unrefunded, got %v", balance)
	}

	delete(fixture.ledgerStore.failUsers, "U2")
	status, body = fixture.do(test, http.MethodPost, retryPath, map[string]any{"matchId": "M1", "adminId": "A1"}, nil)
	if status != http.StatusOK {
		test.Fatalf("retry: %d %v", status, body)
	}
	if body["refundedUsers"] != float64(1) || body["alreadyRefunded"] != float64(2) {
		test.Fatalf("unexpected retry body %v", body)
	}
	for _, userID := range []string{"U1", "U2", "U3"} {
		if balance := fixture.balance(test, userID); balance != 20 {
			test.Fatalf("expected 20 for %s, got %v", userID, balance)
		}
	}
}

func TestJoinAndCreditErrors(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.createMatch(test, "M1", arena.MatchStatusUpcoming, 30)
	fixture.createMatch(test, "LIVE", arena.MatchStatusInProgress, 30)
	fixture.fund(test, "M1", 100, "U1")

	testCases := []struct {
		name           string
		path           string
		payload        map[string]any
		expectedStatus int
		expectedError  string
	}{
		{name: "insufficient funds", path: joinPath, payload: map[string]any{"matchId": "M1", "userId": "U9"}, expectedStatus: http.StatusBadRequest, expectedError: "insufficient_funds"},
		{name: "already joined", path: joinPath, payload: map[string]any{"matchId": "M1", "userId": "U1"}, expectedStatus: http.StatusConflict, expectedError: "already_joined"},
		{name: "match not open", path: joinPath, payload: map[string]any{"matchId": "LIVE", "userId": "U1"}, expectedStatus: http.StatusBadRequest, expectedError: "match_not_open"},
		{name: "negative top-up", path: creditsPath, payload: map[string]any{"userId": "U1", "adminId": "A1", "amount": -5}, expectedStatus: http.StatusBadRequest, expectedError: "invalid_request"},
		{name: "unknown credit type", path: creditsPath, payload: map[string]any{"userId": "U1", "adminId": "A1", "amount": 5, "type": "gift"}, expectedStatus: http.StatusBadRequest, expectedError: "invalid_request"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			status, body := fixture.do(test, http.MethodPost, testCase.path, testCase.payload, nil)
			if status != testCase.expectedStatus || body["error"] != testCase.expectedError {
				test.Fatalf("expected %d %q, got %d %v", testCase.expectedStatus, testCase.expectedError, status, body)
			}
		})
	}

	credit := map[string]any{"userId": "U1", "adminId": "A1", "amount": 5, "idempotencyKey": "bonus-1"}
	if status, body := fixture.do(test, http.MethodPost, creditsPath, credit, nil); status != http.StatusOK {
		test.Fatalf("first credit: %d %v", status, body)
	}
	status, body := fixture.do(test, http.MethodPost, creditsPath, credit, nil)
	if status != http.StatusConflict || body["error"] != "duplicate_transaction" {
		test.Fatalf("expected duplicate_transaction, got %d %v", status, body)
	}
	if balance := fixture.balance(test, "U1"); balance != 75 {
		test.Fatalf("expected 75, got %v", balance)
	}
}

func TestSessionRequiredRoutes(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{
		SessionSigningKey: testSigningKey,
		SessionIssuer:     testSessionIssuer,
		SessionCookieName: testCookieName,
		AdminIDs:          []string{"A1"},
	})
	fixture.createMatch(test, "M1", arena.MatchStatusUpcoming, 0)
	adminCookie := buildSessionCookie(test, "A1")
	playerCookie := buildSessionCookie(test, "U1")

	status, body := fixture.do(test, http.MethodPost, cancelPath, map[string]any{"matchId": "M1", "adminId": "A2"}, adminCookie)
	if status != http.StatusForbidden || body["error"] != "forbidden" {
		test.Fatalf("expected 403 for mismatched admin, got %d %v", status, body)
	}
	status, body = fixture.do(test, http.MethodGet, "/api/users/U1/balance", nil, adminCookie)
	if status != http.StatusForbidden {
		test.Fatalf("expected 403 reading another user's balance, got %d %v", status, body)
	}
	status, body = fixture.do(test, http.MethodPost, creditsPath, map[string]any{"userId": "U1", "adminId": "U1", "amount": 500}, playerCookie)
	if status != http.StatusForbidden || body["error"] != "forbidden" {
		test.Fatalf("expected 403 for a player crediting themselves, got %d %v", status, body)
	}
	status, body = fixture.do(test, http.MethodPost, cancelPath, map[string]any{"matchId": "M1", "adminId": "U1"}, playerCookie)
	if status != http.StatusForbidden {
		test.Fatalf("expected 403 for a player cancelling a match, got %d %v", status, body)
	}
	status, body = fixture.do(test, http.MethodGet, "/api/users/U1/balance", nil, playerCookie)
	if status != http.StatusOK || body["balance"] != float64(0) {
		test.Fatalf("expected the player to read their own zero balance, got %d %v", status, body)
	}
	status, body = fixture.do(test, http.MethodPost, cancelPath, map[string]any{"matchId": "M1", "adminId": "A1"}, adminCookie)
	if status != http.StatusOK || body["refundedUsers"] != float64(0) {
		test.Fatalf("expected 200 for matching admin, got %d %v", status, body)
	}
	status, _ = fixture.do(test, http.MethodGet, "/healthz", nil, nil)
	if status != http.StatusOK {
		test.Fatalf("healthz must not require a session, got %d", status)
	}
}

func TestAuthorizeWithoutClaims(test *testing.T) {
	test.Parallel()
	handler := &httpHandler{logger: zap.NewNop(), requestTimeout: time.Second, sessions: true}
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/users/U1/balance", nil)
	ctx.Params = gin.Params{{Key: "userId", Value: "U1"}}

	handler.handleBalance(ctx)

	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRespondErrorHidesInternalDetails(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{name: "persistence", err: arena.StoreError("match", "get", errors.New("connection refused")), expectedStatus: http.StatusInternalServerError, expectedError: "persistence_error"},
		{name: "timeout", err: arena.StoreError("match", "get", context.DeadlineExceeded), expectedStatus: http.StatusInternalServerError, expectedError: "timeout"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			handler := &httpHandler{logger: zap.NewNop()}
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			ctx.Request = httptest.NewRequest(http.MethodPost, cancelPath, nil)

			handler.respondError(ctx, testCase.err)

			if recorder.Code != testCase.expectedStatus {
				test.Fatalf("expected %d, got %d", testCase.expectedStatus, recorder.Code)
			}
			if bytes.Contains(recorder.Body.Bytes(), []byte("connection refused")) {
				test.Fatalf("driver error leaked: %s", recorder.Body.String())
			}
			var body map[string]any
			if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
				test.Fatalf("decode: %v", err)
			}
			if body["error"] != testCase.expectedError {
				test.Fatalf("expected %q, got %v", testCase.expectedError, body)
			}
		})
	}
}

func TestNewRouterRequiresServices(test *testing.T) {
	test.Parallel()
	_, err := NewRouter(Config{}, Services{}, nil)
	if !errors.Is(err, arena.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func buildSessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		UserRoles:       []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: signedToken}
}
