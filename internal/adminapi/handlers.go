package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger         *zap.Logger
	services       Services
	requestTimeout time.Duration
	sessions       bool
	admins         map[string]struct{}
}

type matchActionRequest struct {
	MatchID string `json:"matchId"`
	AdminID string `json:"adminId"`
}

type creditRequest struct {
	UserID         string `json:"userId"`
	AdminID        string `json:"adminId"`
	Amount         int64  `json:"amount"`
	Type           string `json:"type"`
	Notes          string `json:"notes"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type joinRequest struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
}

type matchAction func(ctx context.Context, matchID arena.MatchID, adminID arena.AdminID) (arena.CancellationResult, error)

func (handler *httpHandler) handleCancelMatch(ctx *gin.Context) {
	result, ok := handler.runMatchAction(ctx, handler.services.Cancellation.CancelMatch)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":       true,
		"refundedUsers": result.RefundedUsers(),
	})
}

func (handler *httpHandler) handleRetryRefunds(ctx *gin.Context) {
	result, ok := handler.runMatchAction(ctx, handler.services.Cancellation.RetryRefunds)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":         true,
		"refundedUsers":   result.RefundedUsers(),
		"alreadyRefunded": len(result.AlreadyRefunded),
	})
}

func (handler *httpHandler) runMatchAction(ctx *gin.Context, action matchAction) (arena.CancellationResult, bool) {
	var request matchActionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with matchId and adminId"))
		return arena.CancellationResult{}, false
	}
	matchID, err := arena.NewMatchID(request.MatchID)
	if err != nil {
		handler.respondError(ctx, err)
		return arena.CancellationResult{}, false
	}
	adminID, err := arena.NewAdminID(request.AdminID)
	if err != nil {
		handler.respondError(ctx, err)
		return arena.CancellationResult{}, false
	}
	if !handler.authorizeAdmin(ctx, adminID.String()) {
		return arena.CancellationResult{}, false
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := action(requestCtx, matchID, adminID)
	if err != nil {
		handler.respondError(ctx, err)
		return arena.CancellationResult{}, false
	}
	return result, true
}

func (handler *httpHandler) handleCredit(ctx *gin.Context) {
	var request creditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := arena.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	adminID, err := arena.NewAdminID(request.AdminID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactionType := arena.TransactionTopUp
	if strings.TrimSpace(request.Type) != "" {
		transactionType, err = arena.ParseTransactionType(request.Type)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	var idempotencyKey arena.IdempotencyKey
	if strings.TrimSpace(request.IdempotencyKey) != "" {
		idempotencyKey, err = arena.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	if !handler.authorizeAdmin(ctx, adminID.String()) {
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.services.Ledger.Credit(requestCtx, arena.CreditRequest{
		UserID:         userID,
		AdminID:        adminID,
		Amount:         arena.Coins(request.Amount),
		Type:           transactionType,
		Notes:          request.Notes,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.services.SideEffects.LogAction(requestCtx, adminID, arena.AuditActionCredit, fmt.Sprintf(
		"%s of %d coins for user %s (transaction %s)",
		transaction.Type, transaction.Amount, userID, transaction.TransactionID))
	ctx.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": transactionPayload(transaction),
	})
}

func (handler *httpHandler) handleAuditLog(ctx *gin.Context) {
	adminID, err := arena.NewAdminID(ctx.Query("adminId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	limit, err := queryInt(ctx, "limit")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if !handler.authorizeAdmin(ctx, adminID.String()) {
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.services.Audit.ListAuditLog(requestCtx, arena.NormalizeListLimit(int(limit)))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, gin.H{
			"entryId":        entry.EntryID,
			"adminId":        entry.AdminID.String(),
			"action":         entry.Action,
			"details":        entry.Details,
			"createdUnixUtc": entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "entries": payload})
}

func (handler *httpHandler) handleJoinMatch(ctx *gin.Context) {
	var request joinRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with matchId and userId"))
		return
	}
	matchID, err := arena.NewMatchID(request.MatchID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	userID, err := arena.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if !handler.authorize(ctx, userID.String()) {
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entry, err := handler.services.Enrollment.JoinMatch(requestCtx, matchID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"entry": gin.H{
			"matchId":        entry.MatchID.String(),
			"userId":         entry.UserID.String(),
			"paid":           entry.Paid,
			"entryFee":       entry.EntryFee.Int64(),
			"createdUnixUtc": entry.CreatedUnixUTC,
		},
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.userFromPath(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.services.Ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"userId":  userID.String(),
		"balance": balance.Int64(),
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.userFromPath(ctx)
	if !ok {
		return
	}
	limit, err := queryInt(ctx, "limit")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	beforeUnixUTC, err := queryInt(ctx, "before")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.services.Ledger.ListTransactions(requestCtx, userID, beforeUnixUTC, int(limit))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "transactions": payload})
}

func (handler *httpHandler) handleNotifications(ctx *gin.Context) {
	userID, ok := handler.userFromPath(ctx)
	if !ok {
		return
	}
	limit, err := queryInt(ctx, "limit")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	unreadOnly := ctx.Query("unread") == "true"
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	notifications, err := handler.services.Notifications.ListNotifications(requestCtx, userID, unreadOnly, arena.NormalizeListLimit(int(limit)))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(notifications))
	for _, notification := range notifications {
		payload = append(payload, gin.H{
			"notificationId": notification.NotificationID,
			"message":        notification.Message,
			"read":           notification.Read,
			"createdUnixUtc": notification.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "notifications": payload})
}

func (handler *httpHandler) handleMarkNotificationRead(ctx *gin.Context) {
	userID, ok := handler.userFromPath(ctx)
	if !ok {
		return
	}
	notificationID := strings.TrimSpace(ctx.Param("notificationId"))
	if notificationID == "" {
		handler.respondError(ctx, arena.ErrInvalidNotificationID)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.services.Notifications.MarkNotificationRead(requestCtx, userID, notificationID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

func (handler *httpHandler) userFromPath(ctx *gin.Context) (arena.UserID, bool) {
	userID, err := arena.NewUserID(ctx.Param("userId"))
	if err != nil {
		handler.respondError(ctx, err)
		return arena.UserID{}, false
	}
	if !handler.authorize(ctx, userID.String()) {
		return arena.UserID{}, false
	}
	return userID, true
}

// authorize writes 401/403 and returns false when sessions are enabled and the
// session user is not subjectID.
func (handler *httpHandler) authorize(ctx *gin.Context, subjectID string) bool {
	if !handler.sessions {
		return true
	}
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return false
	}
	if claims.GetUserID() != subjectID {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "session user does not match request"))
		return false
	}
	return true
}

// authorizeAdmin is authorize plus membership in the configured admin ids.
func (handler *httpHandler) authorizeAdmin(ctx *gin.Context, adminID string) bool {
	if !handler.authorize(ctx, adminID) {
		return false
	}
	if !handler.sessions {
		return true
	}
	if _, ok := handler.admins[adminID]; !ok {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "session user is not an admin"))
		return false
	}
	return true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var partialFailure *arena.PartialFailureError
	if errors.As(err, &partialFailure) {
		handler.logger.Warn("refunds incomplete",
			zap.String("match_id", partialFailure.MatchID.String()),
			zap.Strings("failed_users", partialFailure.FailedUserIDs()),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"success":       false,
			"error":         "partial_failure",
			"message":       fmt.Sprintf("refunded %d, failed %d; retry refunds for match %s", partialFailure.Refunded, len(partialFailure.Failures), partialFailure.MatchID),
			"refundedUsers": partialFailure.Refunded,
			"failedUsers":   partialFailure.FailedUserIDs(),
		})
		return
	}
	status, code := classifyError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("route", ctx.FullPath()), zap.Error(err))
		message = "internal error"
		if code == "timeout" {
			message = "request timed out"
		}
	}
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, arena.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusInternalServerError, "timeout"
	case errors.Is(err, arena.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, arena.ErrNotFound):
		return http.StatusBadRequest, "not_found"
	case errors.Is(err, arena.ErrInvalidTransition):
		return http.StatusBadRequest, "invalid_transition"
	case errors.Is(err, arena.ErrMatchNotOpen):
		return http.StatusBadRequest, "match_not_open"
	case errors.Is(err, arena.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficient_funds"
	case errors.Is(err, arena.ErrAlreadyJoined):
		return http.StatusConflict, "already_joined"
	case errors.Is(err, arena.ErrDuplicateTransaction):
		return http.StatusConflict, "duplicate_transaction"
	default:
		return http.StatusInternalServerError, "persistence_error"
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"success": false,
		"error":   code,
		"message": message,
	}
}

func transactionPayload(transaction arena.Transaction) gin.H {
	payload := gin.H{
		"transactionId":  transaction.TransactionID,
		"userId":         transaction.UserID.String(),
		"amount":         transaction.Amount.Int64(),
		"type":           transaction.Type.String(),
		"status":         transaction.Status.String(),
		"notes":          transaction.Notes,
		"idempotencyKey": transaction.IdempotencyKey.String(),
		"metadata":       json.RawMessage(transaction.Metadata.String()),
		"createdUnixUtc": transaction.CreatedUnixUTC,
	}
	if !transaction.MatchID.IsZero() {
		payload["matchId"] = transaction.MatchID.String()
	}
	if !transaction.AdminID.IsZero() {
		payload["adminId"] = transaction.AdminID.String()
	}
	return payload
}

func queryInt(ctx *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: query parameter %s must be an integer", arena.ErrValidation, name)
	}
	return value, nil
}
