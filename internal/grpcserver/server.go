package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "arena.v1.MatchAdmin"

	methodCancelMatch  = "CancelMatch"
	methodRetryRefunds = "RetryRefunds"
	methodGetBalance   = "GetBalance"

	fieldMatchID         = "matchId"
	fieldAdminID         = "adminId"
	fieldUserID          = "userId"
	fieldSuccess         = "success"
	fieldRefundedUsers   = "refundedUsers"
	fieldAlreadyRefunded = "alreadyRefunded"
	fieldFailedUsers     = "failedUsers"
	fieldBalance         = "balance"

	errorInvalidRequest    = "invalid_request"
	errorNotFound          = "not_found"
	errorInvalidTransition = "invalid_transition"
	errorPartialFailure    = "partial_failure"
	errorTimeout           = "timeout"
	errorPersistence       = "persistence_error"
)

// MatchAdminServer is the server API for arena.v1.MatchAdmin. Messages are
// google.protobuf.Struct values keyed like the HTTP JSON bodies.
type MatchAdminServer interface {
	CancelMatch(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	RetryRefunds(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(server MatchAdminServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

// MatchAdminServiceDesc describes arena.v1.MatchAdmin for grpc.ServiceRegistrar.
var MatchAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatchAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodCancelMatch, Handler: unaryHandler(methodCancelMatch, MatchAdminServer.CancelMatch)},
		{MethodName: methodRetryRefunds, Handler: unaryHandler(methodRetryRefunds, MatchAdminServer.RetryRefunds)},
		{MethodName: methodGetBalance, Handler: unaryHandler(methodGetBalance, MatchAdminServer.GetBalance)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "arena/v1/match_admin.proto",
}

// RegisterMatchAdminServer registers server on registrar.
func RegisterMatchAdminServer(registrar grpc.ServiceRegistrar, server MatchAdminServer) {
	registrar.RegisterService(&MatchAdminServiceDesc, server)
}

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(MatchAdminServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod(method)}
		return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
			return call(server.(MatchAdminServer), ctx, request.(*structpb.Struct))
		})
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// MatchAdminService exposes cancellation and balances over gRPC.
type MatchAdminService struct {
	cancellation *arena.CancellationWorkflow
	ledger       *arena.Ledger
}

// NewMatchAdminService constructs the gRPC service.
func NewMatchAdminService(cancellation *arena.CancellationWorkflow, ledger *arena.Ledger) (*MatchAdminService, error) {
	if cancellation == nil {
		return nil, fmt.Errorf("%w: cancellation workflow is required", arena.ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", arena.ErrInvalidServiceConfig)
	}
	return &MatchAdminService{cancellation: cancellation, ledger: ledger}, nil
}

func (service *MatchAdminService) CancelMatch(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	matchID, adminID, err := parseMatchAction(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := service.cancellation.CancelMatch(ctx, matchID, adminID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		fieldSuccess:       true,
		fieldRefundedUsers: result.RefundedUsers(),
	})
}

func (service *MatchAdminService) RetryRefunds(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	matchID, adminID, err := parseMatchAction(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := service.cancellation.RetryRefunds(ctx, matchID, adminID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		fieldSuccess:         true,
		fieldRefundedUsers:   result.RefundedUsers(),
		fieldAlreadyRefunded: len(result.AlreadyRefunded),
	})
}

func (service *MatchAdminService) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := arena.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := service.ledger.Balance(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		fieldUserID:  userID.String(),
		fieldBalance: balance.Int64(),
	})
}

func parseMatchAction(request *structpb.Struct) (arena.MatchID, arena.AdminID, error) {
	matchID, err := arena.NewMatchID(stringField(request, fieldMatchID))
	if err != nil {
		return arena.MatchID{}, arena.AdminID{}, err
	}
	adminID, err := arena.NewAdminID(stringField(request, fieldAdminID))
	if err != nil {
		return arena.MatchID{}, arena.AdminID{}, err
	}
	return matchID, adminID, nil
}

func stringField(message *structpb.Struct, name string) string {
	return message.GetFields()[name].GetStringValue()
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	message, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return message, nil
}

func mapToGRPCError(source error) error {
	var partialFailure *arena.PartialFailureError
	if errors.As(source, &partialFailure) {
		return partialFailureStatus(partialFailure)
	}
	if errors.Is(source, arena.ErrTimeout) || errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, errorTimeout)
	}
	if errors.Is(source, arena.ErrValidation) {
		return status.Error(codes.InvalidArgument, errorInvalidRequest+": "+source.Error())
	}
	if errors.Is(source, arena.ErrNotFound) {
		return status.Error(codes.NotFound, errorNotFound+": "+source.Error())
	}
	if errors.Is(source, arena.ErrInvalidTransition) {
		return status.Error(codes.FailedPrecondition, errorInvalidTransition+": "+source.Error())
	}
	return status.Error(codes.Internal, errorPersistence)
}

// partialFailureStatus carries refundedUsers and failedUsers as a Struct detail.
func partialFailureStatus(partialFailure *arena.PartialFailureError) error {
	failedUsers := partialFailure.FailedUserIDs()
	message := fmt.Sprintf("%s: refunded %d, failed users [%s]", errorPartialFailure, partialFailure.Refunded, strings.Join(failedUsers, ","))
	failedValues := make([]any, 0, len(failedUsers))
	for _, userID := range failedUsers {
		failedValues = append(failedValues, userID)
	}
	detail, err := structpb.NewStruct(map[string]any{
		fieldRefundedUsers: partialFailure.Refunded,
		fieldFailedUsers:   failedValues,
	})
	if err != nil {
		return status.Error(codes.Aborted, message)
	}
	statusWithDetail, err := status.New(codes.Aborted, message).WithDetails(detail)
	if err != nil {
		return status.Error(codes.Aborted, message)
	}
	return statusWithDetail.Err()
}
