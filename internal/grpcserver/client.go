package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CancellationReply is the decoded response of CancelMatch and RetryRefunds.
// FailedUsers is only set alongside an Aborted error.
type CancellationReply struct {
	RefundedUsers   int
	AlreadyRefunded int
	FailedUsers     []string
}

// MatchAdminClient calls arena.v1.MatchAdmin.
type MatchAdminClient struct {
	conn grpc.ClientConnInterface
}

// NewMatchAdminClient wraps conn.
func NewMatchAdminClient(conn grpc.ClientConnInterface) *MatchAdminClient {
	return &MatchAdminClient{conn: conn}
}

func (client *MatchAdminClient) CancelMatch(ctx context.Context, matchID string, adminID string, options ...grpc.CallOption) (CancellationReply, error) {
	return client.matchAction(ctx, methodCancelMatch, matchID, adminID, options...)
}

func (client *MatchAdminClient) RetryRefunds(ctx context.Context, matchID string, adminID string, options ...grpc.CallOption) (CancellationReply, error) {
	return client.matchAction(ctx, methodRetryRefunds, matchID, adminID, options...)
}

func (client *MatchAdminClient) GetBalance(ctx context.Context, userID string, options ...grpc.CallOption) (int64, error) {
	response, err := client.invoke(ctx, methodGetBalance, map[string]any{fieldUserID: userID}, options...)
	if err != nil {
		return 0, err
	}
	return int64(response.GetFields()[fieldBalance].GetNumberValue()), nil
}

func (client *MatchAdminClient) matchAction(ctx context.Context, method string, matchID string, adminID string, options ...grpc.CallOption) (CancellationReply, error) {
	response, err := client.invoke(ctx, method, map[string]any{fieldMatchID: matchID, fieldAdminID: adminID}, options...)
	if err != nil {
		return partialFailureReply(err), err
	}
	fields := response.GetFields()
	return CancellationReply{
		RefundedUsers:   int(fields[fieldRefundedUsers].GetNumberValue()),
		AlreadyRefunded: int(fields[fieldAlreadyRefunded].GetNumberValue()),
	}, nil
}

func (client *MatchAdminClient) invoke(ctx context.Context, method string, fields map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, fullMethod(method), request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func partialFailureReply(err error) CancellationReply {
	statusValue, ok := status.FromError(err)
	if !ok || statusValue.Code() != codes.Aborted {
		return CancellationReply{}
	}
	for _, detail := range statusValue.Details() {
		detailStruct, ok := detail.(*structpb.Struct)
		if !ok {
			continue
		}
		fields := detailStruct.GetFields()
		reply := CancellationReply{RefundedUsers: int(fields[fieldRefundedUsers].GetNumberValue())}
		for _, value := range fields[fieldFailedUsers].GetListValue().GetValues() {
			reply.FailedUsers = append(reply.FailedUsers, value.GetStringValue())
		}
		return reply
	}
	return CancellationReply{}
}

// WaitForClientReady blocks until conn is ready or ctx ends.
func WaitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
