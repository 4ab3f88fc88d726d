package grpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Gopher0727/GroupChat/internal/service"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

const groupChatServiceName = "groupchat.v1.GroupChat"

type Empty struct{}

type CreateGroupChatRequest struct {
	RecipientUserIDs []string `json:"recipient_user_ids"`
	Title            *string  `json:"title"`
}

type SendMessageRequest struct {
	GroupChatID int64  `json:"group_chat_id"`
	Text        string `json:"text"`
}

type EditGroupChatRequest struct {
	GroupChatID      int64   `json:"group_chat_id"`
	Title            *string `json:"title"`
	OnlyAdminsInvite *bool   `json:"only_admins_invite"`
}

// MemberRequest names a chat and a target user; admin changes and invites use it.
type MemberRequest struct {
	GroupChatID int64  `json:"group_chat_id"`
	UserID      string `json:"user_id"`
}

type GroupChatRequest struct {
	GroupChatID int64 `json:"group_chat_id"`
}

type MarkLastSeenRequest struct {
	GroupChatID int64 `json:"group_chat_id"`
	MessageID   int64 `json:"message_id"`
}

type ListGroupChatsRequest struct {
	LastMessageID int64 `json:"last_message_id"`
}

type GetDirectMessageRequest struct {
	UserID string `json:"user_id"`
}

type GetGroupChatMessagesRequest struct {
	GroupChatID   int64 `json:"group_chat_id"`
	LastMessageID int64 `json:"last_message_id"`
	OnlyUnseen    bool  `json:"only_unseen"`
}

type GetUpdatesRequest struct {
	NewestMessageID int64 `json:"newest_message_id"`
}

type SearchMessagesRequest struct {
	Query         string `json:"query"`
	LastMessageID int64  `json:"last_message_id"`
}

// GroupChatServer exposes the group chat service over gRPC with the JSON
// codec. Callers are identified by the auth interceptor.
type GroupChatServer struct {
	svc    service.IGroupChatService
	logger *logger.Logger
}

func NewGroupChatServer(svc service.IGroupChatService, log *logger.Logger) *GroupChatServer {
	return &GroupChatServer{svc: svc, logger: log}
}

// RegisterGroupChatServer must be called before the server starts serving.
func RegisterGroupChatServer(s *grpc.Server, srv *GroupChatServer) {
	s.RegisterService(&groupChatServiceDesc, srv)
}

type groupChatHandler interface {
	call(ctx context.Context, fn func(userID string) (any, error)) (any, error)
}

// call runs fn as the authenticated caller. Business failures keep their code
// through service.Error's GRPCStatus; anything else is masked as internal.
func (s *GroupChatServer) call(ctx context.Context, fn func(userID string) (any, error)) (any, error) {
	userID := logger.GetUserID(ctx)
	if userID == "" {
		return nil, status.Error(codes.Unauthenticated, "missing caller")
	}
	resp, err := fn(userID)
	if err == nil {
		return resp, nil
	}
	if service.CodeOf(err) == codes.Internal {
		s.logger.ErrorContext(ctx, "group chat call failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	return nil, err
}

func unary[Req any](name string, fn func(ctx context.Context, svc service.IGroupChatService, userID string, req *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*GroupChatServer)
			handler := func(ctx context.Context, req any) (any, error) {
				return s.call(ctx, func(userID string) (any, error) {
					return fn(ctx, s.svc, userID, req.(*Req))
				})
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + groupChatServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// empty adapts operations that only report an error.
func empty(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

var groupChatServiceDesc = grpc.ServiceDesc{
	ServiceName: groupChatServiceName,
	HandlerType: (*groupChatHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateGroupChat", func(ctx context.Context, svc service.IGroupChatService, userID string, req *CreateGroupChatRequest) (any, error) {
			return svc.CreateGroupChat(ctx, userID, req.RecipientUserIDs, req.Title)
		}),
		unary("SendMessage", func(ctx context.Context, svc service.IGroupChatService, userID string, req *SendMessageRequest) (any, error) {
			return svc.SendMessage(ctx, userID, req.GroupChatID, req.Text)
		}),
		unary("EditGroupChat", func(ctx context.Context, svc service.IGroupChatService, userID string, req *EditGroupChatRequest) (any, error) {
			return empty(svc.EditGroupChat(ctx, userID, req.GroupChatID, service.GroupChatEdit{
				Title:            req.Title,
				OnlyAdminsInvite: req.OnlyAdminsInvite,
			}))
		}),
		unary("MakeGroupChatAdmin", func(ctx context.Context, svc service.IGroupChatService, userID string, req *MemberRequest) (any, error) {
			return empty(svc.MakeGroupChatAdmin(ctx, userID, req.GroupChatID, req.UserID))
		}),
		unary("RemoveGroupChatAdmin", func(ctx context.Context, svc service.IGroupChatService, userID string, req *MemberRequest) (any, error) {
			return empty(svc.RemoveGroupChatAdmin(ctx, userID, req.GroupChatID, req.UserID))
		}),
		unary("InviteToGroupChat", func(ctx context.Context, svc service.IGroupChatService, userID string, req *MemberRequest) (any, error) {
			return empty(svc.InviteToGroupChat(ctx, userID, req.GroupChatID, req.UserID))
		}),
		unary("LeaveGroupChat", func(ctx context.Context, svc service.IGroupChatService, userID string, req *GroupChatRequest) (any, error) {
			return empty(svc.LeaveGroupChat(ctx, userID, req.GroupChatID))
		}),
		unary("MarkLastSeenGroupChat", func(ctx context.Context, svc service.IGroupChatService, userID string, req *MarkLastSeenRequest) (any, error) {
			return empty(svc.MarkLastSeenGroupChat(ctx, userID, req.GroupChatID, req.MessageID))
		}),
		unary("ListGroupChats", func(ctx context.Context, svc service.IGroupChatService, userID string, req *ListGroupChatsRequest) (any, error) {
			return svc.ListGroupChats(ctx, userID, req.LastMessageID)
		}),
		unary("GetGroupChat", func(ctx context.Context, svc service.IGroupChatService, userID string, req *GroupChatRequest) (any, error) {
			return svc.GetGroupChat(ctx, userID, req.GroupChatID)
		}),
		unary("GetDirectMessage", func(ctx context.Context, svc service.IGroupChatService, userID string, req *GetDirectMessageRequest) (any, error) {
			return svc.GetDirectMessage(ctx, userID, req.UserID)
		}),
		unary("GetGroupChatMessages", func(ctx context.Context, svc service.IGroupChatService, userID string, req *GetGroupChatMessagesRequest) (any, error) {
			return svc.GetGroupChatMessages(ctx, userID, req.GroupChatID, req.LastMessageID, req.OnlyUnseen)
		}),
		unary("GetUpdates", func(ctx context.Context, svc service.IGroupChatService, userID string, req *GetUpdatesRequest) (any, error) {
			return svc.GetUpdates(ctx, userID, req.NewestMessageID)
		}),
		unary("SearchMessages", func(ctx context.Context, svc service.IGroupChatService, userID string, req *SearchMessagesRequest) (any, error) {
			return svc.SearchMessages(ctx, userID, req.Query, req.LastMessageID)
		}),
	},
	Streams: []grpc.StreamDesc{},
}
