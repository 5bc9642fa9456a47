package server

import (
	"context"
	"errors"
	"time"

	"github.com/triage-ai/langford/internal/auth"
	"github.com/triage-ai/langford/internal/orchestrator"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Chat is the subset of *orchestrator.Orchestrator the gRPC surface drives.
type Chat interface {
	HandleMessage(ctx context.Context, sessionID, text string) (orchestrator.Reply, error)
	Confirm(ctx context.Context, sessionID, requestID string, approved bool) (orchestrator.Reply, error)
}

// ChatServer implements ChatService.
type ChatServer struct {
	chat   Chat
	auth   auth.Authenticator
	logger *zap.Logger
}

func NewChatServer(chat Chat, authenticator auth.Authenticator, logger *zap.Logger) *ChatServer {
	return &ChatServer{chat: chat, auth: authenticator, logger: logger}
}

// SendMessage expects {"session_id": string, "text": string}.
func (s *ChatServer) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	sessionID := stringField(req, "session_id")
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	reply, err := s.chat.HandleMessage(ctx, sessionID, stringField(req, "text"))
	if err != nil {
		return nil, s.chatError(sessionID, err)
	}
	return replyToStruct(reply), nil
}

// Confirm expects {"session_id": string, "request_id": string, "approved": bool}.
func (s *ChatServer) Confirm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	sessionID := stringField(req, "session_id")
	requestID := stringField(req, "request_id")
	if sessionID == "" || requestID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id and request_id are required")
	}
	approved, ok := req.GetFields()["approved"].GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "approved must be a bool")
	}
	reply, err := s.chat.Confirm(ctx, sessionID, requestID, approved.BoolValue)
	if err != nil {
		return nil, s.chatError(sessionID, err)
	}
	return replyToStruct(reply), nil
}

func (s *ChatServer) authenticate(ctx context.Context) error {
	key, err := auth.KeyFromMetadata(ctx)
	if err != nil {
		return status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
	}
	if _, err := s.auth.Authenticate(ctx, key); err != nil {
		if errors.Is(err, auth.ErrAuthUnavailable) {
			return status.Error(codes.Unavailable, "authentication temporarily unavailable")
		}
		return status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
	}
	return nil
}

func (s *ChatServer) chatError(sessionID string, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, orchestrator.ErrNoPendingConfirmation):
		return status.Error(codes.NotFound, err.Error())
	default:
		s.logger.Error("chat rpc failed", zap.String("session_id", sessionID), zap.Error(err))
		return status.Error(codes.Internal, orchestrator.TextBackendError)
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func replyToStruct(r orchestrator.Reply) *structpb.Struct {
	prompts := make([]*structpb.Value, 0, len(r.Confirmations))
	for _, p := range r.Confirmations {
		prompts = append(prompts, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"request_id": structpb.NewStringValue(p.RequestID),
			"tool_name":  structpb.NewStringValue(p.ToolName),
			"arguments":  structpb.NewStringValue(string(p.Arguments)),
			"prompt":     structpb.NewStringValue(p.Prompt),
			"expires_at": structpb.NewStringValue(p.ExpiresAt.UTC().Format(time.RFC3339)),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"session_id":    structpb.NewStringValue(r.SessionID),
		"text":          structpb.NewStringValue(r.Text),
		"aborted":       structpb.NewBoolValue(r.Aborted),
		"confirmations": structpb.NewListValue(&structpb.ListValue{Values: prompts}),
	}}
}
