package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/models"
)

const (
	methodValidateToken = "/auth.AuthService/ValidateToken"
	methodGetUser       = "/auth.AuthService/GetUser"
)

// AuthClient resolves tokens through the auth-service gRPC API.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// Authenticate verifies the token and returns the user it belongs to.
func (a *AuthClient) Authenticate(ctx context.Context, token string) (models.User, error) {
	resp, err := invoke(ctx, a.conn, methodValidateToken, map[string]any{"token": token})
	if err != nil {
		if status.Code(err) == codes.Unauthenticated {
			return models.User{}, fmt.Errorf("%w: %v", apperr.ErrAuthenticationFailed, err)
		}
		return models.User{}, fmt.Errorf("validate token: %w", err)
	}
	if !boolField(resp, "valid") {
		return models.User{}, fmt.Errorf("%w: invalid token", apperr.ErrAuthenticationFailed)
	}
	user := userFromStruct(resp)
	if user.ID == 0 {
		return models.User{}, fmt.Errorf("%w: invalid token", apperr.ErrAuthenticationFailed)
	}
	if !user.Active {
		return models.User{}, fmt.Errorf("%w: user %d is inactive", apperr.ErrAuthenticationFailed, user.ID)
	}
	return user, nil
}

// GetUser fetches user info from auth-service.
func (a *AuthClient) GetUser(ctx context.Context, userID int) (models.User, error) {
	resp, err := invoke(ctx, a.conn, methodGetUser, map[string]any{"user_id": userID})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.User{}, fmt.Errorf("user %d: %w", userID, apperr.ErrNotFound)
		}
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	user := userFromStruct(resp)
	if user.ID == 0 {
		return models.User{}, fmt.Errorf("user %d: %w", userID, apperr.ErrNotFound)
	}
	return user, nil
}

func userFromStruct(s *structpb.Struct) models.User {
	user := models.User{
		ID:          intField(s, "user_id"),
		DisplayName: stringField(s, "name"),
		Active:      true,
	}
	if v, ok := s.GetFields()["active"]; ok {
		user.Active = v.GetBoolValue()
	}
	return user
}

func invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func intField(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}
