package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"dm-service/internal/models"
)

const (
	validateTokenMethod = "/auth.AuthService/ValidateToken"
	signOutMethod       = "/auth.AuthService/SignOut"
)

// ErrInvalidToken is returned when the auth service rejects the token.
var ErrInvalidToken = errors.New("invalid token")

// AuthClient calls the auth service. Requests carry the token as a
// StringValue; ValidateToken answers with a Struct holding valid, user_id,
// email and username.
type AuthClient struct {
	conn    grpc.ClientConnInterface
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewAuthClient constructs the wrapper. A zero timeout disables the per-call deadline.
func NewAuthClient(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *AuthClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "auth-service",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// A rejected token is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrInvalidToken) {
				return true
			}
			switch status.Code(err) {
			case codes.Unauthenticated, codes.InvalidArgument, codes.NotFound:
				return true
			}
			return false
		},
	})
	return &AuthClient{conn: conn, breaker: breaker, timeout: timeout}
}

// ValidateToken verifies the token and returns the caller's identity.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, ErrInvalidToken
	}
	resp := &structpb.Struct{}
	if err := a.invoke(ctx, validateTokenMethod, wrapperspb.String(token), resp); err != nil {
		if status.Code(err) == codes.Unauthenticated {
			return models.Identity{}, ErrInvalidToken
		}
		return models.Identity{}, err
	}

	fields := resp.GetFields()
	userID := fields["user_id"].GetStringValue()
	if !fields["valid"].GetBoolValue() || userID == "" {
		return models.Identity{}, ErrInvalidToken
	}
	return models.Identity{
		UserID:   userID,
		Email:    fields["email"].GetStringValue(),
		Username: fields["username"].GetStringValue(),
		Token:    token,
	}, nil
}

// SignOut revokes the token's session.
func (a *AuthClient) SignOut(ctx context.Context, token string) error {
	return a.invoke(ctx, signOutMethod, wrapperspb.String(token), &structpb.Struct{})
}

func (a *AuthClient) invoke(ctx context.Context, method string, req, resp any) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, a.conn.Invoke(ctx, method, req, resp)
	})
	return err
}
