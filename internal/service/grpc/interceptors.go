package grpcsvc

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/shopcore/internal/auth"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// TokenVerifier проверяет bearer-токен и возвращает личность.
type TokenVerifier interface {
	Verify(token string) (domain.Principal, error)
}

// AuthInterceptor кладёт в контекст личность из metadata "authorization".
// Запрос без токена проходит анонимно: доступ решает Coordinator.
// Неверный токен отклоняется сразу.
func AuthInterceptor(verifier TokenVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 || verifier == nil {
			return handler(ctx, req)
		}

		token, ok := auth.ExtractBearerToken(values[0])
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "malformed authorization metadata")
		}
		principal, err := verifier.Verify(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid access token")
		}
		return handler(auth.WithPrincipal(ctx, principal), req)
	}
}

// LoggingInterceptor пишет в лог неуспешные вызовы.
func LoggingInterceptor(logger *log.Entry) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = log.WithField("component", "grpc")
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			code := status.Code(err)
			entry := logger.WithFields(log.Fields{
				"method":   info.FullMethod,
				"code":     code.String(),
				"duration": time.Since(started),
			}).WithError(err)
			if code == codes.Internal || code == codes.Unknown {
				entry.Error("grpc call failed")
			} else {
				entry.Debug("grpc call rejected")
			}
		}
		return resp, err
	}
}
