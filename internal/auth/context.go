// Package auth переносит личность вызывающего, выданную внешним сервисом аутентификации.
package auth

import (
	"context"
	"strings"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type principalKey struct{}

// WithPrincipal кладёт личность в контекст запроса.
func WithPrincipal(ctx context.Context, principal domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom достаёт личность из контекста. Без личности возвращается пустой Principal,
// который ядро считает неаутентифицированным.
func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(domain.Principal)
	return principal, ok
}

// ExtractBearerToken разбирает заголовок вида "Bearer <token>".
func ExtractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.Trim(strings.TrimSpace(token), "\"'")
	if token == "" {
		return "", false
	}
	return token, true
}
