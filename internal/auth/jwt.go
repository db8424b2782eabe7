package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

var (
	// Токен не прошёл проверку подписи, срока или аудитории.
	ErrInvalidToken = errors.New("invalid access token")
	// Провайдер создан без ключа подписи.
	ErrSecretRequired = errors.New("jwt secret is required")
)

type claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HS256 проверяет access-токены внешнего сервиса аутентификации.
// Issue нужен dev-окружению и тестам: в проде токены выпускает сам сервис аутентификации.
type HS256 struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewHS256 создаёт провайдер с общим секретом.
func NewHS256(secret, issuer, audience string) (*HS256, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &HS256{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}, nil
}

// Issue подписывает токен для личности.
func (p *HS256) Issue(principal domain.Principal, ttl time.Duration) (string, error) {
	if !principal.Authenticated() {
		return "", fmt.Errorf("issue token: %w", domain.ErrUnauthorized)
	}
	now := p.now()
	roles := make([]string, 0, len(principal.Roles))
	for _, role := range principal.Roles {
		roles = append(roles, string(role))
	}

	registered := jwt.RegisteredClaims{
		Subject:   principal.UserID,
		Issuer:    p.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if p.audience != "" {
		registered.Audience = jwt.ClaimStrings{p.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{Roles: roles, RegisteredClaims: registered})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify проверяет подпись, срок действия, издателя и аудиторию.
func (p *HS256) Verify(raw string) (domain.Principal, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		options = append(options, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		options = append(options, jwt.WithAudience(p.audience))
	}

	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, options...)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	cc, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || cc.Subject == "" {
		return domain.Principal{}, ErrInvalidToken
	}

	principal := domain.Principal{UserID: cc.Subject}
	for _, role := range cc.Roles {
		principal.Roles = append(principal.Roles, domain.Role(role))
	}
	return principal, nil
}
