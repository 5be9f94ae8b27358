package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTConfig configures a JWTService. cmd/ratelimitd builds one from the
// demo binary's admin settings.
type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// Claims identifies the operator a token was issued to. The admin surface
// has one kind of caller (an operator, not an end user), so this carries a
// single Subject rather than the medical-booking domain's user/role split.
type Claims struct {
	Subject string `json:"sub"`
	TokenID string `json:"token_id"`
	jwt.RegisteredClaims
}

// JWTService issues and validates bearer tokens guarding internal/adminapi.
type JWTService struct {
	config JWTConfig
}

// NewJWTService builds a JWTService from cfg, defaulting Expiry to one hour.
func NewJWTService(cfg JWTConfig) *JWTService {
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Hour
	}
	return &JWTService{config: cfg}
}

// GenerateToken mints a bearer token identifying subject (an operator name
// or service account id).
func (s *JWTService) GenerateToken(subject string) (string, error) {
	claims := Claims{
		Subject: subject,
		TokenID: uuid.New().String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.config.Expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.Secret))
}

// ValidateToken parses and verifies tokenString, returning its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}
