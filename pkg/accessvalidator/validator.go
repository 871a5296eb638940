// Package accessvalidator lets sibling services validate pickauth access
// tokens without running the full credential manager: signature, expiry, and
// issuer are checked offline, and an optional RevocationChecker covers tokens
// blacklisted by logout.
package accessvalidator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// RevocationChecker reports whether an access token was revoked before its
// expiry. Implementations typically share the revocation store with pickauth.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenString string) (bool, error)
}

// Config configures the Validator.
type Config struct {
	SigningKey  []byte
	Issuer      string
	Revocations RevocationChecker
	Clock       Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("access.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("access.validator.missing_issuer")
	ErrMissingToken      = errors.New("access.validator.missing_token")
	ErrInvalidToken      = errors.New("access.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("access.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("access.validator.expired")
	ErrTokenRevoked      = errors.New("access.validator.revoked")
)

// Claims represent the payload embedded inside pickauth access tokens.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// GetSubjectID returns the numeric subject id, or zero when absent.
func (claims *Claims) GetSubjectID() int64 {
	if claims == nil {
		return 0
	}
	subjectID, parseErr := strconv.ParseInt(claims.Subject, 10, 64)
	if parseErr != nil {
		return 0
	}
	return subjectID
}

// GetEmail returns the email associated with the token.
func (claims *Claims) GetEmail() string {
	if claims == nil {
		return ""
	}
	return claims.Email
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Validator validates pickauth access tokens.
type Validator struct {
	signingKey  []byte
	issuer      string
	revocations RevocationChecker
	clock       Clock
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("access.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("access.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey:  configuration.SigningKey,
		issuer:      configuration.Issuer,
		revocations: configuration.Revocations,
		clock:       clock,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed
// claims. The revocation check, when configured, runs after the signature and
// expiry checks.
func (validator *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("access.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if validator.revocations != nil {
		revoked, revokedErr := validator.revocations.IsRevoked(ctx, tokenString)
		if revokedErr != nil {
			return nil, fmt.Errorf("access.validator.validate_token: %w", revokedErr)
		}
		if revoked {
			return nil, fmt.Errorf("access.validator.validate_token: %w", ErrTokenRevoked)
		}
	}
	return claims, nil
}

// ValidateRequest reads the Authorization header from the request and
// validates the bearer token.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("access.validator.validate_request: %w", ErrMissingToken)
	}
	header := request.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, fmt.Errorf("access.validator.validate_request: %w", ErrMissingToken)
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return validator.ValidateToken(request.Context(), tokenString)
}

// GinMiddleware returns a Gin middleware that validates the bearer token and
// injects claims under the given context key.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
