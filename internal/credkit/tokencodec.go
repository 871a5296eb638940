package credkit

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the payload embedded in access and refresh tokens. Subject carries
// the decimal subject id, Email the session lookup key.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// SubjectID returns the numeric subject id, or zero when absent.
func (claims *Claims) SubjectID() int64 {
	if claims == nil {
		return 0
	}
	subjectID, parseErr := strconv.ParseInt(claims.Subject, 10, 64)
	if parseErr != nil {
		return 0
	}
	return subjectID
}

// TokenCodec signs and parses HS256 bearer tokens. It is stateless beyond the
// immutable signing configuration and safe for concurrent use.
type TokenCodec struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
}

// NewTokenCodec validates the signing configuration and builds a codec.
func NewTokenCodec(configuration ServerConfig, clock Clock) (*TokenCodec, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("token_codec.new: %w: empty signing key", ErrSigning)
	}
	accessTTL := configuration.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := configuration.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenCodec{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clock,
	}, nil
}

// AccessTTL exposes the configured access-token lifetime.
func (codec *TokenCodec) AccessTTL() time.Duration {
	return codec.accessTTL
}

// RefreshTTL exposes the configured refresh-token lifetime.
func (codec *TokenCodec) RefreshTTL() time.Duration {
	return codec.refreshTTL
}

// IssueAccess signs a short-lived access token for the identity.
func (codec *TokenCodec) IssueAccess(identity Identity) (string, error) {
	return codec.issue(identity, codec.accessTTL)
}

// IssueRefresh signs a longer-lived refresh token for the identity.
func (codec *TokenCodec) IssueRefresh(identity Identity) (string, error) {
	return codec.issue(identity, codec.refreshTTL)
}

func (codec *TokenCodec) issue(identity Identity, ttl time.Duration) (string, error) {
	issuedAt := codec.clock.Now()
	claims := Claims{
		Email: identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    codec.issuer,
			Subject:   strconv.FormatInt(identity.ID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	signed, signErr := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(codec.signingKey)
	if signErr != nil {
		return "", fmt.Errorf("token_codec.issue: %w: %v", ErrSigning, signErr)
	}
	return signed, nil
}

// Parse verifies the signature and expiry and returns the embedded claims.
func (codec *TokenCodec) Parse(tokenString string) (*Claims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, codec.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(codec.clock.Now),
	)
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token_codec.parse: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("token_codec.parse: %w", ErrTokenMalformed)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("token_codec.parse: %w", ErrTokenMalformed)
	}
	if codec.issuer != "" && claims.Issuer != codec.issuer {
		return nil, fmt.Errorf("token_codec.parse: %w", ErrTokenMalformed)
	}
	return claims, nil
}

// RemainingLifetime returns how long the token stays valid. It sizes
// revocation TTLs only and never extends a token's life; expired tokens yield
// a zero or negative duration rather than an error.
func (codec *TokenCodec) RemainingLifetime(tokenString string) (time.Duration, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, codec.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(codec.clock.Now),
		jwt.WithoutClaimsValidation(),
	)
	if parseErr != nil {
		return 0, fmt.Errorf("token_codec.remaining_lifetime: %w", ErrTokenMalformed)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || claims.ExpiresAt == nil {
		return 0, fmt.Errorf("token_codec.remaining_lifetime: %w", ErrTokenMalformed)
	}
	return claims.ExpiresAt.Time.Sub(codec.clock.Now()), nil
}

func (codec *TokenCodec) keyFunc(parsedToken *jwt.Token) (interface{}, error) {
	return codec.signingKey, nil
}
