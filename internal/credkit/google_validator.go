package credkit

import (
	"context"

	"google.golang.org/api/idtoken"
)

// ProviderGoogle is the external-provider tag for Google-owned accounts.
const ProviderGoogle = "GOOGLE"

// GoogleTokenValidator verifies a Google ID token against an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

type googleTokenValidator struct {
	validator *idtoken.Validator
}

// NewGoogleTokenValidator builds a validator backed by Google's certificates.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, err
	}
	return &googleTokenValidator{validator: validator}, nil
}

func (wrapper *googleTokenValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return wrapper.validator.Validate(ctx, token, audience)
}
