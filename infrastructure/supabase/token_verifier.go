package supabase

import (
	"context"

	"github.com/supabase-community/supabase-go"

	"decisium-backend/pkg/auth"
)

// TokenVerifier asks Supabase Auth who owns an access token
type TokenVerifier struct {
	lookup func(token string) (*auth.UserContext, error)
}

var _ auth.TokenVerifier = (*TokenVerifier)(nil)

// NewTokenVerifier creates a verifier backed by client
func NewTokenVerifier(client *supabase.Client) *TokenVerifier {
	return &TokenVerifier{lookup: func(token string) (*auth.UserContext, error) {
		// GetUser takes no context; the token scopes the request
		user, err := client.Auth.WithToken(token).GetUser()
		if err != nil {
			return nil, err
		}
		return &auth.UserContext{UserID: user.ID.String(), Email: user.Email}, nil
	}}
}

// Verify implements auth.TokenVerifier
func (v *TokenVerifier) Verify(ctx context.Context, token string) (*auth.UserContext, error) {
	if token == "" {
		return nil, auth.ErrMissingToken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user, err := v.lookup(token)
	if err != nil {
		return nil, auth.ErrInvalidToken
	}
	return user, nil
}
