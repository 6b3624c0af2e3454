package auth

import (
	"context"
	"errors"
)

// UserContext represents the authenticated caller
type UserContext struct {
	UserID string
	Email  string
}

type contextKey string

const userContextKey contextKey = "user"

// GetUserFromContext extracts user from context
func GetUserFromContext(ctx context.Context) (*UserContext, error) {
	user, ok := ctx.Value(userContextKey).(*UserContext)
	if !ok || user == nil {
		return nil, errors.New("user not found in context")
	}
	return user, nil
}

// SetUserInContext adds user to context
func SetUserInContext(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserID returns the caller's id, or "" when the request is anonymous.
func UserID(ctx context.Context) string {
	if u, err := GetUserFromContext(ctx); err == nil {
		return u.UserID
	}
	return ""
}
