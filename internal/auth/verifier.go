package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Beacon/internal/domain"
)

var ErrUnknownUser = errors.New("unknown user")

// UserSource answers whether an identity exists in the directory.
type UserSource interface {
	UserExists(ctx context.Context, id domain.UserID) (bool, error)
}

// Verifier resolves bearer credentials to verified identities. The token
// proves possession; the directory check rejects tokens of deleted users.
type Verifier struct {
	tokens *TokenService
	users  UserSource
}

func NewVerifier(tokens *TokenService, users UserSource) *Verifier {
	return &Verifier{tokens: tokens, users: users}
}

func (v *Verifier) Verify(ctx context.Context, credential string) (domain.UserID, error) {
	sub, err := v.tokens.ValidateToken(credential)
	if err != nil {
		return "", err
	}
	id, err := domain.ParseUserID(sub)
	if err != nil {
		return "", err
	}
	ok, err := v.users.UserExists(ctx, id)
	if err != nil {
		return "", fmt.Errorf("user lookup: %w", err)
	}
	if !ok {
		return "", ErrUnknownUser
	}
	return id, nil
}
