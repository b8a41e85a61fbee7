package authservice

import (
	"context"

	"github.com/coursechain/cvs/internal/domain"
)

// IAuthService mints and checks course access tokens. A token is only issued
// after an authoritative purchase check passes, and lets content callers skip
// re-reading the chain for the token's lifetime.
type IAuthService interface {
	IssueCourseAccessToken(ctx context.Context, userAddress string, courseID uint64) (string, error)
	VerifyToken(ctx context.Context, tokenString string) (*domain.AccessClaim, error)
}
