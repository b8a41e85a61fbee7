package domain

import "github.com/dgrijalva/jwt-go"

// AccessClaim is minted after a TransactionGate purchase check passes and
// lets course-content callers skip re-reading the chain for the token's
// lifetime.
type AccessClaim struct {
	UserAddress string `json:"user_address"`
	CourseID    uint64 `json:"course_id"`
	jwt.StandardClaims
}
