package pipeline

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService signs and validates the decision links embedded in review
// notifications. A token is scoped to one proposal so a stale link cannot act
// on a superseding revision.
type TokenService struct {
	secretKey []byte

	// DecisionTokenDuration bounds how long a review link stays usable.
	DecisionTokenDuration time.Duration
}

// DecisionClaims are the claims inside a decision token.
type DecisionClaims struct {
	ProposalID int64 `json:"proposal_id"`
	jwt.RegisteredClaims
}

// NewTokenService creates a token service over the given HMAC secret.
func NewTokenService(secretKey string) *TokenService {
	return &TokenService{
		secretKey:             []byte(secretKey),
		DecisionTokenDuration: 7 * 24 * time.Hour,
	}
}

// CreateDecisionToken signs a token authorizing decisions on one proposal.
func (ts *TokenService) CreateDecisionToken(proposalID int64) (string, error) {
	now := time.Now()
	claims := &DecisionClaims{
		ProposalID: proposalID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.DecisionTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "foiaflow",
			Subject:   fmt.Sprintf("proposal_%d", proposalID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign decision token: %w", err)
	}
	return signed, nil
}

// ValidateDecisionToken parses a decision token and returns the proposal it
// authorizes.
func (ts *TokenService) ValidateDecisionToken(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DecisionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secretKey, nil
	})
	if err != nil {
		return 0, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*DecisionClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token claims")
	}
	return claims.ProposalID, nil
}
