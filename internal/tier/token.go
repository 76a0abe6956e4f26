package tier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TierClaim is the JWT claim carrying the tier name
const TierClaim = "tier"

// TokenResolver resolves HMAC-signed JWT credentials. The token's tier
// claim selects the tier and its subject, when present, is the bucket
// identity.
type TokenResolver struct {
	secret []byte
	table  *Table
	nowFn  func() time.Time
}

// NewTokenResolver creates a resolver verifying tokens with secret.
// nowFn may be nil.
func NewTokenResolver(table *Table, secret string, nowFn func() time.Time) (*TokenResolver, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret is required")
	}
	if table == nil {
		return nil, errors.New("tier table is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &TokenResolver{
		secret: []byte(secret),
		table:  table,
		nowFn:  nowFn,
	}, nil
}

func (r *TokenResolver) Resolve(credential string) Resolution {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Resolution{Outcome: OutcomeMissing}
	}

	claims, err := r.parse(credential)
	if err != nil {
		return Resolution{Outcome: OutcomeUnrecognized}
	}

	tierName, _ := claims[TierClaim].(string)
	if _, ok := r.table.Lookup(tierName); !ok {
		return Resolution{Outcome: OutcomeUnrecognized}
	}

	identity := credential
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		identity = "sub:" + sub
	}

	return Resolution{
		Outcome:  OutcomeResolved,
		Tier:     tierName,
		Identity: identity,
	}
}

func (r *TokenResolver) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Verifying signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.nowFn))

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

func (r *TokenResolver) Name() string {
	return "signed_token"
}

// IssueToken signs a credential for the given tier. Used by operators and
// tests; issuance policy lives outside the gateway.
func IssueToken(secret, tierName, subject string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		TierClaim: tierName,
	}
	if subject != "" {
		claims["sub"] = subject
	}
	if !expiresAt.IsZero() {
		claims["exp"] = expiresAt.Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
