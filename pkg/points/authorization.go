package points

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SettlementAction names the escrow resolution a token authorizes.
type SettlementAction string

const (
	ActionSettle        SettlementAction = "settle"
	ActionRefund        SettlementAction = "refund"
	ActionPartialSettle SettlementAction = "partial_settle"
)

// SettlementAuthorizer issues and verifies the short-lived tokens the
// settlement authority must present on settle/refund/partial-settle. Tokens
// are HMAC-signed and bound to {escrow id, amount, action, expiry}. Key
// rotation and revocation live outside this core; the secret is injected.
type SettlementAuthorizer struct {
	signingSecret []byte
	issuer        string
	tokenTTL      time.Duration
	nowFn         func() time.Time
}

type settlementClaims struct {
	jwt.RegisteredClaims
	EscrowID     string `json:"escrow_id"`
	AmountPoints int64  `json:"amount_points"`
	Action       string `json:"action"`
}

// AuthorizerOption configures a SettlementAuthorizer.
type AuthorizerOption func(*SettlementAuthorizer)

// WithTokenTTL overrides the default five-minute token lifetime.
func WithTokenTTL(ttl time.Duration) AuthorizerOption {
	return func(authorizer *SettlementAuthorizer) {
		if ttl > 0 {
			authorizer.tokenTTL = ttl
		}
	}
}

// WithAuthorizerClock overrides the clock, for tests.
func WithAuthorizerClock(now func() time.Time) AuthorizerOption {
	return func(authorizer *SettlementAuthorizer) {
		if now != nil {
			authorizer.nowFn = now
		}
	}
}

// NewSettlementAuthorizer wires an authorizer over a shared secret.
func NewSettlementAuthorizer(signingSecret []byte, issuer string, options ...AuthorizerOption) (*SettlementAuthorizer, error) {
	if len(signingSecret) == 0 {
		return nil, fmt.Errorf("%w: empty signing secret", ErrInvalidAuthorizerConfig)
	}
	if issuer == "" {
		return nil, fmt.Errorf("%w: empty issuer", ErrInvalidAuthorizerConfig)
	}
	authorizer := &SettlementAuthorizer{
		signingSecret: signingSecret,
		issuer:        issuer,
		tokenTTL:      defaultTokenTTL,
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(authorizer)
		}
	}
	return authorizer, nil
}

// Issue mints a token for one escrow resolution. Used by the settlement
// authority and by tests.
func (authorizer *SettlementAuthorizer) Issue(escrowID string, amount Points, action SettlementAction) (string, error) {
	if escrowID == "" {
		return "", fmt.Errorf("%w: empty escrow id", ErrInvalidAuthorization)
	}
	now := authorizer.nowFn()
	claims := settlementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    authorizer.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(authorizer.tokenTTL)),
		},
		EscrowID:     escrowID,
		AmountPoints: amount.Int64(),
		Action:       string(action),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(authorizer.signingSecret)
	if err != nil {
		return "", fmt.Errorf("sign settlement token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, and exact claim match against the request.
func (authorizer *SettlementAuthorizer) Verify(tokenString string, escrowID string, amount Points, action SettlementAction) error {
	claims := &settlementClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return authorizer.signingSecret, nil
	},
		jwt.WithIssuer(authorizer.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(authorizer.nowFn),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthorization, err)
	}
	if !parsed.Valid {
		return fmt.Errorf("%w: token not valid", ErrInvalidAuthorization)
	}
	if claims.EscrowID != escrowID {
		return fmt.Errorf("%w: escrow mismatch", ErrInvalidAuthorization)
	}
	if claims.AmountPoints != amount.Int64() {
		return fmt.Errorf("%w: amount mismatch", ErrInvalidAuthorization)
	}
	if claims.Action != string(action) {
		return fmt.Errorf("%w: action mismatch", ErrInvalidAuthorization)
	}
	return nil
}
