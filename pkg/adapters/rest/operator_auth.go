package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ErrOperatorTokenInvalid is returned by OperatorTokens.Validate for any
// malformed, unsigned, or expired operator session token.
var ErrOperatorTokenInvalid = errors.New("rest: invalid operator session token")

// OperatorClaims identifies the operator principal behind an
// admin-surfaced call (Rollback today; any future operator-only route).
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// OperatorTokens issues and validates HS256 session tokens for the
// operator-only surface of the API (e.g. approval rollback). This is
// deliberately separate from approval.TokenService: callback tokens are
// opaque MAC'd envelopes bound to one approval, while operator tokens are
// ordinary signed-in sessions bound to a person and an expiry.
type OperatorTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewOperatorTokens creates an OperatorTokens service. An empty secret is
// accepted at construction; Validate fails closed on every token when
// unconfigured, matching the fail-closed posture of every other signing
// key in this service.
func NewOperatorTokens(secret string, ttl time.Duration) *OperatorTokens {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &OperatorTokens{secret: []byte(secret), ttl: ttl}
}

// Issue mints a session token for operatorID.
func (t *OperatorTokens) Issue(operatorID string) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrOperatorTokenInvalid
	}
	now := time.Now()
	claims := OperatorClaims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			Issuer:    "github.com/evalgo/approvalflow/adapters/rest",
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

// Validate parses and verifies tokenString, returning the bound operator
// id. It fails closed (ErrOperatorTokenInvalid) on an empty secret, a bad
// signature, an unexpected algorithm, or an expired token.
func (t *OperatorTokens) Validate(tokenString string) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrOperatorTokenInvalid
	}

	tok, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("rest: unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", ErrOperatorTokenInvalid
	}

	claims, ok := tok.Claims.(*OperatorClaims)
	if !ok || !tok.Valid {
		return "", ErrOperatorTokenInvalid
	}
	return claims.OperatorID, nil
}

// RequireOperator is Echo middleware that rejects requests without a
// valid "Bearer <token>" Authorization header, and stashes the resolved
// operator id in the request context under operatorContextKey.
func RequireOperator(tokens *OperatorTokens) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing operator bearer token")
			}

			operatorID, err := tokens.Validate(strings.TrimPrefix(header, prefix))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			c.Set(operatorContextKey, operatorID)
			return next(c)
		}
	}
}

const operatorContextKey = "operator_id"

// OperatorFromContext returns the operator id RequireOperator attached to
// c, or "" if the route has no operator middleware.
func OperatorFromContext(c echo.Context) string {
	id, _ := c.Get(operatorContextKey).(string)
	return id
}
