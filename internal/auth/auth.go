// Package auth guards the relay endpoints with a shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

const Header = "X-Relay-Secret"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoSecret     = errors.New("relay secret is not configured")
)

type Authorizer struct {
	secret []byte
}

// NewAuthorizer fails on an empty secret, so a misconfigured relay never
// starts in an open state.
func NewAuthorizer(secret string) (*Authorizer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Authorizer{secret: []byte(secret)}, nil
}

func (a *Authorizer) Authorize(h http.Header) error {
	got := h.Get(Header)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), a.secret) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (a *Authorizer) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := a.Authorize(c.Request().Header); err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}
