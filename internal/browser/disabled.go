package browser

import (
	"context"
	"errors"
	"net/http"
)

// ErrDisabled is returned by every Disabled method.
var ErrDisabled = errors.New("headless browser disabled")

// Disabled stands in for a real driver when headless mode is switched off.
type Disabled struct{}

// NewDisabled creates a Disabled driver.
func NewDisabled() *Disabled {
	return &Disabled{}
}

// Navigate fails.
func (Disabled) Navigate(context.Context, string) error { return ErrDisabled }

// WaitVisible fails.
func (Disabled) WaitVisible(context.Context, string) error { return ErrDisabled }

// SendKeys fails.
func (Disabled) SendKeys(context.Context, string, string) error { return ErrDisabled }

// Submit fails.
func (Disabled) Submit(context.Context, string) error { return ErrDisabled }

// Location fails.
func (Disabled) Location(context.Context) (string, error) { return "", ErrDisabled }

// Evaluate fails.
func (Disabled) Evaluate(context.Context, string, any) error { return ErrDisabled }

// Cookies fails.
func (Disabled) Cookies(context.Context) ([]*http.Cookie, error) { return nil, ErrDisabled }

// ClearCookies fails.
func (Disabled) ClearCookies(context.Context) error { return ErrDisabled }

// Close is a no-op.
func (Disabled) Close() error { return nil }
