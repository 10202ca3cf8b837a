// Package fallback routes an action to a secondary delivery channel when the
// host cannot take it.
package fallback

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

type Mode string

const (
	ModeNavigate  Mode = "navigate"
	ModeNewWindow Mode = "new_window"
)

var mobileUserAgent = regexp.MustCompile(`(?i)iPhone|iPad|iPod|Android`)

var ErrInvalidLocator = errors.New("invalid fallback locator")

// Environment describes the caller as seen by the fallback router.
type Environment struct {
	UserAgent string
}

func (e Environment) Mobile() bool {
	return mobileUserAgent.MatchString(e.UserAgent)
}

// ModeFor picks direct navigation on mobile, where it hands off to the
// native app, and a new window on desktop.
func ModeFor(env Environment) Mode {
	if env.Mobile() {
		return ModeNavigate
	}
	return ModeNewWindow
}

type Directive struct {
	Mode Mode   `json:"mode"`
	URL  string `json:"url"`
}

type Router interface {
	Route(ctx context.Context, env Environment, locator string) (Directive, error)
}

// DirectiveRouter does not deliver anything itself; it tells the UI layer
// how to open the locator.
type DirectiveRouter struct{}

func (DirectiveRouter) Route(ctx context.Context, env Environment, locator string) (Directive, error) {
	if err := ctx.Err(); err != nil {
		return Directive{}, err
	}
	if err := ValidateLocator(locator); err != nil {
		return Directive{}, err
	}
	return Directive{Mode: ModeFor(env), URL: locator}, nil
}

// ValidateLocator only rejects blank locators. Relative and scheme-less
// locators are valid navigation targets and are passed through untouched.
func ValidateLocator(locator string) error {
	if strings.TrimSpace(locator) == "" {
		return ErrInvalidLocator
	}
	return nil
}
