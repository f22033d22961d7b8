package main

import (
	"context"
	"fmt"
	"time"
)

// Locator finds an element by CSS selector, optionally narrowed to elements
// whose visible text matches Text, a JavaScript regex ("Sold Out" or "/sold out/i").
type Locator struct {
	Selector string `yaml:"selector"`
	Text     string `yaml:"text,omitempty"`
}

func (l Locator) String() string {
	if l.Text == "" {
		return l.Selector
	}
	return fmt.Sprintf("%s /%s/", l.Selector, l.Text)
}

func (l Locator) IsZero() bool {
	return l.Selector == ""
}

func css(selector string) Locator {
	return Locator{Selector: selector}
}

type ActionKind int

const (
	ActionClick ActionKind = iota
	ActionType
	ActionSelect
	ActionCheck
)

func (k ActionKind) String() string {
	switch k {
	case ActionClick:
		return "click"
	case ActionType:
		return "type"
	case ActionSelect:
		return "select"
	case ActionCheck:
		return "check"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is applied to an element with Driver.Act. Value is the text to type
// or the option label to select.
type Action struct {
	Kind  ActionKind
	Value string
}

func Click() Action { return Action{Kind: ActionClick} }

func Type(value string) Action { return Action{Kind: ActionType, Value: value} }

func SelectOption(label string) Action { return Action{Kind: ActionSelect, Value: label} }

func Check() Action { return Action{Kind: ActionCheck} }

// Element is an opaque handle to a located node. A handle is only valid for
// the render it was found in; callers look elements up again after any
// navigation or reload.
type Element interface {
	Describe() string
}

// Driver is the page automation contract the checkout engine depends on.
//
// Lookups fail with ErrElementTimeout when the condition is not met within
// the timeout. Act fails with ErrNotSelectable when an option label is absent
// or disabled. No method retries on its own.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitFor(ctx context.Context, loc Locator, timeout time.Duration) (Element, error)
	// WaitAny returns the index of the first locator to match.
	WaitAny(ctx context.Context, timeout time.Duration, locs ...Locator) (int, Element, error)
	// WaitGone waits until no element matches loc.
	WaitGone(ctx context.Context, loc Locator, timeout time.Duration) error
	Act(ctx context.Context, el Element, action Action) error
	Text(ctx context.Context, el Element) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
	// EnterFrame scopes subsequent lookups to the iframe el; ExitFrame returns to the top document.
	EnterFrame(ctx context.Context, el Element) error
	ExitFrame() error
	Close() error
}

// DriverFactory hands out one isolated driver per session.
type DriverFactory interface {
	NewDriver(ctx context.Context, sessionID string) (Driver, error)
}

// DriverFactoryFunc adapts a function to DriverFactory.
type DriverFactoryFunc func(ctx context.Context, sessionID string) (Driver, error)

func (f DriverFactoryFunc) NewDriver(ctx context.Context, sessionID string) (Driver, error) {
	return f(ctx, sessionID)
}

// findAndAct looks an element up fresh and applies a single action to it.
func findAndAct(ctx context.Context, d Driver, loc Locator, timeout time.Duration, action Action) error {
	el, err := d.WaitFor(ctx, loc, timeout)
	if err != nil {
		return fmt.Errorf("locate %s: %w", loc, err)
	}
	if err := d.Act(ctx, el, action); err != nil {
		return fmt.Errorf("%s %s: %w", action.Kind, loc, err)
	}
	return nil
}
