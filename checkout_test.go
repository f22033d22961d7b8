package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSession(t *testing.T, config *Config, profile PurchaserProfile, drv Driver, resolver Resolver) (SessionResult, *Session) {
	t.Helper()
	target := config.Product
	s := NewSession("sess-"+profile.ID, profile, &target, drv, NewChallengeDetector(config, resolver), config, zerolog.Nop())
	return s.Run(context.Background()), s
}

func TestSessionPicksFirstAvailableVariant(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	drv.options["Small"] = false

	result, s := runSession(t, config, testProfile("alice"), drv, nil)

	assert.Equal(t, OutcomeSuccess, result.Outcome, result.Diagnostic)
	assert.Equal(t, "Success", result.FinalState)
	assert.Equal(t, "Medium", result.Variant)
	assert.Equal(t, "order confirmed", result.Diagnostic)
	assert.Equal(t, []string{"Medium"}, drv.selected)
	assert.Equal(t, 1, drv.count("click "+config.Selectors.PlaceOrderButton.Selector))
	assert.Equal(t, 1, drv.count("click "+config.Selectors.AddToCartButton.Selector))
	assert.Zero(t, s.State().totalRetries())
}

func TestSessionNeverSelectsOutsidePreferences(t *testing.T) {
	config := testConfig()
	config.VariantRetries = 2
	drv := storefront(config)
	drv.options = map[string]bool{"Large": true, "XL": true}

	result, s := runSession(t, config, testProfile("alice"), drv, nil)

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, "Failed", result.FinalState)
	assert.Equal(t, "SelectVariant", result.FailedAt)
	assert.Empty(t, drv.selected)
	assert.Equal(t, 2, drv.reloads)
	assert.Equal(t, 2, s.State().Retries[StateSelectVariant])
	assert.Contains(t, result.Diagnostic, "no preferred variant selectable after 2 reloads")
}

func TestSessionVariantAppearsAfterReload(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	drv.options = map[string]bool{}
	drv.onReload = func(d *fakeDriver) {
		if d.reloads == 3 {
			d.options["Small"] = true
		}
	}

	result, s := runSession(t, config, testProfile("alice"), drv, nil)

	require.Equal(t, OutcomeSuccess, result.Outcome, result.Diagnostic)
	assert.Equal(t, "Small", result.Variant)
	assert.Equal(t, 3, s.State().Retries[StateSelectVariant])
	assert.Equal(t, 3, result.Retries)
}

func TestSessionPaymentDeclined(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	drv.hide(config.Selectors.Confirmation)
	drv.show(config.Selectors.Declined)

	result, _ := runSession(t, config, testProfile("bob"), drv, nil)

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, "Failed", result.FinalState)
	assert.Equal(t, "VerifyResult", result.FailedAt)
	assert.Equal(t, "payment declined", result.Diagnostic)
}

func TestSessionOrderErrorText(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	drv.hide(config.Selectors.Confirmation)
	drv.show(config.Selectors.OrderError)
	drv.texts[config.Selectors.OrderError] = "Error: address could not be verified"

	result, _ := runSession(t, config, testProfile("bob"), drv, nil)

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, "order error: Error: address could not be verified", result.Diagnostic)
}

func TestSessionVerificationAmbiguous(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	drv.hide(config.Selectors.Confirmation)

	target := config.Product
	s := NewSession("sess-carol", testProfile("carol"), &target, drv, NewChallengeDetector(config, nil), config, zerolog.Nop())
	result := s.Run(context.Background())

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.NotEqual(t, OutcomeSuccess, result.Outcome)
	assert.True(t, strings.HasPrefix(result.Diagnostic, "verification ambiguous: unverified"), result.Diagnostic)
}

func TestSessionSoldOutShortCircuits(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	drv.show(config.Selectors.SoldOut)

	result, _ := runSession(t, config, testProfile("dave"), drv, nil)

	assert.Equal(t, OutcomeSoldOut, result.Outcome)
	assert.Equal(t, "SoldOut", result.FinalState)
	assert.Empty(t, drv.actions, "no element may be touched once sold out")
	assert.Zero(t, drv.reloads)
}

func TestSessionDryRunStopsBeforeSubmit(t *testing.T) {
	config := testConfig()
	config.DryRun = true
	drv := storefront(config)

	result, _ := runSession(t, config, testProfile("erin"), drv, nil)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "dry run: stopped before submission", result.Diagnostic)
	assert.Zero(t, drv.count("click "+config.Selectors.PlaceOrderButton.Selector))
	assert.Equal(t, 1, drv.count("check "+config.Selectors.SaveAddress.Selector))
}

func TestSessionCardFramesAreExited(t *testing.T) {
	config := testConfig()
	drv := storefront(config)

	result, _ := runSession(t, config, testProfile("frank"), drv, nil)
	require.Equal(t, OutcomeSuccess, result.Outcome, result.Diagnostic)

	enters, exits := 0, 0
	for _, f := range drv.frames {
		if f == "exit" {
			exits++
		} else {
			enters++
		}
	}
	assert.Equal(t, 4, enters)
	assert.Equal(t, enters, exits)
	assert.Equal(t, "exit", drv.frames[len(drv.frames)-1])
}

func TestSessionAlternatePaymentHandOff(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	sel := config.Selectors
	storeHook := drv.onAct
	drv.onAct = func(d *fakeDriver, loc Locator, a Action) {
		storeHook(d, loc, a)
		if loc == sel.AlternatePaymentButton {
			d.url = "https://www.paypal.com/checkoutnow?token=abc"
		}
	}

	profile := testProfile("gina")
	profile.Payment = PaymentAlternate
	result, _ := runSession(t, config, profile, drv, nil)

	assert.Equal(t, OutcomeSuccess, result.Outcome, result.Diagnostic)
	assert.True(t, strings.HasPrefix(result.Diagnostic, "handed off to alternate payment"), result.Diagnostic)
	assert.Zero(t, drv.count("click "+sel.PlaceOrderButton.Selector))
	assert.Zero(t, drv.count("type "+sel.Email.Selector))
	assert.Equal(t, []string{"enter " + sel.AlternatePaymentFrame.Selector, "exit"}, drv.frames)
}

func TestSessionAlternatePaymentWithoutRedirect(t *testing.T) {
	config := testConfig()
	config.Timeouts.RedirectSec = 0
	drv := storefront(config)

	profile := testProfile("gina")
	profile.Payment = PaymentAlternate
	result, _ := runSession(t, config, profile, drv, nil)

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Contains(t, result.Diagnostic, "redirect to alternate payment not confirmed")
}

func TestSessionAddToCartAttemptBound(t *testing.T) {
	config := testConfig()
	config.AddToCartMaxAttempts = 3
	drv := storefront(config)
	drv.onAct = nil // cart never confirms

	result, s := runSession(t, config, testProfile("hank"), drv, nil)

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, "AddToCart", result.FailedAt)
	assert.Equal(t, 3, drv.count("click "+config.Selectors.AddToCartButton.Selector))
	assert.Equal(t, 2, drv.reloads)
	assert.Equal(t, 2, s.State().Retries[StateAddToCart])
	assert.Contains(t, result.Diagnostic, "failed to add to cart after 3 attempts")
}

func TestSessionAddToCartRecoversAfterReload(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	sel := config.Selectors
	clicks := 0
	drv.onAct = func(d *fakeDriver, loc Locator, a Action) {
		if loc == sel.AddToCartButton {
			clicks++
			if clicks == 4 {
				d.show(sel.CartConfirmation)
			}
		}
	}

	result, s := runSession(t, config, testProfile("ivy"), drv, nil)

	require.Equal(t, OutcomeSuccess, result.Outcome, result.Diagnostic)
	assert.Equal(t, 3, drv.reloads)
	assert.Equal(t, 3, s.State().Retries[StateAddToCart])
	// variant is re-selected on every fresh render
	assert.Equal(t, []string{"Medium", "Medium", "Medium", "Medium"}, drv.selected)
}

func TestSessionAddToCartSkipsClickWhenVariantSellsOut(t *testing.T) {
	config := testConfig()
	config.AddToCartMaxAttempts = 4
	drv := storefront(config)
	sel := config.Selectors
	// first click is never confirmed
	drv.onAct = func(d *fakeDriver, loc Locator, a Action) {}
	drv.onReload = func(d *fakeDriver) {
		d.options = map[string]bool{"XL": true}
	}

	result, s := runSession(t, config, testProfile("kim"), drv, nil)

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, "AddToCart", result.FailedAt)
	assert.Empty(t, result.Variant)
	assert.Equal(t, []string{"Medium"}, drv.selected)
	assert.Equal(t, 1, drv.count("click "+sel.AddToCartButton.Selector))
	assert.Equal(t, 3, drv.reloads)
	assert.Equal(t, 3, s.State().Retries[StateAddToCart])
	assert.Contains(t, result.Diagnostic, "failed to add to cart after 4 attempts")
}

func TestSessionAddToCartWaitsForVariantRestock(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	sel := config.Selectors
	clicks := 0
	drv.onAct = func(d *fakeDriver, loc Locator, a Action) {
		if loc == sel.AddToCartButton {
			clicks++
			if clicks == 2 {
				d.show(sel.CartConfirmation)
			}
		}
	}
	drv.onReload = func(d *fakeDriver) {
		d.options["Medium"] = d.reloads != 1
	}

	result, _ := runSession(t, config, testProfile("lee"), drv, nil)

	require.Equal(t, OutcomeSuccess, result.Outcome, result.Diagnostic)
	assert.Equal(t, "Medium", result.Variant)
	assert.Equal(t, 2, drv.reloads)
	assert.Equal(t, 2, drv.count("click "+sel.AddToCartButton.Selector))
	assert.Equal(t, []string{"Medium", "Medium"}, drv.selected)
}

func TestSessionNavigateRetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name    string
		navErrs []error
		want    Outcome
	}{
		{"recovers within budget", []error{errors.New("net::ERR_CONNECTION_RESET"), errors.New("EOF")}, OutcomeSuccess},
		{"exhausts budget", []error{errors.New("net::ERR_CONNECTION_RESET"), errors.New("EOF"), errors.New("net::ERR_TIMED_OUT")}, OutcomeError},
		{"page not live yet", []error{ErrPageUnavailable}, OutcomeSuccess},
		{"non transient", []error{errors.New("invalid url")}, OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			config.NavigateRetries = 2
			drv := storefront(config)
			drv.navErrs = tt.navErrs

			result, _ := runSession(t, config, testProfile("jo"), drv, nil)
			if result.Outcome != tt.want {
				t.Errorf("outcome = %v, want %v (%s)", result.Outcome, tt.want, result.Diagnostic)
			}
		})
	}
}

func TestSessionCheckoutFallsBackToURL(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	drv.hide(config.Selectors.CheckoutButton)

	result, _ := runSession(t, config, testProfile("kim"), drv, nil)

	require.Equal(t, OutcomeSuccess, result.Outcome, result.Diagnostic)
	assert.Equal(t, []string{config.Product.URL, config.CheckoutURL}, drv.navigations)
}

func TestSessionTimesOut(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	target := config.Product
	s := NewSession("sess-late", testProfile("lee"), &target, drv, NewChallengeDetector(config, nil), config, zerolog.Nop())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	result := s.Run(ctx)

	assert.Equal(t, OutcomeTimedOut, result.Outcome)
	assert.Contains(t, result.Diagnostic, "session timeout")
	assert.Empty(t, drv.navigations)
}

func TestSessionChallengeAbandoned(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	drv.show(config.Selectors.Challenge)

	board := NewResolutionBoard(zerolog.Nop())
	result, _ := runSession(t, config, testProfile("max"), drv, board)

	assert.Equal(t, OutcomeChallengeAbandoned, result.Outcome)
	assert.Equal(t, "Navigate", result.FailedAt)
	assert.Empty(t, board.Pending())
}

func TestSessionChallengeResolved(t *testing.T) {
	config := testConfig()
	drv := storefront(config)
	drv.show(config.Selectors.Challenge)

	resolver := resolverFunc(func(ctx context.Context, sessionID string) error {
		drv.mu.Lock()
		drv.hide(config.Selectors.Challenge)
		drv.mu.Unlock()
		return nil
	})
	result, _ := runSession(t, config, testProfile("nia"), drv, resolver)

	assert.Equal(t, OutcomeSuccess, result.Outcome, result.Diagnostic)
}

type resolverFunc func(ctx context.Context, sessionID string) error

func (f resolverFunc) Await(ctx context.Context, sessionID string) error { return f(ctx, sessionID) }

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNavigate, "Navigate"},
		{StateVerifyResult, "VerifyResult"},
		{StateSoldOut, "SoldOut"},
		{State(99), "State(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestHostChanged(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{"https://shop.example.com/checkout", "https://www.paypal.com/checkoutnow", true},
		{"https://shop.example.com/checkout", "https://shop.example.com/checkout?step=2", false},
		{"https://shop.example.com/checkout", "about:blank", false},
	}
	for _, tt := range tests {
		if got := hostChanged(tt.from, tt.to); got != tt.want {
			t.Errorf("hostChanged(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
