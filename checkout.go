package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

type State int

const (
	StateNavigate State = iota
	StateCheckAvailability
	StateSelectVariant
	StateAddToCart
	StateCheckout
	StateFillForm
	StateSubmitPayment
	StateVerifyResult
	StateSuccess
	StateSoldOut
	StateFailed
)

var stateNames = [...]string{
	StateNavigate:          "Navigate",
	StateCheckAvailability: "CheckAvailability",
	StateSelectVariant:     "SelectVariant",
	StateAddToCart:         "AddToCart",
	StateCheckout:          "Checkout",
	StateFillForm:          "FillForm",
	StateSubmitPayment:     "SubmitPayment",
	StateVerifyResult:      "VerifyResult",
	StateSuccess:           "Success",
	StateSoldOut:           "SoldOut",
	StateFailed:            "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateSoldOut || s == StateFailed
}

// optionalFieldTimeout bounds lookups for fields a checkout page may not render.
const optionalFieldTimeout = 2 * time.Second

// Session drives one purchase attempt through the checkout states. It owns
// its driver and state exclusively; the product target is shared read-only.
type Session struct {
	ID      string
	Profile PurchaserProfile
	Target  *ProductTarget

	driver    Driver
	challenge *ChallengeDetector
	config    *Config
	log       zerolog.Logger
	rand      *rand.Rand
	state     *SessionState
	failedAt  State
	note      string
	now       func() time.Time
}

func NewSession(id string, profile PurchaserProfile, target *ProductTarget, drv Driver, challenge *ChallengeDetector, config *Config, log zerolog.Logger) *Session {
	return &Session{
		ID:        id,
		Profile:   profile,
		Target:    target,
		driver:    drv,
		challenge: challenge,
		config:    config,
		log:       log,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		state:     newSessionState(time.Now()),
		now:       time.Now,
	}
}

// State exposes the session record for inspection once Run has returned.
func (s *Session) State() *SessionState {
	return s.state
}

// Run executes states strictly in order until a terminal state is reached
// or ctx ends, and returns the session's single result.
func (s *Session) Run(ctx context.Context) SessionResult {
	s.log.Info().Str("url", s.Target.URL).Strs("variants", s.Target.Variants).Msg("🚀 Session started")

	for !s.state.Done() {
		current := s.state.State

		if err := ctx.Err(); err != nil {
			s.fail(current, s.timeoutError(ctx, current))
			break
		}

		s.log.Debug().Stringer("state", current).Msg("Entering state")
		next, err := s.step(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				err = s.timeoutError(ctx, current)
			}
			s.fail(current, err)
			break
		}

		switch next {
		case StateSuccess:
			s.state.finish(StateSuccess, OutcomeSuccess, s.note)
		case StateSoldOut:
			s.state.finish(StateSoldOut, OutcomeSoldOut, "sold-out marker present on product page")
		default:
			s.state.State = next
			if err := s.pause(ctx); err != nil {
				s.fail(next, s.timeoutError(ctx, next))
			}
		}
	}

	result := s.result()
	event := s.log.Info()
	if result.Outcome != OutcomeSuccess {
		event = s.log.Warn()
	}
	event.Str("outcome", string(result.Outcome)).
		Str("state", result.FinalState).
		Str("elapsed", durationField(result.Elapsed)).
		Str("diagnostic", result.Diagnostic).
		Msg("Session finished")
	return result
}

func (s *Session) step(ctx context.Context, state State) (State, error) {
	switch state {
	case StateNavigate:
		return s.navigate(ctx)
	case StateCheckAvailability:
		return s.checkAvailability(ctx)
	case StateSelectVariant:
		return s.selectVariant(ctx)
	case StateAddToCart:
		return s.addToCart(ctx)
	case StateCheckout:
		return s.checkout(ctx)
	case StateFillForm:
		return s.fillForm(ctx)
	case StateSubmitPayment:
		return s.submitPayment(ctx)
	case StateVerifyResult:
		return s.verifyResult(ctx)
	default:
		return StateFailed, fmt.Errorf("no handler for state %s", state)
	}
}

func (s *Session) navigate(ctx context.Context) (State, error) {
	attemptNum := 0
	for {
		attemptNum++
		err := s.driver.Navigate(ctx, s.Target.URL)
		if err == nil {
			break
		}
		transient := isNetworkError(err) || errors.Is(err, ErrPageUnavailable)
		if !transient || attemptNum > s.config.NavigateRetries || ctx.Err() != nil {
			return StateFailed, fmt.Errorf("load product page: %w", err)
		}

		s.countRetry(StateNavigate)
		s.log.Warn().Int("attempt", attemptNum).Err(err).Msg("⚠️  Navigation error - retrying")
		if err := s.backoff(ctx); err != nil {
			return StateFailed, err
		}
	}

	if err := s.challenge.CheckAndResolve(ctx, s.driver, s.ID, s.log); err != nil {
		return StateFailed, err
	}
	return StateCheckAvailability, nil
}

func (s *Session) checkAvailability(ctx context.Context) (State, error) {
	sel := s.config.Selectors.SoldOut
	if sel.IsZero() {
		return StateSelectVariant, nil
	}

	_, err := s.driver.WaitFor(ctx, sel, msDuration(s.config.Timeouts.SoldOutProbeMs))
	switch {
	case err == nil:
		s.log.Warn().Msg("❌ This item is sold out")
		return StateSoldOut, nil
	case errors.Is(err, ErrElementTimeout), errors.Is(err, ErrElementNotFound):
		s.log.Info().Msg("Item is available")
		return StateSelectVariant, nil
	default:
		return StateFailed, fmt.Errorf("sold-out probe: %w", err)
	}
}

func (s *Session) selectVariant(ctx context.Context) (State, error) {
	for {
		label, err := s.pickVariant(ctx)
		if err == nil {
			s.state.SelectedVariant = label
			return StateAddToCart, nil
		}
		if !isLookupMiss(err) {
			return StateFailed, err
		}

		if reloads := s.state.Retries[StateSelectVariant]; reloads >= s.config.VariantRetries {
			return StateFailed, fmt.Errorf("no preferred variant selectable after %d reloads: %w", reloads, err)
		}
		n := s.countRetry(StateSelectVariant)
		s.log.Warn().Int("attempt", n).Err(err).Msg("All preferred variants unavailable - refreshing")
		if err := s.reload(ctx); err != nil {
			return StateFailed, err
		}
	}
}

// pickVariant walks the preference list in order and selects the first
// label the page accepts. Labels outside the list are never tried.
func (s *Session) pickVariant(ctx context.Context) (string, error) {
	sel := s.config.Selectors.VariantDropdown
	if sel.IsZero() || len(s.Target.Variants) == 0 {
		return "", nil
	}

	dropdown, err := s.driver.WaitFor(ctx, sel, s.elementTimeout())
	if err != nil {
		return "", fmt.Errorf("variant selector: %w", err)
	}

	for _, label := range s.Target.Variants {
		err := s.driver.Act(ctx, dropdown, SelectOption(label))
		if err == nil {
			s.log.Info().Str("variant", label).Msg("✓ Selected variant")
			return label, nil
		}
		if !errors.Is(err, ErrNotSelectable) && !errors.Is(err, ErrElementNotFound) {
			return "", fmt.Errorf("select %q: %w", label, err)
		}
		s.log.Debug().Str("variant", label).Msg("Variant not selectable, trying next")
	}

	return "", fmt.Errorf("%w: none of %v", ErrNotSelectable, s.Target.Variants)
}

// addToCart keeps refreshing until the cart accepts the item. The only
// bounds are add_to_cart_max_attempts (0 = none) and the session deadline.
func (s *Session) addToCart(ctx context.Context) (State, error) {
	maxAttempts := s.config.AddToCartMaxAttempts
	attemptNum := 0
	for {
		attemptNum++

		if attemptNum > 1 {
			if err := s.reload(ctx); err != nil {
				return StateFailed, err
			}
			label, err := s.pickVariant(ctx)
			if err != nil {
				if !isLookupMiss(err) || ctx.Err() != nil {
					return StateFailed, err
				}
				// Never click add-to-cart without a preferred variant selected on this render.
				s.state.SelectedVariant = ""
				if maxAttempts > 0 && attemptNum >= maxAttempts {
					return StateFailed, fmt.Errorf("failed to add to cart after %d attempts: %w", attemptNum, err)
				}
				s.countRetry(StateAddToCart)
				s.log.Warn().Int("attempt", attemptNum).Err(err).Msg("No preferred variant selectable after refresh - retrying")
				continue
			}
			s.state.SelectedVariant = label
		}

		err := s.tryAddToCart(ctx)
		if err == nil {
			if attemptNum > 1 {
				s.log.Info().Int("attempts", attemptNum).Msg("✅ Successfully added to cart")
			} else {
				s.log.Info().Msg("✅ Added to cart")
			}
			return StateCheckout, nil
		}
		if !isLookupMiss(err) || ctx.Err() != nil {
			return StateFailed, err
		}
		if maxAttempts > 0 && attemptNum >= maxAttempts {
			return StateFailed, fmt.Errorf("failed to add to cart after %d attempts: %w", attemptNum, err)
		}

		s.countRetry(StateAddToCart)
		if attemptNum <= 3 || attemptNum%10 == 0 {
			s.log.Info().Int("attempt", attemptNum).Err(err).Msg("🔄 Add to cart not confirmed yet - refreshing and retrying")
		}
	}
}

func (s *Session) tryAddToCart(ctx context.Context) error {
	if err := findAndAct(ctx, s.driver, s.config.Selectors.AddToCartButton, s.elementTimeout(), Click()); err != nil {
		return err
	}
	if sel := s.config.Selectors.CartConfirmation; !sel.IsZero() {
		if _, err := s.driver.WaitFor(ctx, sel, msDuration(s.config.Timeouts.AddToCartConfirmMs)); err != nil {
			return fmt.Errorf("cart confirmation: %w", err)
		}
	}
	return nil
}

func (s *Session) checkout(ctx context.Context) (State, error) {
	sel := s.config.Selectors.CheckoutButton
	clicked := false
	if !sel.IsZero() {
		err := findAndAct(ctx, s.driver, sel, s.elementTimeout(), Click())
		switch {
		case err == nil:
			clicked = true
		case s.config.CheckoutURL == "" || !isLookupMiss(err):
			return StateFailed, fmt.Errorf("checkout button: %w", err)
		default:
			s.log.Warn().Err(err).Msg("Checkout button missing - navigating to checkout URL")
		}
	}
	if !clicked {
		if s.config.CheckoutURL == "" {
			return StateFailed, errors.New("no checkout button or checkout_url configured")
		}
		if err := s.driver.Navigate(ctx, s.config.CheckoutURL); err != nil {
			return StateFailed, fmt.Errorf("load checkout page: %w", err)
		}
	}

	s.log.Info().Msg("➡️  On checkout page")
	if err := s.challenge.CheckAndResolve(ctx, s.driver, s.ID, s.log); err != nil {
		return StateFailed, err
	}
	return StateFillForm, nil
}

type formField struct {
	name   string
	loc    Locator
	action Action
}

func (s *Session) fillForm(ctx context.Context) (State, error) {
	if s.Profile.Payment == PaymentAlternate {
		return s.handOffAlternatePayment(ctx)
	}

	sel := s.config.Selectors
	p := s.Profile

	s.log.Info().Msg("Filling in contact and delivery information...")
	fields := []formField{
		{"email", sel.Email, Type(p.Email)},
		{"first name", sel.FirstName, Type(p.FirstName)},
		{"last name", sel.LastName, Type(p.LastName)},
		{"country", sel.Country, SelectOption(p.CountryCode)},
		{"address", sel.Address1, Type(p.Address1)},
		{"address line 2", sel.Address2, Type(p.Address2)},
		{"city", sel.City, Type(p.City)},
		{"state", sel.State, SelectOption(p.StateCode)},
		{"postal code", sel.PostalCode, Type(p.PostalCode)},
		{"phone", sel.Phone, Type(p.Phone)},
	}
	for _, f := range fields {
		if f.loc.IsZero() || f.action.Value == "" {
			continue
		}
		if err := findAndAct(ctx, s.driver, f.loc, s.elementTimeout(), f.action); err != nil {
			return StateFailed, fmt.Errorf("fill %s: %w", f.name, err)
		}
	}

	if !sel.SaveAddress.IsZero() {
		if err := findAndAct(ctx, s.driver, sel.SaveAddress, optionalFieldTimeout, Check()); err != nil {
			if ctx.Err() != nil {
				return StateFailed, err
			}
			s.log.Warn().Err(err).Msg("The 'Save Address' checkbox was not usable. Skipping.")
		}
	}

	s.log.Info().Msg("Filling in payment information...")
	cardFields := []struct {
		name  string
		frame Locator
		field Locator
		value string
	}{
		{"card number", sel.CardNumberFrame, sel.CardNumber, p.Card.Number},
		{"expiry date", sel.ExpiryFrame, sel.Expiry, p.Card.Expiry},
		{"security code", sel.CVVFrame, sel.CVV, p.Card.CVV},
		{"name on card", sel.NameOnCardFrame, sel.NameOnCard, p.Card.NameOnCard},
	}
	for _, f := range cardFields {
		if f.field.IsZero() {
			continue
		}
		if err := s.fillInFrame(ctx, f.frame, f.field, f.value); err != nil {
			return StateFailed, fmt.Errorf("fill %s: %w", f.name, err)
		}
		s.log.Debug().Str("field", f.name).Msg("Filled")
	}

	if s.config.DryRun {
		s.log.Info().Msg("🧪 DRY RUN - Stopping before final submission")
		s.note = "dry run: stopped before submission"
		return StateSuccess, nil
	}
	return StateSubmitPayment, nil
}

// fillInFrame types into a field hosted in an iframe. The driver is always
// returned to the top document, including on failure.
func (s *Session) fillInFrame(ctx context.Context, frame, field Locator, value string) (err error) {
	if frame.IsZero() {
		return findAndAct(ctx, s.driver, field, s.elementTimeout(), Type(value))
	}

	frameEl, err := s.driver.WaitFor(ctx, frame, s.elementTimeout())
	if err != nil {
		return fmt.Errorf("locate frame %s: %w", frame, err)
	}
	if err := s.driver.EnterFrame(ctx, frameEl); err != nil {
		return fmt.Errorf("enter frame %s: %w", frame, err)
	}
	defer func() {
		if exitErr := s.driver.ExitFrame(); exitErr != nil && err == nil {
			err = fmt.Errorf("exit frame %s: %w", frame, exitErr)
		}
	}()

	return findAndAct(ctx, s.driver, field, s.elementTimeout(), Type(value))
}

// handOffAlternatePayment starts the delegated payment flow and ends the
// session once the browser has left the store; a human finishes the rest.
func (s *Session) handOffAlternatePayment(ctx context.Context) (State, error) {
	sel := s.config.Selectors
	s.log.Info().Msg("Proceeding with alternate payment checkout")

	if err := findAndAct(ctx, s.driver, sel.AlternatePaymentRadio, s.elementTimeout(), Click()); err != nil {
		return StateFailed, fmt.Errorf("alternate payment option: %w", err)
	}

	if s.config.DryRun {
		s.log.Info().Msg("🧪 DRY RUN - Stopping before alternate payment hand-off")
		s.note = "dry run: stopped before alternate payment hand-off"
		return StateSuccess, nil
	}

	startURL, err := s.driver.CurrentURL(ctx)
	if err != nil {
		return StateFailed, fmt.Errorf("read current url: %w", err)
	}

	if err := s.clickInFrame(ctx, sel.AlternatePaymentFrame, sel.AlternatePaymentButton); err != nil {
		return StateFailed, fmt.Errorf("alternate payment button: %w", err)
	}

	redirected, err := s.waitForRedirect(ctx, startURL, time.Duration(s.config.Timeouts.RedirectSec)*time.Second)
	if err != nil {
		return StateFailed, err
	}

	s.log.Info().Str("url", redirected).Msg("Handed over control for alternate payment. Please complete the process manually.")
	s.note = "handed off to alternate payment: " + redirected
	return StateSuccess, nil
}

func (s *Session) clickInFrame(ctx context.Context, frame, button Locator) (err error) {
	if frame.IsZero() {
		return findAndAct(ctx, s.driver, button, s.elementTimeout(), Click())
	}

	frameEl, err := s.driver.WaitFor(ctx, frame, s.elementTimeout())
	if err != nil {
		return fmt.Errorf("locate frame %s: %w", frame, err)
	}
	if err := s.driver.EnterFrame(ctx, frameEl); err != nil {
		return fmt.Errorf("enter frame %s: %w", frame, err)
	}
	defer func() {
		if exitErr := s.driver.ExitFrame(); exitErr != nil && err == nil {
			err = fmt.Errorf("exit frame %s: %w", frame, exitErr)
		}
	}()

	return findAndAct(ctx, s.driver, button, s.elementTimeout(), Click())
}

// waitForRedirect polls the current URL until it points at a different host than startURL.
func (s *Session) waitForRedirect(ctx context.Context, startURL string, timeout time.Duration) (string, error) {
	deadline := s.now().Add(timeout)
	for {
		current, err := s.driver.CurrentURL(ctx)
		if err != nil {
			return "", fmt.Errorf("read current url: %w", err)
		}
		if hostChanged(startURL, current) {
			return current, nil
		}
		if !s.now().Before(deadline) {
			return "", fmt.Errorf("%w: redirect to alternate payment not confirmed within %v", ErrElementTimeout, timeout)
		}
		if err := sleepCtx(ctx, 250*time.Millisecond); err != nil {
			return "", err
		}
	}
}

func hostChanged(from, to string) bool {
	a, errA := url.Parse(from)
	b, errB := url.Parse(to)
	if errA != nil || errB != nil {
		return from != to
	}
	return b.Host != "" && a.Host != b.Host
}

func (s *Session) submitPayment(ctx context.Context) (State, error) {
	if err := s.challenge.CheckAndResolve(ctx, s.driver, s.ID, s.log); err != nil {
		return StateFailed, err
	}

	s.log.Info().Msg("Submitting the order...")
	if err := findAndAct(ctx, s.driver, s.config.Selectors.PlaceOrderButton, s.elementTimeout(), Click()); err != nil {
		return StateFailed, fmt.Errorf("place order: %w", err)
	}
	return StateVerifyResult, nil
}

// verifyResult treats the first of confirmation, decline or error text to
// appear as authoritative. If none appears the order is unverified, never
// assumed successful.
func (s *Session) verifyResult(ctx context.Context) (State, error) {
	sel := s.config.Selectors
	timeout := time.Duration(s.config.Timeouts.VerifySec) * time.Second

	s.log.Info().Msg("Verifying order status...")
	idx, el, err := s.driver.WaitAny(ctx, timeout, sel.Confirmation, sel.Declined, sel.OrderError)
	if err != nil {
		if errors.Is(err, ErrElementTimeout) && ctx.Err() == nil {
			s.log.Error().Msg("Could not verify order status. Please check the website manually.")
			return StateFailed, fmt.Errorf("%w: unverified, no confirmation or failure text within %v", ErrVerificationAmbiguous, timeout)
		}
		return StateFailed, fmt.Errorf("verify order: %w", err)
	}

	switch idx {
	case 0:
		s.log.Info().Msg("✅ Payment was successful! Order confirmed.")
		s.note = "order confirmed"
		return StateSuccess, nil
	case 1:
		s.log.Error().Msg("❌ Payment declined")
		return StateFailed, ErrPaymentDeclined
	default:
		text, textErr := s.driver.Text(ctx, el)
		if textErr != nil || text == "" {
			text = "error message shown on page"
		}
		s.log.Error().Str("text", text).Msg("❌ Order failed")
		return StateFailed, fmt.Errorf("%w: %s", ErrOrderError, text)
	}
}

func (s *Session) fail(state State, err error) {
	if s.state.finish(StateFailed, outcomeFor(err), diagnosticFor(err)) {
		s.failedAt = state
	}
	s.log.Error().Stringer("state", state).Err(stepErr(state, err)).Msg("State failed")
}

func diagnosticFor(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Err.Error()
	}
	return err.Error()
}

func (s *Session) timeoutError(ctx context.Context, state State) error {
	elapsed := s.now().Sub(s.state.Started)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s in %s", ErrSessionTimeout, durationField(elapsed), state)
	}
	return fmt.Errorf("session canceled in %s: %w", state, ctx.Err())
}

func (s *Session) result() SessionResult {
	finished := s.now()
	failedAt := ""
	if s.state.State == StateFailed {
		failedAt = s.failedAt.String()
	}
	return SessionResult{
		SessionID:  s.ID,
		ProfileID:  s.Profile.Identifier(),
		Outcome:    s.state.Outcome(),
		FinalState: s.state.State.String(),
		FailedAt:   failedAt,
		Variant:    s.state.SelectedVariant,
		Started:    s.state.Started,
		Finished:   finished,
		Elapsed:    finished.Sub(s.state.Started),
		Retries:    s.state.totalRetries(),
		Diagnostic: s.state.Diagnostic(),
	}
}

func (s *Session) countRetry(state State) int {
	recordRetry(state)
	return s.state.retry(state)
}

func (s *Session) elementTimeout() time.Duration {
	return msDuration(s.config.Timeouts.ElementMs)
}

// reload waits a randomized backoff and reloads the page. Handles from the
// previous render must not be reused afterwards.
func (s *Session) reload(ctx context.Context) error {
	if err := s.backoff(ctx); err != nil {
		return err
	}
	if err := s.driver.Reload(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

func (s *Session) backoff(ctx context.Context) error {
	minMs := s.config.RetryDelayMinMs
	maxMs := s.config.RetryDelayMaxMs
	delayMs := minMs
	if maxMs > minMs {
		delayMs += s.rand.Intn(maxMs - minMs + 1)
	}
	return sleepCtx(ctx, msDuration(delayMs))
}

// pause adds a human-like gap between states.
func (s *Session) pause(ctx context.Context) error {
	min := s.config.MinDelayBetween
	max := s.config.MaxDelayBetween
	if max <= 0 {
		return ctx.Err()
	}
	duration := min + s.rand.Float64()*(max-min)
	return sleepCtx(ctx, time.Duration(duration*float64(time.Second)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
