package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ReleaseTime         string   `yaml:"release_time"`
	Timezone            string   `yaml:"timezone"`
	EnableTimer         bool     `yaml:"enable_timer"`
	PreWindowSeconds    int      `yaml:"pre_window_seconds"`
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
	ProbeURL            string   `yaml:"probe_url"`
	ProbeTimeoutSeconds int      `yaml:"probe_timeout_seconds"`
	EnableTimeSync      bool     `yaml:"enable_time_sync"`
	TimeSyncServers     []string `yaml:"time_sync_servers"`

	Product     ProductTarget      `yaml:"product"`
	CheckoutURL string             `yaml:"checkout_url"`
	Profiles    []PurchaserProfile `yaml:"profiles"`

	BrowserProfilePath string `yaml:"browser_profile_path"`
	Headless           bool   `yaml:"headless"`
	ViewportWidth      int    `yaml:"viewport_width"`
	ViewportHeight     int    `yaml:"viewport_height"`
	HumanizeClicks     bool   `yaml:"humanize_clicks"`

	PageLoadTimeout int     `yaml:"page_load_timeout"`
	MinDelayBetween float64 `yaml:"min_delay_between"`
	MaxDelayBetween float64 `yaml:"max_delay_between"`
	RetryDelayMinMs int     `yaml:"retry_delay_min_ms"`
	RetryDelayMaxMs int     `yaml:"retry_delay_max_ms"`

	LaunchJitterMinMs     int `yaml:"launch_jitter_min_ms"`
	LaunchJitterMaxMs     int `yaml:"launch_jitter_max_ms"`
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
	SessionTimeoutSeconds int `yaml:"session_timeout_seconds"`

	NavigateRetries      int `yaml:"navigate_retries"`
	VariantRetries       int `yaml:"variant_retries"`
	AddToCartMaxAttempts int `yaml:"add_to_cart_max_attempts"`

	Timeouts TimeoutConfig `yaml:"timeouts"`

	DryRun          bool   `yaml:"dry_run"`
	DebugMode       bool   `yaml:"debug_mode"`
	StatusAddr      string `yaml:"status_addr"`
	ConsoleResolver bool   `yaml:"console_resolver"`
	ReportPath      string `yaml:"report_path"`

	Selectors SelectorConfig `yaml:"selectors"`
}

// TimeoutConfig holds the per-state wait bounds.
type TimeoutConfig struct {
	ElementMs           int `yaml:"element_ms"`
	SoldOutProbeMs      int `yaml:"sold_out_probe_ms"`
	AddToCartConfirmMs  int `yaml:"add_to_cart_confirm_ms"`
	ChallengeProbeMs    int `yaml:"challenge_probe_ms"`
	ChallengeResolveSec int `yaml:"challenge_resolve_sec"`
	ChallengeClearSec   int `yaml:"challenge_clear_sec"`
	VerifySec           int `yaml:"verify_sec"`
	RedirectSec         int `yaml:"redirect_sec"`
}

type SelectorConfig struct {
	SoldOut          Locator `yaml:"sold_out"`
	VariantDropdown  Locator `yaml:"variant_dropdown"`
	AddToCartButton  Locator `yaml:"add_to_cart_button"`
	CartConfirmation Locator `yaml:"cart_confirmation"`
	CheckoutButton   Locator `yaml:"checkout_button"`
	ProbeReady       Locator `yaml:"probe_ready"`
	Challenge        Locator `yaml:"challenge"`

	Email       Locator `yaml:"email"`
	FirstName   Locator `yaml:"first_name"`
	LastName    Locator `yaml:"last_name"`
	Country     Locator `yaml:"country"`
	Address1    Locator `yaml:"address1"`
	Address2    Locator `yaml:"address2"`
	City        Locator `yaml:"city"`
	State       Locator `yaml:"state"`
	PostalCode  Locator `yaml:"postal_code"`
	Phone       Locator `yaml:"phone"`
	SaveAddress Locator `yaml:"save_address"`

	CardNumberFrame Locator `yaml:"card_number_frame"`
	CardNumber      Locator `yaml:"card_number"`
	ExpiryFrame     Locator `yaml:"expiry_frame"`
	Expiry          Locator `yaml:"expiry"`
	CVVFrame        Locator `yaml:"cvv_frame"`
	CVV             Locator `yaml:"cvv"`
	NameOnCardFrame Locator `yaml:"name_on_card_frame"`
	NameOnCard      Locator `yaml:"name_on_card"`

	AlternatePaymentRadio  Locator `yaml:"alternate_payment_radio"`
	AlternatePaymentFrame  Locator `yaml:"alternate_payment_frame"`
	AlternatePaymentButton Locator `yaml:"alternate_payment_button"`

	PlaceOrderButton Locator `yaml:"place_order_button"`
	Confirmation     Locator `yaml:"confirmation"`
	Declined         Locator `yaml:"declined"`
	OrderError       Locator `yaml:"order_error"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		Timezone:            "America/New_York",
		EnableTimer:         true,
		PreWindowSeconds:    60,
		PollIntervalSeconds: 5,
		ProbeTimeoutSeconds: 5,
		EnableTimeSync:      true,
		TimeSyncServers: []string{
			"https://www.google.com",
			"https://www.cloudflare.com",
			"https://www.amazon.com",
		},
		Product: ProductTarget{
			Variants: []string{"Small", "Medium"},
		},
		BrowserProfilePath:    filepath.Join(userDataDir, "browser-profiles"),
		Headless:              false,
		ViewportWidth:         1920,
		ViewportHeight:        1080,
		HumanizeClicks:        true,
		PageLoadTimeout:       30,
		MinDelayBetween:       0.2,
		MaxDelayBetween:       0.6,
		RetryDelayMinMs:       800,
		RetryDelayMaxMs:       2000,
		LaunchJitterMinMs:     500,
		LaunchJitterMaxMs:     2500,
		MaxConcurrentSessions: 0,
		SessionTimeoutSeconds: 900,
		NavigateRetries:       2,
		VariantRetries:        10,
		AddToCartMaxAttempts:  0,
		Timeouts: TimeoutConfig{
			ElementMs:           10000,
			SoldOutProbeMs:      5000,
			AddToCartConfirmMs:  5000,
			ChallengeProbeMs:    5000,
			ChallengeResolveSec: 180,
			ChallengeClearSec:   30,
			VerifySec:           10,
			RedirectSec:         15,
		},
		ConsoleResolver: true,
		ReportPath:      "dropper-report.yaml",
		Selectors: SelectorConfig{
			SoldOut:          css(`button[data-testid="sold-out-button"][disabled]`),
			VariantDropdown:  css(`select[data-testid="size-dropdown"]`),
			AddToCartButton:  css(`button[data-testid="add-to-cart-button"]:not([disabled])`),
			CartConfirmation: css(`a[href*="/checkout"], [data-testid="cart-count"]`),
			CheckoutButton:   css(`a[href*="/checkout"]`),
			ProbeReady:       css(`button[data-testid="add-to-cart-button"]`),
			Challenge:        css(`iframe[src*="captcha"], #cf-turnstile-container, #cf-wrapper, #turnstile-wrapper`),

			Email:       css(`#email`),
			FirstName:   css(`input[name="firstName"]`),
			LastName:    css(`input[name="lastName"]`),
			Country:     css(`select[name="countryCode"]`),
			Address1:    css(`#shipping-address1`),
			Address2:    css(`input[name="address2"]`),
			City:        css(`input[name="city"]`),
			State:       css(`select[name="zone"]`),
			PostalCode:  css(`input[name="postalCode"]`),
			Phone:       css(`input[name="phone"]`),
			SaveAddress: css(`#save_shipping_information`),

			CardNumberFrame: css(`iframe[title="Field container for: Card number"]`),
			CardNumber:      css(`#number`),
			ExpiryFrame:     css(`iframe[title="Field container for: Expiration date (MM/YY)"]`),
			Expiry:          css(`#expiry`),
			CVVFrame:        css(`iframe[title="Field container for: Security code"]`),
			CVV:             css(`#verification_value`),
			NameOnCardFrame: css(`iframe[title="Field container for: Name on card"]`),
			NameOnCard:      css(`#name`),

			AlternatePaymentRadio:  css(`#basic-PAYPAL_EXPRESS`),
			AlternatePaymentFrame:  css(`#PAY_WITH_PAYPAL-iframe`),
			AlternatePaymentButton: css(`#paypal-button-container div[role="button"]`),

			PlaceOrderButton: css(`#checkout-pay-button`),
			Confirmation:     Locator{Selector: "h1, h2, h3, p, div, span", Text: "Order Confirmed"},
			Declined:         Locator{Selector: "h1, h2, h3, p, div, span", Text: "Payment Failed|Declined"},
			OrderError:       Locator{Selector: "[role='alert'], .notice--error, .field__message--error", Text: "/error/i"},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the settings a run cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Product.URL == "" {
		errs = append(errs, errors.New("product.url is required"))
	}
	if len(c.Product.Variants) == 0 {
		errs = append(errs, errors.New("product.variants must list at least one label"))
	}
	if len(c.Profiles) == 0 {
		errs = append(errs, errors.New("at least one profile is required"))
	}
	seen := make(map[string]bool)
	for i, p := range c.Profiles {
		id := p.Identifier()
		if id == "" {
			errs = append(errs, fmt.Errorf("profile %d: id or email is required", i+1))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("profile %d: duplicate id %q", i+1, id))
		}
		seen[id] = true
		switch p.Payment {
		case PaymentCard, PaymentAlternate:
		default:
			errs = append(errs, fmt.Errorf("profile %s: payment_method must be %q or %q", id, PaymentCard, PaymentAlternate))
		}
	}
	if c.EnableTimer {
		if c.ReleaseTime == "" {
			errs = append(errs, errors.New("release_time is required when enable_timer is set"))
		} else if _, err := c.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.LaunchJitterMaxMs < c.LaunchJitterMinMs {
		errs = append(errs, errors.New("launch_jitter_max_ms must be >= launch_jitter_min_ms"))
	}
	if c.RetryDelayMaxMs < c.RetryDelayMinMs {
		errs = append(errs, errors.New("retry_delay_max_ms must be >= retry_delay_min_ms"))
	}
	if c.MaxDelayBetween < c.MinDelayBetween {
		errs = append(errs, errors.New("max_delay_between must be >= min_delay_between"))
	}
	if c.SessionTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("session_timeout_seconds must be positive"))
	}

	// A zero wait bound makes every lookup fail at once.
	for _, b := range []struct {
		name  string
		value int
	}{
		{"timeouts.element_ms", c.Timeouts.ElementMs},
		{"timeouts.sold_out_probe_ms", c.Timeouts.SoldOutProbeMs},
		{"timeouts.add_to_cart_confirm_ms", c.Timeouts.AddToCartConfirmMs},
		{"timeouts.challenge_probe_ms", c.Timeouts.ChallengeProbeMs},
		{"timeouts.challenge_resolve_sec", c.Timeouts.ChallengeResolveSec},
		{"timeouts.challenge_clear_sec", c.Timeouts.ChallengeClearSec},
		{"timeouts.verify_sec", c.Timeouts.VerifySec},
		{"timeouts.redirect_sec", c.Timeouts.RedirectSec},
	} {
		if b.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", b.name))
		}
	}

	// Zero disables these.
	for _, b := range []struct {
		name  string
		value int
	}{
		{"navigate_retries", c.NavigateRetries},
		{"variant_retries", c.VariantRetries},
		{"add_to_cart_max_attempts", c.AddToCartMaxAttempts},
		{"page_load_timeout", c.PageLoadTimeout},
	} {
		if b.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", b.name))
		}
	}

	return errors.Join(errs...)
}

// Release parses ReleaseTime in the configured timezone.
func (c *Config) Release() (time.Time, error) {
	loc, err := loadTimezone(c.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	return ParseReleaseTime(c.ReleaseTime, loc)
}

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

func (c *Config) PageLoad() time.Duration {
	return time.Duration(c.PageLoadTimeout) * time.Second
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./dropper-data"
	}
	return filepath.Join(home, ".dropper")
}
