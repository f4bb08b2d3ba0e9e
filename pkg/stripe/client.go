package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/transfer"

	"github.com/tutorlink/tutorlink-backend/pkg/config"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	defaultTransferTimeout = 5 * time.Second
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// ErrOutcomeUnknown marks a transfer submission whose fate is unknown: the
// call timed out after the request may have reached Stripe. Callers must not
// treat it as a failure and must not resubmit under a fresh idempotency key.
var ErrOutcomeUnknown = errors.New("stripe transfer outcome unknown")

// Client wraps Stripe's API client plus env-specific metadata.
type Client struct {
	api             *stripe.Client
	environment     string
	signingSecret   string
	transferTimeout time.Duration
}

// TransferRequest describes one outbound transfer to a connected account.
type TransferRequest struct {
	IdempotencyKey string
	Destination    string
	AmountCents    int64
	Currency       string
	Description    string
	Metadata       map[string]string
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	timeout := cfg.TransferTimeout
	if timeout <= 0 {
		timeout = defaultTransferTimeout
	}

	api := stripe.NewClient(apiKey)
	stripe.Key = apiKey

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		api:             api,
		environment:     env,
		signingSecret:   signingSecret,
		transferTimeout: timeout,
	}, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// SubmitTransfer pushes one transfer to Stripe under the caller's
// idempotency key and a hard timeout. A deadline hit is reported as
// ErrOutcomeUnknown, never as a plain failure: Stripe may have accepted the
// request before the timeout fired.
func (c *Client) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("stripe client not initialized")
	}
	if req.IdempotencyKey == "" {
		return "", errors.New("transfer idempotency key is required")
	}
	if req.Destination == "" {
		return "", errors.New("transfer destination is required")
	}
	if req.AmountCents <= 0 {
		return "", fmt.Errorf("transfer amount must be positive, got %d", req.AmountCents)
	}

	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := transfer.New(params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
		}
		return "", fmt.Errorf("create stripe transfer: %w", err)
	}
	return tr.ID, nil
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
