package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/carebridge/webhook-dispatch/internal/domain"
)

// Registry validates and persists new webhook subscriptions.
type Registry struct {
	store  SubscriptionStore
	logger *slog.Logger
}

func NewRegistry(store SubscriptionStore, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// RegisterInput carries a subscription request. Secret and Config are
// optional; omitted config fields fall back to platform defaults.
type RegisterInput struct {
	URL    string       `json:"url"`
	Events []string     `json:"events"`
	Secret string       `json:"secret,omitempty"`
	Config *ConfigInput `json:"config,omitempty"`
}

// ConfigInput holds optional per-subscriber delivery overrides. Pointer
// fields distinguish "not provided" from zero values.
type ConfigInput struct {
	TimeoutMs   *int     `json:"timeout_ms,omitempty"`
	MaxRetries  *int     `json:"max_retries,omitempty"`
	SSLVerify   *bool    `json:"ssl_verify,omitempty"`
	IPWhitelist []string `json:"ip_whitelist,omitempty"`
}

// Registration is returned to the caller exactly once. Secret is the
// plaintext signing secret; only its hash is ever stored.
type Registration struct {
	SubscriptionID  string   `json:"subscription_id"`
	Secret          string   `json:"secret"`
	SupportedEvents []string `json:"supported_events"`
}

// Register validates the input, generates a signing secret when none is
// provided, and persists the subscription with status active.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (*Registration, error) {
	if err := validateEndpointURL(input.URL); err != nil {
		return nil, err
	}
	if len(input.Events) == 0 {
		return nil, &ValidationError{Field: "events", Reason: "at least one event type is required"}
	}
	for _, ev := range input.Events {
		if !IsSupportedEventType(ev) {
			return nil, &ValidationError{Field: "events", Reason: fmt.Sprintf("unsupported event type %q", ev)}
		}
	}

	config := domain.DefaultDeliveryConfig()
	if input.Config != nil {
		if err := applyConfigInput(&config, input.Config); err != nil {
			return nil, err
		}
	}

	secret := input.Secret
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
		secret = generated
	}

	sub := &domain.Subscription{
		ID:             uuid.NewString(),
		URL:            input.URL,
		Events:         input.Events,
		SigningKeyHash: HashSecret(secret),
		Status:         domain.SubscriptionActive,
		Config:         config,
	}

	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("persisting subscription: %w", err)
	}

	r.logger.Info("subscription registered",
		"subscription_id", sub.ID,
		"url", sub.URL,
		"events", sub.Events,
	)

	return &Registration{
		SubscriptionID:  sub.ID,
		Secret:          secret,
		SupportedEvents: SupportedEventTypes,
	}, nil
}

func validateEndpointURL(raw string) error {
	if raw == "" {
		return &ValidationError{Field: "url", Reason: "url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "url", Reason: "not a valid URL"}
	}
	if u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "must use https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "url", Reason: "missing host"}
	}
	return nil
}

func applyConfigInput(config *domain.DeliveryConfig, input *ConfigInput) error {
	if input.TimeoutMs != nil {
		if *input.TimeoutMs <= 0 {
			return &ValidationError{Field: "config.timeout_ms", Reason: "must be positive"}
		}
		config.TimeoutMs = *input.TimeoutMs
	}
	if input.MaxRetries != nil {
		if *input.MaxRetries < 1 {
			return &ValidationError{Field: "config.max_retries", Reason: "must be at least 1"}
		}
		config.MaxRetries = *input.MaxRetries
	}
	if input.SSLVerify != nil {
		config.SSLVerify = *input.SSLVerify
	}
	if len(input.IPWhitelist) > 0 {
		for _, entry := range input.IPWhitelist {
			if !validWhitelistEntry(entry) {
				return &ValidationError{Field: "config.ip_whitelist", Reason: fmt.Sprintf("invalid IP or CIDR %q", entry)}
			}
		}
		config.IPWhitelist = input.IPWhitelist
	}
	return nil
}

func validWhitelistEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

// generateSecret returns a fresh signing secret in the whsec_<hex> form.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// HashSecret produces the stored one-way hash of a signing secret. The
// hash doubles as the HMAC key for delivery signatures, so endpoints
// verify payloads with sha256(secret), never the plaintext secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
