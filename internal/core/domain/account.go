package domain

import (
	"encoding/json"
	"log/slog"
)

// Account is one credentialed identity the workflow runs on behalf of.
// It is loaded once and never mutated afterwards.
type Account struct {
	Name     string `json:"name"     yaml:"name"`
	Username string `json:"username" yaml:"username"`
	Password Secret `json:"password" yaml:"password"`
	// OrderID overrides the batch order id for this account when set.
	OrderID string `json:"order_id,omitempty" yaml:"order_id"`
}

// Secret holds a credential value that must not leak into logs or reports.
type Secret string

const redacted = "******"

// Reveal returns the raw secret value.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalJSON never emits the raw value.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// UnmarshalJSON accepts the raw value from account files.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Secret(v)
	return nil
}

// OrderFor resolves the order id to use for this account.
func (a Account) OrderFor(batchOrderID string) string {
	if a.OrderID != "" {
		return a.OrderID
	}
	return batchOrderID
}
