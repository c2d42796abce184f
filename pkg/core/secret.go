package core

import (
	"encoding/json"
	"log/slog"
)

// Secret represents sensitive values that should be redacted in logs and API output.
type Secret struct {
	Value string
}

// NewSecret wraps a raw value as a Secret.
func NewSecret(value string) Secret {
	return Secret{Value: value}
}

// IsSet reports whether a non-empty value is held.
func (s Secret) IsSet() bool {
	return s.Value != ""
}

// Redacted returns a redacted representation for display.
func (s Secret) Redacted() string {
	if s.Value == "" {
		return ""
	}
	return "REDACTED"
}

// MarshalJSON ensures secrets are never serialized in cleartext.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Redacted())
}

// LogValue keeps secrets out of slog output.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.Redacted())
}

// String returns the redacted value for fmt printing.
func (s Secret) String() string {
	return s.Redacted()
}

// Keys understood by plugins with CapabilitySecrets.
const (
	ActionGetSecrets = "get_secrets"

	SecretKeyAPIKey    = "API_KEY"
	SecretKeyAPIToken  = "API_TOKEN"
	SecretKeyAuthEmail = "USER_EMAIL"
)

// CredentialKeys lists every key the reconciler asks secret providers for.
var CredentialKeys = []string{SecretKeyAPIKey, SecretKeyAPIToken, SecretKeyAuthEmail}
