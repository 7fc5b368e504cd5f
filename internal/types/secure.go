package types

// redactedPlaceholder is the string used to replace secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values (database URLs, Stripe keys, the Google
// Maps API key). It overrides String() and MarshalJSON() to return a redacted
// placeholder. Use Unmask() where the plaintext is genuinely required.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret. Usage should be
// limited to constructing HTTP Authorization headers, connection strings,
// and similar sinks.
func (s SecretString) Unmask() string {
	return string(s)
}
