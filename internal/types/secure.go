package types

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values (portal passwords, encryption keys,
// database URLs). String() and MarshalJSON() return a redacted placeholder;
// use Unmask() where the raw value is genuinely required.
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
// limited to constructing vendor Authorization headers, DB connection
// strings, and the credential sealer key.
func (s SecretString) Unmask() string {
	return string(s)
}
