package completion

import (
	"errors"
	"fmt"
	"strings"
)

// PlaceholderKey is what an unconfigured deployment leaves in place of the key
const PlaceholderKey = "NETLIFY_ENV_API_KEY_PLACEHOLDER"

const minKeyLength = 21

var keyPrefixes = []string{"sk-or-v1-", "sk-", "pk-"}

var (
	errNoKey       = errors.New("no API key configured")
	errPlaceholder = errors.New("API key is still the deployment placeholder")
)

// ValidateAPIKey checks the key format locally. Passing says nothing about whether the
// remote service will accept it.
func ValidateAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errNoKey
	}
	if key == PlaceholderKey {
		return errPlaceholder
	}
	if !hasKnownPrefix(key) {
		return fmt.Errorf("API key must start with one of %s", strings.Join(keyPrefixes, ", "))
	}
	if len(key) < minKeyLength {
		return fmt.Errorf("API key is too short (%d characters, need more than %d)", len(key), minKeyLength-1)
	}
	return nil
}

func hasKnownPrefix(key string) bool {
	for _, p := range keyPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// MaskKey keeps the prefix and last four characters for logs
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
