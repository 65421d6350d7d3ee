package config

import (
	"os"
	"strings"

	"github.com/ShayCichocki/foreman/internal/provider"
)

// KeySource represents where a credential was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// Credentials resolves provider credential keys: the environment first,
// then the credentials section of the config file.
type Credentials struct {
	configured map[string]string
	lookup     func(string) (string, bool)
}

// NewCredentials builds a credential source for cfg.
func NewCredentials(cfg *Config) *Credentials {
	c := &Credentials{lookup: os.LookupEnv, configured: map[string]string{}}
	if cfg != nil {
		for k, v := range cfg.Credentials {
			// viper lowercases map keys.
			c.configured[strings.ToLower(k)] = v
		}
	}
	return c
}

// Credential implements provider.CredentialSource.
func (c *Credentials) Credential(key string) (string, bool) {
	secret, _ := c.resolve(key)
	return secret, secret != ""
}

// Source returns where key would be resolved from.
func (c *Credentials) Source(key string) KeySource {
	_, src := c.resolve(key)
	return src
}

func (c *Credentials) resolve(key string) (string, KeySource) {
	if key == "" {
		return "", KeySourceNone
	}
	if v, ok := c.lookup(key); ok && v != "" {
		return v, KeySourceEnv
	}
	if raw, ok := c.configured[strings.ToLower(key)]; ok {
		// Expand any remaining env var references
		v := os.ExpandEnv(raw)
		if v != "" && !strings.HasPrefix(v, "${") {
			return v, KeySourceConfig
		}
	}
	return "", KeySourceNone
}

// MaskKey returns a masked version of a secret for display.
// Shows the first 7 characters and last 4 characters.
func MaskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

var _ provider.CredentialSource = (*Credentials)(nil)
