package config

import "testing"

func TestCredentials(t *testing.T) {
	t.Setenv("FOREMAN_TEST_SECRET", "from-env-ref")
	cfg := &Config{Credentials: map[string]string{
		"openai_api_key": "sk-config-value-1234",
		"gemini_api_key": "${FOREMAN_TEST_SECRET}",
		"missing_ref":    "${FOREMAN_TEST_UNSET}",
	}}
	c := NewCredentials(cfg)
	c.lookup = func(key string) (string, bool) {
		if key == "ANTHROPIC_API_KEY" {
			return "sk-ant-env", true
		}
		return "", false
	}

	tests := []struct {
		key    string
		secret string
		source KeySource
	}{
		{"ANTHROPIC_API_KEY", "sk-ant-env", KeySourceEnv},
		{"OPENAI_API_KEY", "sk-config-value-1234", KeySourceConfig},
		{"GEMINI_API_KEY", "from-env-ref", KeySourceConfig},
		{"MISSING_REF", "", KeySourceNone},
		{"", "", KeySourceNone},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			secret, ok := c.Credential(tt.key)
			if secret != tt.secret || ok != (tt.secret != "") {
				t.Errorf("Credential(%q) = %q, %v", tt.key, secret, ok)
			}
			if src := c.Source(tt.key); src != tt.source {
				t.Errorf("Source(%q) = %s, want %s", tt.key, src, tt.source)
			}
		})
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"sk-ant-REDACTED", "sk-ant-...mnop"},
	}
	for _, tt := range tests {
		if got := MaskKey(tt.key); got != tt.want {
			t.Errorf("MaskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
