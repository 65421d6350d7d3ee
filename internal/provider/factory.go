package provider

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/foreman/internal/reliability"
)

// ClientOptions carries adapter settings that are not part of Provider.
type ClientOptions struct {
	AWSRegion  string
	AWSProfile string
}

// NewClientFor builds the adapter matching p.Kind. secret is the resolved
// credential, which may be empty for kinds that do not need one.
func NewClientFor(ctx context.Context, p Provider, secret string, opts ClientOptions) (Client, error) {
	if secret == "" && p.CredentialKey != "" {
		return missingCredentialClient{name: p.Name, key: p.CredentialKey}, nil
	}
	switch p.Kind {
	case KindAnthropic:
		return NewAnthropicClient(ctx, AnthropicConfig{Name: p.Name, APIKey: secret, BaseURL: p.BaseURL})
	case KindBedrock:
		return NewAnthropicClient(ctx, AnthropicConfig{
			Name:       p.Name,
			UseBedrock: true,
			AWSRegion:  opts.AWSRegion,
			AWSProfile: opts.AWSProfile,
		})
	case KindOpenAI:
		return NewOpenAIClient(OpenAIConfig{Name: p.Name, APIKey: secret, BaseURL: p.BaseURL}), nil
	case KindGemini:
		return NewGeminiClient(GeminiConfig{Name: p.Name, APIKey: secret, BaseURL: p.BaseURL}), nil
	case KindStatic:
		return NewStaticClient(p.Name, nil), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
	}
}

// missingCredentialClient stands in for a provider whose credential is not
// set. SelectModel skips such providers, so Call is only reached directly.
type missingCredentialClient struct {
	name string
	key  string
}

func (c missingCredentialClient) Name() string { return c.name }

func (c missingCredentialClient) Call(context.Context, Request) (*Response, error) {
	return nil, reliability.NonRetryable(fmt.Errorf("provider %s: authentication: credential %s is not set", c.name, c.key))
}
