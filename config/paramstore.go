package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by ParamStore.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParamStore reads secrets from SSM Parameter Store
type ParamStore struct {
	api ssmAPI
}

// NewParamStore wraps an SSM client
func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

// GetParameter returns the decrypted value of name
func (p *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// ResolveGeneratorAPIKey fills GeneratorAPIKey from the parameter store when a
// parameter name is configured and no key was given directly.
func (c *Config) ResolveGeneratorAPIKey(ctx context.Context, ps *ParamStore) error {
	if c.GeneratorAPIKey != "" || c.GeneratorAPIKeyParam == "" {
		return nil
	}
	if ps == nil {
		return errors.New("generator_api_key_param set but no parameter store available")
	}
	key, err := ps.GetParameter(ctx, c.GeneratorAPIKeyParam)
	if err != nil {
		return fmt.Errorf("resolve generator api key: %w", err)
	}
	c.GeneratorAPIKey = strings.TrimSpace(key)
	return nil
}
