package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerClient is the subset of the Secrets Manager API used by
// AWSSecretsManagerProvider.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManagerProvider reads secrets from AWS Secrets Manager.
// Keys are "secret-name" or "secret-name#field" for JSON secrets.
type AWSSecretsManagerProvider struct {
	client SecretsManagerClient
}

// NewAWSSecretsManagerProvider creates a provider over an SDK client.
func NewAWSSecretsManagerProvider(client SecretsManagerClient) *AWSSecretsManagerProvider {
	return &AWSSecretsManagerProvider{client: client}
}

// NewAWSSecretsManagerProviderFromConfig builds the SDK client from cfg.
func NewAWSSecretsManagerProviderFromConfig(cfg aws.Config) *AWSSecretsManagerProvider {
	return NewAWSSecretsManagerProvider(secretsmanager.NewFromConfig(cfg))
}

func (p *AWSSecretsManagerProvider) Name() string { return "aws-sm" }

func (p *AWSSecretsManagerProvider) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}

	secretName, field := parseFieldKey(key)

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, secretName)
		}
		return "", fmt.Errorf("secrets: get secret %s: %w", secretName, err)
	}

	var val string
	switch {
	case out.SecretString != nil:
		val = *out.SecretString
	case out.SecretBinary != nil:
		val = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: %s has no value", ErrNotFound, secretName)
	}

	if field != "" {
		return extractJSONField(val, field)
	}
	return val, nil
}
