package rds

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// PasswordSource supplies the master password set on the restored instance
type PasswordSource interface {
	Password(ctx context.Context) (string, error)
}

// StaticPassword is a password taken from configuration
type StaticPassword string

// Password implements PasswordSource
func (p StaticPassword) Password(context.Context) (string, error) {
	if p == "" {
		return "", errors.New("rds: master password is empty")
	}
	return string(p), nil
}

// SecretsAPI is the subset of the Secrets Manager client used here
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerPassword reads the password from a Secrets Manager secret
// string
type SecretsManagerPassword struct {
	client   SecretsAPI
	secretID string
}

// NewSecretsManagerPassword creates a password source backed by secretID
func NewSecretsManagerPassword(client SecretsAPI, secretID string) *SecretsManagerPassword {
	return &SecretsManagerPassword{client: client, secretID: secretID}
}

// Password implements PasswordSource
func (p *SecretsManagerPassword) Password(ctx context.Context) (string, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", p.secretID, err)
	}
	if aws.ToString(out.SecretString) == "" {
		return "", fmt.Errorf("secret %s has no string value", p.secretID)
	}
	return aws.ToString(out.SecretString), nil
}
