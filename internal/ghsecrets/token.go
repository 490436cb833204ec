package ghsecrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/chainguard-dev/clog"
	"github.com/joho/godotenv"
)

// TokenVar names the GitHub token in .env files, the environment and JSON
// secrets.
const TokenVar = "GITHUB_TOKEN"

var (
	ErrNoToken     = fmt.Errorf("no GitHub token found; set %s in .env or configure github.token_secret_id", TokenVar)
	ErrTokenSecret = fmt.Errorf("failed to read GitHub token from Secrets Manager")
	ErrEnvFile     = fmt.Errorf("failed to read env file")
)

// SecretsAPI is the subset of the Secrets Manager client used for the token
// fallback.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadToken finds the GitHub token. It looks in 'envFile', then the process
// environment, then the Secrets Manager secret 'secretID'. The secret may
// hold the bare token or a JSON object with a GITHUB_TOKEN key.
func LoadToken(ctx context.Context, envFile, secretID string, sm SecretsAPI) (string, error) {
	log := clog.FromContext(ctx)

	if envFile != "" {
		env, err := godotenv.Read(envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Debug("env file not found", "path", envFile)
		case err != nil:
			return "", fmt.Errorf("%w: %s: %w", ErrEnvFile, envFile, err)
		case env[TokenVar] != "":
			return env[TokenVar], nil
		}
	}
	if tok := os.Getenv(TokenVar); tok != "" {
		return tok, nil
	}
	if secretID == "" || sm == nil {
		return "", ErrNoToken
	}

	log.Info("reading GitHub token from Secrets Manager", "secret", secretID)
	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenSecret, err)
	}
	value := strings.TrimSpace(aws.ToString(out.SecretString))
	if strings.HasPrefix(value, "{") {
		var fields map[string]string
		if err := json.Unmarshal([]byte(value), &fields); err != nil {
			return "", fmt.Errorf("%w: %w", ErrTokenSecret, err)
		}
		value = fields[TokenVar]
	}
	if value == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrTokenSecret, secretID)
	}
	return value, nil
}
