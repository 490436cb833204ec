package ghsecrets

import (
	"context"
	"errors"
	"fmt"
	"os"
)

const (
	SecretHost   = "EC2_HOST"
	SecretSSHKey = "EC2_SSH_KEY"
)

var ErrKeyFile = fmt.Errorf("failed to read SSH private key")

// SyncDeploySecrets stores the server address and the SSH private key at
// 'keyPath' as the EC2_HOST and EC2_SSH_KEY secrets of 'owner'/'repo'. Every
// secret is attempted even if an earlier one fails.
func SyncDeploySecrets(ctx context.Context, c *Client, owner, repo, host, keyPath string) error {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFile, err)
	}
	key, err := c.PublicKey(ctx, owner, repo)
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range []struct{ name, value string }{
		{SecretHost, host},
		{SecretSSHKey, string(pem)},
	} {
		errs = append(errs, c.PutSecret(ctx, owner, repo, s.name, s.value, key))
	}
	return errors.Join(errs...)
}
