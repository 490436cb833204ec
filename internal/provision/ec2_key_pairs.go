package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/musicapp/musicdeploy/internal/ssh"
)

var (
	ErrKeypairLookup = fmt.Errorf("failed to look up keypair")
	ErrKeypairImport = fmt.Errorf("failed to import keypair")
	ErrKeypairDelete = fmt.Errorf("failed to delete keypair")
	ErrKeyGenerate   = fmt.Errorf("failed to generate keypair")
)

// keyPair is the result of ensureKeyPair.
type keyPair struct {
	Name string
	// Path is where the private key is (or would be, for a pre-existing key
	// pair created elsewhere) stored locally.
	Path string
}

func (p *Provisioner) keyPath() string {
	return filepath.Join(p.Config.AWS.KeyDir, p.Config.AWS.KeyPairName+".pem")
}

func keypairDescribe(ctx context.Context, client EC2API, name string) (string, error) {
	result, err := client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames: []string{name},
	})
	if IsCode(err, codeKeyPairNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeypairLookup, err)
	}
	if len(result.KeyPairs) == 0 || result.KeyPairs[0].KeyName == nil {
		return "", ErrNotFound
	}
	return *result.KeyPairs[0].KeyName, nil
}

// ensureKeyPair reuses the named key pair, or generates an ED25519 key,
// stores the private half at keyPath with mode 0400 and imports the public
// half. A failed import leaves no private key behind.
func (p *Provisioner) ensureKeyPair(ctx context.Context, s *stack) (keyPair, error) {
	log := clog.FromContext(ctx)
	name := p.Config.AWS.KeyPairName
	path := p.keyPath()

	describe := func(ctx context.Context) (string, error) {
		return keypairDescribe(ctx, p.Clients.EC2, name)
	}
	create := func(ctx context.Context) (string, error) {
		keys, err := ssh.GenerateKey()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrKeyGenerate, err)
		}
		// The private key goes to disk first so an imported key pair always
		// has one.
		if err := keys.WritePrivateKey(path, name); err != nil {
			return "", err
		}
		result, err := p.Clients.EC2.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
			KeyName:           aws.String(name),
			PublicKeyMaterial: keys.AuthorizedKey,
			TagSpecifications: p.tags(named(name)).ec2Spec(types.ResourceTypeKeyPair),
		})
		if err != nil {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn("could not remove unused private key", "path", path, "error", rmErr)
			}
			return "", fmt.Errorf("%w: %w", ErrKeypairImport, err)
		}
		log.Info("imported key pair", "id", aws.ToString(result.KeyPairId), "name", name, "path", path)
		return name, nil
	}

	got, created, err := getOrCreate(ctx, describe, create, codeKeyPairDuplicate)
	if err != nil {
		return keyPair{}, err
	}
	if created {
		s.Push(func(ctx context.Context) error {
			return p.deleteKeyPair(ctx)
		})
	} else {
		log.Info("key pair already exists", "name", got)
		if _, err := os.Stat(path); err != nil {
			log.Warn("private key for existing key pair not found locally", "path", path)
		}
	}
	return keyPair{Name: got, Path: path}, nil
}

// deleteKeyPair removes the key pair from AWS and the local private key. An
// already-deleted key pair is not an error.
func (p *Provisioner) deleteKeyPair(ctx context.Context) error {
	log := clog.FromContext(ctx)
	name := p.Config.AWS.KeyPairName

	var errs error
	_, err := p.Clients.EC2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: aws.String(name),
	})
	switch {
	case IsCode(err, codeKeyPairNotFound):
		log.Info("key pair not found or already deleted", "name", name)
	case err != nil:
		errs = fmt.Errorf("%w: %w", ErrKeypairDelete, err)
	default:
		log.Info("deleted key pair", "name", name)
	}

	path := p.keyPath()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove local private key, delete it manually", "path", path, "error", err)
	} else if err == nil {
		log.Info("removed local private key", "path", path)
	}
	return errs
}
