package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGenerate  = fmt.Errorf("failed to generate SSH key")
	ErrKeyParse     = fmt.Errorf("failed to parse SSH private key")
	ErrKeyFileRead  = fmt.Errorf("failed to read SSH private key file")
	ErrKeyFileWrite = fmt.Errorf("failed to write SSH private key file")
)

// KeyPair is a generated ED25519 key.
type KeyPair struct {
	private ed25519.PrivateKey
	Signer  ssh.Signer
	// AuthorizedKey is the public half in authorized_keys format, which is
	// also what EC2 ImportKeyPair accepts.
	AuthorizedKey []byte
}

func GenerateKey() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGenerate, err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGenerate, err)
	}
	return &KeyPair{
		private:       priv,
		Signer:        signer,
		AuthorizedKey: ssh.MarshalAuthorizedKey(signer.PublicKey()),
	}, nil
}

func (k *KeyPair) PublicKey() ssh.PublicKey { return k.Signer.PublicKey() }

// PrivateKeyPEM encodes the private key as an unencrypted OpenSSH PEM block.
func (k *KeyPair) PrivateKeyPEM(comment string) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(k.private, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGenerate, err)
	}
	return pem.EncodeToMemory(block), nil
}

// WritePrivateKey stores the private key at path with mode 0400, replacing
// any existing file.
func (k *KeyPair) WritePrivateKey(path, comment string) error {
	data, err := k.PrivateKeyPEM(comment)
	if err != nil {
		return err
	}
	// An existing 0400 file cannot be opened for writing.
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrKeyFileWrite, err)
	}
	if err := os.WriteFile(path, data, 0o400); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFileWrite, err)
	}
	return nil
}

// ParseKey parses a PEM private key. With a passphrase the key is first
// tried as encrypted, then as plain text if the passphrase was wrong.
func ParseKey(data, passphrase []byte) (ssh.Signer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrKeyParse)
	}
	if len(passphrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
		if err == nil {
			return signer, nil
		}
		if !errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: %w", ErrKeyParse, err)
		}
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}
	return signer, nil
}

// LoadKeyFile reads and parses the unencrypted private key at path, such
// as the .pem file EC2 hands out.
func LoadKeyFile(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFileRead, err)
	}
	signer, err := ParseKey(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return signer, nil
}
