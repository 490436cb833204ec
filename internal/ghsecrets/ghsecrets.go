// Package ghsecrets stores GitHub Actions repository secrets used by the
// deploy workflow.
package ghsecrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v66/github"
	"golang.org/x/crypto/nacl/box"
)

const (
	DefaultAPIURL  = "https://api.github.com/"
	requestTimeout = 30 * time.Second
)

var (
	ErrAPIURL     = fmt.Errorf("invalid GitHub API URL")
	ErrPublicKey  = fmt.Errorf("failed to fetch repository public key")
	ErrPutSecret  = fmt.Errorf("failed to store repository secret")
	ErrEncrypt    = fmt.Errorf("failed to encrypt secret")
	ErrBadKey     = fmt.Errorf("invalid repository public key")
	ErrStatusCode = fmt.Errorf("unexpected status code")
)

// PublicKey is the repository key secrets are sealed to.
type PublicKey struct {
	KeyID string
	Key   string
}

// Client stores Actions secrets through the GitHub REST API.
type Client struct {
	gh *github.Client
}

// New returns a client authenticating with 'token' against 'baseURL', or
// api.github.com when empty.
func New(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	// go-github resolves request paths relative to BaseURL.
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAPIURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrAPIURL, baseURL)
	}

	gh := github.NewClient(&http.Client{Timeout: requestTimeout}).WithAuthToken(token)
	gh.BaseURL = u
	return &Client{gh: gh}, nil
}

// PublicKey fetches the Actions public key of 'owner'/'repo'.
func (c *Client) PublicKey(ctx context.Context, owner, repo string) (PublicKey, error) {
	key, resp, err := c.gh.Actions.GetRepoPublicKey(ctx, owner, repo)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %w", ErrPublicKey, apiError(resp, err))
	}
	return PublicKey{KeyID: key.GetKeyID(), Key: key.GetKey()}, nil
}

// PutSecret creates or updates the secret 'name' with 'value', sealed to 'key'.
func (c *Client) PutSecret(ctx context.Context, owner, repo, name, value string, key PublicKey) error {
	sealed, err := Encrypt(key.Key, value)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPutSecret, name, err)
	}

	resp, err := c.gh.Actions.CreateOrUpdateRepoSecret(ctx, owner, repo, &github.EncryptedSecret{
		Name:           name,
		KeyID:          key.KeyID,
		EncryptedValue: sealed,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPutSecret, name, apiError(resp, err))
	}
	clog.FromContext(ctx).Info("stored repository secret",
		"repo", owner+"/"+repo,
		"name", name,
		"created", resp.StatusCode == http.StatusCreated,
	)
	return nil
}

// apiError tags errors that carry an HTTP response with ErrStatusCode.
func apiError(resp *github.Response, err error) error {
	if resp == nil || resp.Response == nil {
		return err
	}
	return fmt.Errorf("%w: %d: %w", ErrStatusCode, resp.StatusCode, err)
}

// Encrypt seals 'value' to the base64 encoded Curve25519 'publicKey' as a
// libsodium sealed box and returns the result base64 encoded.
func Encrypt(publicKey, value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadKey, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: want 32 bytes, got %d", ErrBadKey, len(raw))
	}
	var recipient [32]byte
	copy(recipient[:], raw)

	sealed, err := box.SealAnonymous(nil, []byte(value), &recipient, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncrypt, err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}
