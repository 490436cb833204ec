package cli

import (
	"context"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/musicapp/musicdeploy/internal/ghsecrets"
	"github.com/musicapp/musicdeploy/internal/gitops"
	"github.com/musicapp/musicdeploy/internal/inventory"
)

func (a *app) secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Store EC2_HOST and EC2_SSH_KEY as GitHub Actions secrets",
		Long: `Store the server's public address and the deployment's SSH private key as
the EC2_HOST and EC2_SSH_KEY secrets of the GitHub repository, for the deploy
workflow to use.

The GitHub token is read from GITHUB_TOKEN in the env file or environment,
or from the Secrets Manager secret named by --token-secret-id. The repository
defaults to the local checkout's origin remote.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			gh := a.cfg.GitHub

			inv, err := a.inventory().Load(ctx)
			if err != nil {
				return err
			}
			if err := inv.Require(inventory.KeyServerPublicIP); err != nil {
				return err
			}
			keyPath := inv.KeyFile
			if keyPath == "" {
				keyPath = filepath.Join(a.cfg.AWS.KeyDir, a.cfg.AWS.KeyPairName+".pem")
			}

			owner, repo, err := a.githubRepo(ctx)
			if err != nil {
				return err
			}

			var sm ghsecrets.SecretsAPI
			if gh.TokenSecretID != "" {
				awscfg, err := a.aws(ctx)
				if err != nil {
					return err
				}
				sm = secretsmanager.NewFromConfig(awscfg)
			}
			token, err := ghsecrets.LoadToken(ctx, gh.EnvFile, gh.TokenSecretID, sm)
			if err != nil {
				return err
			}

			client, err := ghsecrets.New(gh.APIURL, token)
			if err != nil {
				return err
			}
			if err := ghsecrets.SyncDeploySecrets(ctx, client, owner, repo, inv.ServerPublicIP, keyPath); err != nil {
				return err
			}
			a.printf("Stored %s and %s in %s/%s.\n", ghsecrets.SecretHost, ghsecrets.SecretSSHKey, owner, repo)
			return nil
		},
	}
	cmd.Flags().String("token-secret-id", "", "Secrets Manager secret holding the GitHub token")
	bindKey(cmd.Flags(), "token-secret-id", "github.token_secret_id")
	return cmd
}

// githubRepo returns the configured repository, or the one the local
// checkout's origin points at.
func (a *app) githubRepo(ctx context.Context) (string, string, error) {
	gh := a.cfg.GitHub
	if gh.Owner != "" && gh.Repo != "" {
		return gh.Owner, gh.Repo, nil
	}
	r, err := gitops.Open(a.cfg.App.LocalRoot)
	if err != nil {
		return "", "", err
	}
	url, err := r.RemoteURL(ctx)
	if err != nil {
		return "", "", err
	}
	owner, repo, err := gitops.ParseGitHubRemote(url)
	if err != nil {
		return "", "", err
	}
	clog.FromContext(ctx).Debug("repository from origin remote", "owner", owner, "repo", repo)
	return owner, repo, nil
}
