// Package gitops commits and pushes the regenerated application config so
// the repository's deploy workflow picks it up.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"
)

const DefaultMessage = "Update: refresh configuration for automated deploy"

var (
	ErrGit          = fmt.Errorf("git command failed")
	ErrNotGitHub    = fmt.Errorf("remote is not a GitHub repository")
	ErrGitNotFound  = fmt.Errorf("git not found in $PATH")
	nothingToCommit = []string{"nothing to commit", "nothing added to commit"}
)

// Repo is a local git checkout.
type Repo struct {
	Dir string
	// Git is the git binary, "git" when empty.
	Git string
}

// Open returns the repository at 'dir' after checking git is installed.
func Open(dir string) (*Repo, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGitNotFound, err)
	}
	return &Repo{Dir: dir}, nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	bin := r.Git
	if bin == "" {
		bin = "git"
	}
	clog.FromContext(ctx).Debugf("git %v", args)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%w: git %s: %w: %s", ErrGit, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// Status returns the paths 'git status --porcelain' reports as changed.
func (r *Repo) Status(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var changed []string
	for line := range strings.Lines(out) {
		line = strings.TrimRight(line, "\n")
		if len(line) > 3 {
			changed = append(changed, line[3:])
		}
	}
	return changed, nil
}

// CommitAndPush stages everything, commits it with 'message' and, if 'push'
// is set, pushes the current branch. It reports whether a commit was made;
// an empty working tree is not an error.
func (r *Repo) CommitAndPush(ctx context.Context, message string, push bool) (bool, error) {
	log := clog.FromContext(ctx)
	if message == "" {
		message = DefaultMessage
	}

	if _, err := r.git(ctx, "add", "."); err != nil {
		return false, err
	}
	if out, err := r.git(ctx, "commit", "-m", message); err != nil {
		for _, s := range nothingToCommit {
			if strings.Contains(out, s) {
				log.Info("nothing to commit")
				return false, nil
			}
		}
		return false, err
	}
	log.Info("committed changes", "message", message)

	if !push {
		return true, nil
	}
	if _, err := r.git(ctx, "push"); err != nil {
		return true, err
	}
	log.Info("pushed changes")
	return true, nil
}

// RemoteURL returns the URL of the origin remote.
func (r *Repo) RemoteURL(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

var githubRemote = regexp.MustCompile(`^(?:https://(?:[^@/]+@)?github\.com/|git@github\.com:|ssh://git@github\.com/)([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseGitHubRemote extracts the owner and repository name from an https or
// ssh GitHub remote URL.
func ParseGitHubRemote(url string) (owner, repo string, err error) {
	m := githubRemote.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrNotGitHub, url)
	}
	return m[1], m[2], nil
}
