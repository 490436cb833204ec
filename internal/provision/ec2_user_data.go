package provision

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"fmt"
	"os"
	"text/template"

	"github.com/kballard/go-shellquote"
)

var ErrUserData = fmt.Errorf("failed to render instance user data")

//go:embed user_data.sh.tmpl
var userDataTemplate string

var userDataTpl = template.Must(template.New("user-data").Parse(userDataTemplate))

// userData returns the base64-encoded boot script for new instances: the
// configured user data file when set, the built-in bootstrap script
// otherwise.
func (p *Provisioner) userData() (string, error) {
	if path := p.Config.Instances.UserDataFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUserData, err)
		}
		return base64.StdEncoding.EncodeToString(data), nil
	}

	app := p.Config.App
	params := struct {
		User, RepoURL, RemoteRoot, BuildCommand string
		Modules                                 []string
	}{
		User:         shellquote.Join(p.Config.Instances.SSHUser),
		RemoteRoot:   shellquote.Join(app.RemoteRoot),
		BuildCommand: app.BuildCommand,
		Modules:      []string{shellquote.Join(app.ServerModule), shellquote.Join(app.ClientModule)},
	}
	if app.RepoURL != "" {
		params.RepoURL = shellquote.Join(app.RepoURL)
	}

	var buf bytes.Buffer
	if err := userDataTpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUserData, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
