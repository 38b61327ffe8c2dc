package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/dutkit/dutkit/pkg/telemetry"
)

// ErrNoRelease is returned when an application has no successful release.
var ErrNoRelease = errors.New("application has no successful release")

// ReleasePusher builds and pushes the source directory as a new release of
// app.
type ReleasePusher interface {
	Push(ctx context.Context, app, source string) error
}

// CLIPusher pushes with the vendor CLI.
type CLIPusher struct {
	// Binary defaults to "balena".
	Binary string
	// Env is appended to the process environment, e.g. BALENARC_DATA_DIRECTORY.
	Env []string
}

// Push runs `<binary> push <app> --source <dir>`.
func (p *CLIPusher) Push(ctx context.Context, app, source string) error {
	bin := p.Binary
	if bin == "" {
		bin = "balena"
	}

	cmd := exec.CommandContext(ctx, bin, "push", app, "--source", source)
	cmd.Env = append(os.Environ(), p.Env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger := telemetry.FromContext(ctx).Zerolog()
	logger.Info().Str("app", app).Str("source", source).Msg("pushing release")

	if err := cmd.Run(); err != nil {
		tail := out.String()
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return fmt.Errorf("%s push %s failed: %w: %s", bin, app, err, strings.TrimSpace(tail))
	}
	logger.Debug().Str("app", app).Msg("push finished")
	return nil
}

// LatestCommit returns the commit of the newest successful release of app.
// app is a slug ("org/name") or a bare application name.
func (c *Client) LatestCommit(ctx context.Context, app string) (string, error) {
	appFilter := "a:a/app_name eq " + quote(app)
	if strings.Contains(app, "/") {
		appFilter = "a:a/slug eq " + quote(strings.ToLower(app))
	}

	var releases []struct {
		ID     int64  `json:"id"`
		Commit string `json:"commit"`
	}
	err := c.query(ctx, "latest-release", "release", odata{
		filter:  "belongs_to__application/any(" + appFilter + ") and status eq 'success'",
		selects: "id,commit",
		orderBy: "created_at desc",
		top:     1,
	}, &releases)
	if err != nil {
		return "", err
	}
	if len(releases) == 0 {
		return "", fmt.Errorf("%s: %w", app, ErrNoRelease)
	}
	return releases[0].Commit, nil
}

// PushRelease pushes source to app and returns the commit of the
// resulting release.
func (c *Client) PushRelease(ctx context.Context, app, source string) (string, error) {
	before, err := c.LatestCommit(ctx, app)
	if err != nil && !errors.Is(err, ErrNoRelease) {
		return "", err
	}

	if err := c.pusher.Push(ctx, app, source); err != nil {
		return "", err
	}

	commit, err := c.LatestCommit(ctx, app)
	if err != nil {
		return "", err
	}
	if commit == before {
		telemetry.FromContext(ctx).Zerolog().Warn().
			Str("app", app).
			Str("commit", commit).
			Msg("push produced no new release, source unchanged")
	}
	return commit, nil
}
