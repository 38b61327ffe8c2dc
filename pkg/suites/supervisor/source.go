package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dutkit/dutkit/pkg/telemetry"
)

// isRemote reports whether src names a git repository rather than a local
// directory.
func isRemote(src string) bool {
	for _, p := range []string{"https://", "http://", "git@", "ssh://", "git://"} {
		if strings.HasPrefix(src, p) {
			return true
		}
	}
	return false
}

// stage makes a private working copy of src under dst: a shallow clone
// for a repository URL, a plain copy for a local directory.
func stage(ctx context.Context, src, dst string) error {
	if src == "" {
		return fmt.Errorf("no release source configured")
	}
	if isRemote(src) {
		return gitClone(ctx, src, dst)
	}
	return copyTree(src, dst)
}

func gitClone(ctx context.Context, url, dst string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, dst)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	telemetry.FromContext(ctx).Zerolog().Debug().Str("repo", url).Str("dir", dst).Msg("cloning release source")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone %s: %w: %s", url, err, strings.TrimSpace(out.String()))
	}
	return nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if d.Name() == ".git" && path != src {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, d)
		}
	})
}

func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// appendLine appends line to the file at path.
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
