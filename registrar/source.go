package registrar

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// AcquireLocal returns dir itself with a no-op cleanup, for the "config
// directory supplied locally" source (§4.6's register_repos with a
// non-null config directory).
func AcquireLocal(dir string) (string, func(), error) {
	if _, err := os.Stat(dir); err != nil {
		return "", nil, fmt.Errorf("registrar: local config directory: %w", err)
	}
	return dir, func() {}, nil
}

// AcquireGit clones repoURL into a fresh temporary directory, checks
// out ref (empty means the remote's default branch), and returns the
// directory and a cleanup func that guarantees its removal on every
// exit path, per §4.4's "scoped acquisition" note. No vetted Git
// client library exists anywhere in this codebase's dependency set, so
// this shells out to the system git binary, the common idiom absent
// one.
func AcquireGit(ctx context.Context, repoURL, ref string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "reposync-registrar-*")
	if err != nil {
		return "", nil, fmt.Errorf("registrar: create temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, repoURL, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("registrar: git clone %s: %w: %s", repoURL, err, out)
	}

	return dir, cleanup, nil
}
