package policy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	// ErrProcessGone is returned by an ExecutableResolver when the process
	// exited before its executable could be resolved.
	ErrProcessGone = errors.New("process no longer exists")

	// ErrOutsideAllowedPaths is the path verifier's failure reason.
	ErrOutsideAllowedPaths = errors.New("executable outside allowed paths")
)

// CodeSigningVerifier checks the signature of an executable. A nil result
// means the executable is trusted; the error text is the reason otherwise.
// Results are cached by path, so implementations must be deterministic for
// a given file.
type CodeSigningVerifier interface {
	Verify(ctx context.Context, path string) error
}

// ExecutableResolver maps a pid to the path of its backing executable.
type ExecutableResolver interface {
	Executable(ctx context.Context, pid int32) (string, error)
}

// Hasher computes a content digest of a file.
type Hasher interface {
	Hash(path string) (string, error)
}

// ProcessResolver resolves executables through gopsutil.
type ProcessResolver struct{}

func (ProcessResolver) Executable(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return "", ErrProcessGone
		}
		return "", err
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil {
		if running, rerr := p.IsRunningWithContext(ctx); rerr == nil && !running {
			return "", ErrProcessGone
		}
		return "", fmt.Errorf("resolve executable of pid %d: %w", pid, err)
	}
	if exe == "" {
		return "", fmt.Errorf("resolve executable of pid %d: empty path", pid)
	}
	return exe, nil
}

// SHA256Hasher returns the base64-encoded SHA-256 digest of a file.
type SHA256Hasher struct{}

func (SHA256Hasher) Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
