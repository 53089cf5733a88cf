//go:build !darwin

package policy

import (
	"context"
	"path/filepath"
	"strings"
)

// PathVerifier stands in for a signature check on platforms without one:
// executables are trusted when they live under an allowed directory.
type PathVerifier struct {
	allowed []string
}

// NewDefaultVerifier returns the platform verifier configured from p.
func NewDefaultVerifier(p Policy) CodeSigningVerifier {
	allowed := make([]string, 0, len(p.AllowedPaths))
	for _, dir := range p.AllowedPaths {
		if dir == "" {
			continue
		}
		allowed = append(allowed, filepath.Clean(dir))
	}
	return PathVerifier{allowed: allowed}
}

func (v PathVerifier) Verify(_ context.Context, path string) error {
	path = filepath.Clean(path)
	for _, dir := range v.allowed {
		if dir == "/" || path == dir || strings.HasPrefix(path, dir+"/") {
			return nil
		}
	}
	return ErrOutsideAllowedPaths
}
