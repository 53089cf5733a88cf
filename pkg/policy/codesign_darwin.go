//go:build darwin

package policy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CodesignVerifier shells out to codesign(1): the signature must be valid and
// one of its Authority= entries must contain an allowed authority.
type CodesignVerifier struct {
	authorities []string
}

// NewDefaultVerifier returns the platform verifier configured from p.
func NewDefaultVerifier(p Policy) CodeSigningVerifier {
	return CodesignVerifier{authorities: append([]string(nil), p.AllowedSigningAuthorities...)}
}

func (v CodesignVerifier) Verify(ctx context.Context, path string) error {
	if out, err := exec.CommandContext(ctx, "codesign", "--verify", "--strict", path).CombinedOutput(); err != nil {
		reason := strings.TrimSpace(string(out))
		if reason == "" {
			reason = err.Error()
		}
		return fmt.Errorf("invalid signature: %s", reason)
	}

	// codesign writes the display output to stderr.
	out, err := exec.CommandContext(ctx, "codesign", "-dvv", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("read signature: %w", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "Authority=") {
			continue
		}
		authority := strings.TrimPrefix(line, "Authority=")
		for _, allowed := range v.authorities {
			if strings.Contains(authority, allowed) {
				return nil
			}
		}
	}
	return errors.New("signing authority not allowed")
}
