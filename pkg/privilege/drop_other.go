//go:build !unix

package privilege

import "github.com/rs/zerolog/log"

// Drop is not supported on this platform; the process keeps its identity.
func Drop(username string) error {
	if username != "" {
		log.Warn().Str("user", username).Msg("Privilege drop is not supported on this platform")
	}
	return nil
}
