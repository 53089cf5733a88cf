package events

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lucid-vigil/guardian/pkg/model"
	"golang.org/x/time/rate"
)

// Validator validates and sanitizes alerts before they reach live
// subscribers.
type Validator struct {
	mu             sync.Mutex
	rateLimiters   map[string]*rate.Limiter // source -> rate limiter
	limit          rate.Limit
	burst          int
	maxDescription int
}

// NewValidator allows perMinute alerts per source with the given burst.
// Descriptions longer than maxDescription bytes are truncated.
func NewValidator(perMinute, burst, maxDescription int) *Validator {
	if perMinute <= 0 {
		perMinute = 100
	}
	if burst <= 0 {
		burst = 10
	}
	if maxDescription <= 0 {
		maxDescription = 4096
	}
	return &Validator{
		rateLimiters:   make(map[string]*rate.Limiter),
		limit:          rate.Every(time.Minute / time.Duration(perMinute)),
		burst:          burst,
		maxDescription: maxDescription,
	}
}

// Validate checks required fields, sanitizes the description in place and
// applies the per-source rate limit.
func (v *Validator) Validate(a *model.SecurityAlert) error {
	// Check required fields
	if a.Source == "" {
		return fmt.Errorf("alert source is required")
	}
	if strings.TrimSpace(a.Description) == "" {
		return fmt.Errorf("alert description is required")
	}
	if a.Severity < model.SeverityLow || a.Severity > model.SeverityCritical {
		return fmt.Errorf("invalid severity: %s", a.Severity)
	}

	a.Description = sanitizeString(a.Description, v.maxDescription)

	// Rate limiting check
	if !v.checkRateLimit(a.Source) {
		return fmt.Errorf("rate limit exceeded for source: %s", a.Source)
	}
	return nil
}

// checkRateLimit checks if the alert source is within rate limits
func (v *Validator) checkRateLimit(source string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	limiter, exists := v.rateLimiters[source]
	if !exists {
		limiter = rate.NewLimiter(v.limit, v.burst)
		v.rateLimiters[source] = limiter
	}
	return limiter.Allow()
}

// sanitizeString removes control characters and caps the length.
func sanitizeString(s string, max int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	// Limit length without splitting a rune
	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return strings.TrimSpace(s)
}
