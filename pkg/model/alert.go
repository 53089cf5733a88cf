package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is totally ordered: Low < Medium < High < Critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	case SeverityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity accepts the String form in any case.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s >= other
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SecurityAlert is a single user-facing finding.
type SecurityAlert struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Severity       Severity  `json:"severity"`
	Description    string    `json:"description"`
	Source         string    `json:"source"`
	Recommendation *string   `json:"recommendation,omitempty"`
}

// NewAlert stamps a fresh alert with a random ID.
func NewAlert(ts time.Time, sev Severity, description, source string) SecurityAlert {
	return SecurityAlert{
		ID:          uuid.NewString(),
		Timestamp:   ts,
		Severity:    sev,
		Description: description,
		Source:      source,
	}
}

// WithRecommendation returns a copy carrying the given recommendation.
func (a SecurityAlert) WithRecommendation(r string) SecurityAlert {
	a.Recommendation = &r
	return a
}

// Clone copies the optional recommendation so the result shares nothing with a.
func (a SecurityAlert) Clone() SecurityAlert {
	if a.Recommendation != nil {
		r := *a.Recommendation
		a.Recommendation = &r
	}
	return a
}
