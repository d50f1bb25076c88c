package secrets

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError represents a validation failure for required secrets.
type ValidationError struct {
	Missing []string
	Empty   []string
	Weak    []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Empty) > 0 {
		parts = append(parts, fmt.Sprintf("empty values for required environment variables: %s", strings.Join(e.Empty, ", ")))
	}
	if len(e.Weak) > 0 {
		parts = append(parts, fmt.Sprintf("insecure default values for: %s", strings.Join(e.Weak, ", ")))
	}
	return strings.Join(parts, "; ")
}

// knownDefaults are development placeholders that must not reach production.
var knownDefaults = map[string]bool{
	"supersecretkey": true,
	"changeme":       true,
	"secret":         true,
}

// ValidateRequired checks that every key in required is present in values,
// non-blank and not a known development placeholder.
func ValidateRequired(values map[string]string, required ...string) error {
	var verr ValidationError
	for _, key := range required {
		value, ok := values[key]
		switch {
		case !ok:
			verr.Missing = append(verr.Missing, key)
		case strings.TrimSpace(value) == "":
			verr.Empty = append(verr.Empty, key)
		case knownDefaults[strings.ToLower(value)]:
			verr.Weak = append(verr.Weak, key)
		}
	}
	if len(verr.Missing) == 0 && len(verr.Empty) == 0 && len(verr.Weak) == 0 {
		return nil
	}
	sort.Strings(verr.Missing)
	sort.Strings(verr.Empty)
	sort.Strings(verr.Weak)
	return &verr
}
