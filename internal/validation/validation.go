// Package validation holds the request field validators shared by the
// HTTP surface.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// modelRegex matches model identifiers ("sonnet", "gpt-4o", "ollama/llama3")
	modelRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_./:-]*$`)
)

// DefaultIntentMode is applied by the handler when the request leaves
// the intent mode empty.
const DefaultIntentMode = "edit"

// IntentModes is the closed set of accepted intent modes.
var IntentModes = []string{"edit", "explain", "review", "plan"}

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateProjectID validates a project ID
func ValidateProjectID(id string) error {
	return ValidateUUID(id)
}

// ValidateSessionID validates an optional conversation session ID
func ValidateSessionID(id string) error {
	if id == "" {
		return nil
	}
	return ValidateUUID(id)
}

// ValidateIntentMode checks membership in the closed intent-mode set.
// Empty defaults to "edit" at the handler; that is not an error here.
func ValidateIntentMode(mode string) error {
	if mode == "" {
		return nil
	}
	for _, m := range IntentModes {
		if mode == m {
			return nil
		}
	}
	return fmt.Errorf("invalid intent mode %q (must be one of %s)", mode, strings.Join(IntentModes, ", "))
}

// ValidateModel checks a model identifier's shape
func ValidateModel(model string) error {
	if model == "" {
		return nil
	}
	if len(model) > 128 || !modelRegex.MatchString(model) {
		return fmt.Errorf("invalid model identifier: %s", model)
	}
	return nil
}

// ValidateRequestText checks the user request text
func ValidateRequestText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("request text cannot be empty")
	}
	if len(text) > 1<<20 {
		return fmt.Errorf("request text exceeds maximum length")
	}
	return nil
}
