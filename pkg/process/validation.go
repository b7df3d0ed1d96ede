package process

import (
	"fmt"
	"strings"

	"github.com/core-tools/hsu-provision/pkg/errors"
)

// ValidateCommand validates a command in argv form
func ValidateCommand(cmd Command) error {
	if strings.TrimSpace(cmd.Name) == "" {
		return errors.NewValidationError("command name cannot be empty", nil)
	}
	return nil
}

// ValidateKillRules validates the timeout kill rules
func ValidateKillRules(rules []KillRule) error {
	for i, rule := range rules {
		if rule.Pattern == "" {
			return errors.NewValidationError(fmt.Sprintf("kill rule %d has an empty pattern", i), nil)
		}
		if err := ValidateCommand(rule.Kill); err != nil {
			return errors.NewValidationError(fmt.Sprintf("kill rule %d has an invalid kill command", i), err).
				WithContext("pattern", rule.Pattern)
		}
	}
	return nil
}
