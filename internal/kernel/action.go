package kernel

import (
	"fmt"
	"regexp"

	"github.com/pohlai88/aibos-gateway/internal/errors"
)

// actionBlocklist rejects action strings in every environment: mutating SQL
// verbs, code evaluation, module/process access, and prototype pollution.
var actionBlocklist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(drop|truncate|delete|insert|update|alter|grant|revoke)\b\s`),
	regexp.MustCompile(`(?i)\b(eval|exec|execfile|spawn|fork)\s*\(`),
	regexp.MustCompile(`(?i)\bnew\s+Function\b`),
	regexp.MustCompile(`(?i)\b(process|require|import|child_process)\b\s*[.(]`),
	regexp.MustCompile(`__proto__|\bprototype\b|\bconstructor\b`),
	regexp.MustCompile("[;`$]"),
}

// actionWhitelist is the production-only shape an action may take: a dotted
// call like "engine.invoice.create()" or a bare dotted action name, with an
// optional parenthesized argument list free of statement separators.
var actionWhitelist = []*regexp.Regexp{
	regexp.MustCompile(`^[a-z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)+\((?:[^();]*)\)$`),
	regexp.MustCompile(`^[a-z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)+$`),
}

const maxActionLength = 256

// ValidateAction vets a user-supplied action string. The blocklist applies
// everywhere; the whitelist shape only in production.
func ValidateAction(action string, production bool) error {
	if action == "" {
		return errors.New(errors.CodeValidation, "action is required")
	}
	if len(action) > maxActionLength {
		return errors.New(errors.CodeValidation,
			fmt.Sprintf("action exceeds %d characters", maxActionLength))
	}
	for _, re := range actionBlocklist {
		if re.MatchString(action) {
			return errors.New(errors.CodeValidation, "action contains a blocked pattern").
				WithReason(fmt.Sprintf("blocklist pattern %q matched", re.String()))
		}
	}
	if production {
		for _, re := range actionWhitelist {
			if re.MatchString(action) {
				return nil
			}
		}
		return errors.New(errors.CodeValidation, "action does not match an allowed shape")
	}
	return nil
}
