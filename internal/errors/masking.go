package errors

import "regexp"

// maskedMessage replaces internal detail when masking applies. Codes and
// error ids are never masked.
const maskedMessage = "An internal error occurred. Please contact support with the error ID."

// maskedCodes always mask their message under masking.
var maskedCodes = map[Code]bool{
	CodeInternal:           true,
	CodeServiceUnavailable: true,
	CodeGatewayTimeout:     true,
}

// sensitivePatterns match messages that leak implementation detail:
// SQL fragments, database identifiers, stack trace shapes, errno names.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsql\b`),
	regexp.MustCompile(`(?i)\bdatabase\b`),
	regexp.MustCompile(`(?i)\bpostgres(ql)?\b`),
	regexp.MustCompile(`(?i)\bredis\b`),
	regexp.MustCompile(`(?m)^\s+at\s+\S+`),          // js/java style frames
	regexp.MustCompile(`goroutine \d+ \[`),          // go stack dumps
	regexp.MustCompile(`\.go:\d+`),                  // go file:line
	regexp.MustCompile(`\bE(ACCES|NOENT|CONNREFUSED|PIPE|TIMEDOUT|ADDRINUSE)\b`),
	regexp.MustCompile(`(?i)\b(password|secret|token|api[_-]?key)\b`),
}

// MaskMessage returns the message to expose to clients. When masking is
// active, internal codes and sensitive-looking messages collapse to a
// generic phrase.
func MaskMessage(code Code, message string, masking bool) string {
	if !masking {
		return message
	}
	if maskedCodes[code] {
		return maskedMessage
	}
	for _, p := range sensitivePatterns {
		if p.MatchString(message) {
			return maskedMessage
		}
	}
	return message
}
