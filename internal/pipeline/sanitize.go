package pipeline

import (
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/logging"
)

var (
	htmlTagPattern   = regexp.MustCompile(`<[^>]*>`)
	dangerousPattern = regexp.MustCompile(`(?i)javascript:|data:text/html|vbscript:`)
)

// sanitizer performs the recursive traversal shared by input sanitization
// (stage 9) and output validation (stage 11).
type sanitizer struct {
	maxDepth      int
	maxArray      int
	maxString     int
	stripHTML     bool
	flags         []string
	visited       map[uintptr]bool
	depthExceeded bool
}

func (p *Pipeline) newSanitizer() *sanitizer {
	limits := p.Manifest.PayloadLimits
	return &sanitizer{
		maxDepth:  limits.MaxDepth,
		maxArray:  limits.MaxArrayLength,
		maxString: limits.MaxStringLength,
		stripHTML: p.Manifest.Enforcement.StripHTML,
		visited:   make(map[uintptr]bool),
	}
}

// sanitizeInput cleans the parsed body (stage 9). A body nested past the
// depth cap is rejected outright; everything else is repaired and flagged.
func (p *Pipeline) sanitizeInput(c *Context) *errors.GatewayError {
	if !p.Manifest.Enforcement.SanitizeInputs || c.Body == nil {
		return nil
	}
	s := p.newSanitizer()
	clean := s.walk(c.Body, 0)
	if s.depthExceeded {
		return errors.Newf(errors.CodeValidation,
			"payload nesting exceeds maximum depth %d", s.maxDepth)
	}
	c.Sanitized = clean
	c.Flags = s.flags
	return nil
}

// validateOutput runs the same traversal over the kernel result (stage 11).
// Findings are fatal in production and logged in development.
func (p *Pipeline) validateOutput(c *Context, result interface{}) *errors.GatewayError {
	if result == nil {
		return nil
	}
	s := p.newSanitizer()
	s.walk(result, 0)
	if s.depthExceeded || len(s.flags) > 0 {
		if p.Manifest.Production() {
			return errors.New(errors.CodeOutputValidationFailed, "response failed output validation").
				WithReason(strings.Join(s.flags, ","))
		}
		logging.Warn("output validation findings",
			zap.String("path", c.Path),
			zap.Strings("flags", s.flags))
	}
	return nil
}

// walk returns a sanitized copy of v, recording a flag per repair.
func (s *sanitizer) walk(v interface{}, depth int) interface{} {
	if depth > s.maxDepth {
		s.depthExceeded = true
		return nil
	}
	switch t := v.(type) {
	case string:
		return s.cleanString(t)
	case map[string]interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		if s.visited[ptr] {
			s.flag("CYCLE_DETECTED")
			return nil
		}
		s.visited[ptr] = true
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[s.cleanString(k)] = s.walk(val, depth+1)
		}
		return out
	case []interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		if s.visited[ptr] {
			s.flag("CYCLE_DETECTED")
			return nil
		}
		s.visited[ptr] = true
		if len(t) > s.maxArray {
			s.flag("ARRAY_TRUNCATED")
			t = t[:s.maxArray]
		}
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = s.walk(e, depth+1)
		}
		return out
	default:
		return v
	}
}

func (s *sanitizer) cleanString(in string) string {
	out := in
	if strings.ContainsRune(out, 0) {
		out = strings.ReplaceAll(out, "\x00", "")
		s.flag("NULL_BYTES_STRIPPED")
	}
	if s.stripHTML && htmlTagPattern.MatchString(out) {
		out = htmlTagPattern.ReplaceAllString(out, "")
		s.flag("HTML_STRIPPED")
	}
	if dangerousPattern.MatchString(out) {
		out = dangerousPattern.ReplaceAllString(out, "")
		s.flag("DANGEROUS_PATTERN_REMOVED")
	}
	if len(out) > s.maxString {
		// Back up to a rune boundary so the cut never emits invalid UTF-8.
		cut := s.maxString
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
		s.flag("STRING_TRUNCATED")
	}
	return out
}

func (s *sanitizer) flag(name string) {
	for _, f := range s.flags {
		if f == name {
			return
		}
	}
	s.flags = append(s.flags, name)
}
