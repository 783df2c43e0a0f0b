package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/logging"
)

// riskFactor is one weighted detector the pre-check firewall evaluates
// against the serialized request body.
type riskFactor struct {
	name     string
	pattern  *regexp.Regexp
	weight   float64
	critical bool
}

var requestFactors = []riskFactor{
	{"xss", regexp.MustCompile(`(?i)<script[\s>]|javascript:|on(?:error|load|click)\s*=`), 0.5, true},
	{"prototype_pollution", regexp.MustCompile(`__proto__|\bconstructor\b\s*\[|\bprototype\b\s*\[`), 0.5, true},
	{"template_injection", regexp.MustCompile(`\{\{.*\}\}|\$\{.*\}|<%.*%>`), 0.4, false},
	{"code_execution", regexp.MustCompile(`(?i)\b(eval|Function|require|import)\s*\(`), 0.5, true},
	{"sql_injection", regexp.MustCompile(`(?i)('\s*(or|and)\s+['\d])|(union\s+select)|(;\s*(drop|delete|truncate)\s)|(--\s*$)`), 0.5, true},
	{"path_traversal", regexp.MustCompile(`\.\./|\.\.\\`), 0.3, false},
}

// builtinSafeModePatterns detect prompt-injection attempts on AI paths.
// The manifest can replace the set.
var builtinSafeModePatterns = []string{
	`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts)`,
	`(?i)disregard\s+(your|the)\s+(instructions|rules|guidelines)`,
	`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s*mode`,
	`(?i)system\s*prompt\s*[:=]`,
	`(?i)reveal\s+(your|the)\s+(system\s+)?prompt`,
}

// firewallPre scores the request body against the risk factors (stage 8).
func (p *Pipeline) firewallPre(c *Context) *errors.GatewayError {
	fw := p.Manifest.Enforcement.AIFirewall
	if !p.Manifest.Enforcement.AIFirewallRequired {
		return nil
	}
	if c.Auth.IsSystem() {
		return nil
	}
	for _, bp := range fw.BypassPaths {
		if c.Path == bp {
			return nil
		}
	}
	if c.Body == nil {
		return nil
	}

	serialized := serializeBody(c.Body)
	score := 0.0
	var matched []string
	for _, f := range requestFactors {
		if f.pattern.MatchString(serialized) {
			w := f.weight
			if f.critical && fw.CriticalMultiplier > 0 {
				w *= fw.CriticalMultiplier
			}
			score += w
			matched = append(matched, f.name)
		}
	}

	if isAIPath(fw.AIPaths, c.Path) {
		for _, raw := range safeModePatterns(fw.SafeModePatterns) {
			re, err := regexp.Compile(raw)
			if err != nil {
				continue
			}
			if re.MatchString(serialized) {
				score += 0.8
				matched = append(matched, "prompt_injection")
				break
			}
		}
	}

	threshold := fw.RiskThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	if score >= threshold {
		logging.Warn("ai firewall blocked request",
			zap.String("path", c.Path),
			zap.Float64("score", score),
			zap.Strings("factors", matched))
		return errors.New(errors.CodeAIFirewallBlocked, "request blocked by security policy").
			WithReason(fmt.Sprintf("score %.2f >= %.2f, factors: %s",
				score, threshold, strings.Join(matched, ",")))
	}
	return nil
}

// leakageKeys are response keys that must never reach a client.
var leakageKeys = map[string]bool{
	"stack": true, "trace": true, "internalError": true,
	"debug": true, "sql": true, "env": true, "process": true,
}

var piiKeyPattern = regexp.MustCompile(`(?i)^(password|passwd|secret|token|apikey|api_key|ssn|socialsecurity|creditcard|credit_card|cardnumber)$`)

// firewallPost rejects responses leaking internals or unredacted PII
// (stage 12).
func (p *Pipeline) firewallPost(c *Context, result interface{}) *errors.GatewayError {
	if !p.Manifest.Enforcement.AIFirewallRequired || result == nil {
		return nil
	}
	if key := findLeak(result, 0); key != "" {
		return errors.New(errors.CodeOutputValidationFailed, "response blocked by security policy").
			WithReason(fmt.Sprintf("leaking key %q", key))
	}
	return nil
}

// findLeak walks the result looking for leakage keys or unredacted PII keys.
func findLeak(v interface{}, depth int) string {
	if depth > 32 {
		return ""
	}
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if leakageKeys[k] {
				return k
			}
			if piiKeyPattern.MatchString(k) && !redacted(val) {
				return k
			}
			if found := findLeak(val, depth+1); found != "" {
				return found
			}
		}
	case []interface{}:
		for _, e := range t {
			if found := findLeak(e, depth+1); found != "" {
				return found
			}
		}
	}
	return ""
}

func redacted(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && (s == "" || s == "[REDACTED]" || s == "undefined" || s == "null")
}

func serializeBody(body interface{}) string {
	if s, ok := body.(string); ok {
		return s
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%v", body)
	}
	return string(raw)
}

func isAIPath(paths []string, path string) bool {
	for _, ap := range paths {
		if path == ap || strings.HasPrefix(path, ap+"/") {
			return true
		}
	}
	return false
}

func safeModePatterns(configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	return builtinSafeModePatterns
}
