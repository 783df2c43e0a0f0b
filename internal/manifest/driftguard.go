package manifest

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pohlai88/aibos-gateway/internal/logging"
)

// Severity classifies how dangerous a detected drift is.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// monitoredFields is the set of top-level manifest keys the guard classifies.
// Changes outside this set still count as drift but only contribute to the
// diff, not to changedFields.
var monitoredFields = []string{
	"enforcement", "security", "protocols", "rateLimits", "cors",
	"versioning", "requiredHeaders", "payloadLimits", "errorCodes",
	"timeouts", "retry", "version",
}

// severityTiers orders field groups from most to least dangerous. The first
// tier that intersects the changed set wins.
var severityTiers = []struct {
	severity Severity
	fields   map[string]bool
}{
	{SeverityCritical, map[string]bool{"enforcement": true, "security": true}},
	{SeverityHigh, map[string]bool{"protocols": true, "rateLimits": true}},
	{SeverityMedium, map[string]bool{"cors": true, "versioning": true, "requiredHeaders": true}},
}

// Diff lists top-level keys that differ between baseline and current.
type Diff struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// Report is the outcome of one drift check.
type Report struct {
	HasDrift      bool     `json:"hasDrift"`
	Diff          Diff     `json:"diff"`
	ChangedFields []string `json:"changedFields"`
	Severity      Severity `json:"severity"`
	ReasonCodes   []string `json:"reasonCodes"`
}

// Decision records one Approve or Reject call in the guard's history.
type Decision struct {
	Action    string    `json:"action"` // "approve" | "reject"
	By        string    `json:"by"`
	Reason    string    `json:"reason,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Guard holds a deep-cloned baseline manifest and detects unauthorized
// changes against it. Safe for concurrent use.
type Guard struct {
	mu       sync.Mutex
	secret   string
	baseline *Manifest
	history  []Decision
}

// NewGuard clones the boot manifest as the drift baseline.
func NewGuard(baseline *Manifest, secret string) (*Guard, error) {
	clone, err := baseline.Clone()
	if err != nil {
		return nil, err
	}
	return &Guard{secret: secret, baseline: clone}, nil
}

// CheckDrift compares the current manifest against the baseline. The
// comparison ignores the signature field on both sides so a legitimately
// re-signed but otherwise identical manifest reports no drift.
func (g *Guard) CheckDrift(current *Manifest) (*Report, error) {
	g.mu.Lock()
	baseline := g.baseline
	g.mu.Unlock()

	baseSig, err := ComputeSignature(baseline, g.secret)
	if err != nil {
		return nil, err
	}
	curSig, err := ComputeSignature(current, g.secret)
	if err != nil {
		return nil, err
	}
	if baseSig == curSig {
		return &Report{Severity: SeverityNone}, nil
	}

	baseObj, err := toObject(baseline)
	if err != nil {
		return nil, err
	}
	curObj, err := toObject(current)
	if err != nil {
		return nil, err
	}
	delete(baseObj, "signature")
	delete(curObj, "signature")

	rep := &Report{HasDrift: true}
	for k := range curObj {
		if _, ok := baseObj[k]; !ok {
			rep.Diff.Added = append(rep.Diff.Added, k)
		}
	}
	for k, bv := range baseObj {
		cv, ok := curObj[k]
		if !ok {
			rep.Diff.Removed = append(rep.Diff.Removed, k)
			continue
		}
		if !reflect.DeepEqual(bv, cv) {
			rep.Diff.Modified = append(rep.Diff.Modified, k)
		}
	}
	sort.Strings(rep.Diff.Added)
	sort.Strings(rep.Diff.Removed)
	sort.Strings(rep.Diff.Modified)

	changed := make(map[string]bool)
	for _, list := range [][]string{rep.Diff.Added, rep.Diff.Removed, rep.Diff.Modified} {
		for _, k := range list {
			changed[k] = true
		}
	}
	for _, f := range monitoredFields {
		if changed[f] {
			rep.ChangedFields = append(rep.ChangedFields, f)
			rep.ReasonCodes = append(rep.ReasonCodes, reasonCode(f))
		}
	}

	rep.Severity = SeverityLow
	for _, tier := range severityTiers {
		if intersects(changed, tier.fields) {
			rep.Severity = tier.severity
			break
		}
	}
	return rep, nil
}

// Approve replaces the baseline with a deep clone of the new manifest and
// records the decision.
func (g *Guard) Approve(next *Manifest, by, reason string) error {
	rep, err := g.CheckDrift(next)
	if err != nil {
		return err
	}
	clone, err := next.Clone()
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.baseline = clone
	g.history = append(g.history, Decision{
		Action: "approve", By: by, Reason: reason,
		Severity: rep.Severity, Timestamp: time.Now().UTC(),
	})
	g.mu.Unlock()

	logging.Info("manifest drift approved",
		zap.String("by", by),
		zap.String("severity", string(rep.Severity)),
		zap.Strings("changed", rep.ChangedFields))
	return nil
}

// Reject records the decision without touching the baseline.
func (g *Guard) Reject(current *Manifest, by, reason string) error {
	rep, err := g.CheckDrift(current)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.history = append(g.history, Decision{
		Action: "reject", By: by, Reason: reason,
		Severity: rep.Severity, Timestamp: time.Now().UTC(),
	})
	g.mu.Unlock()

	logging.Warn("manifest drift rejected",
		zap.String("by", by),
		zap.String("reason", reason),
		zap.String("severity", string(rep.Severity)))
	return nil
}

// Enforce fails hard when the current manifest drifted in a high or critical
// way. Callers treat the returned error as fatal.
func (g *Guard) Enforce(current *Manifest) error {
	rep, err := g.CheckDrift(current)
	if err != nil {
		return err
	}
	if rep.Severity == SeverityHigh || rep.Severity == SeverityCritical {
		logging.Error("manifest drift enforcement triggered",
			zap.String("severity", string(rep.Severity)),
			zap.Strings("reasonCodes", rep.ReasonCodes))
		return fmt.Errorf("manifest drift: severity=%s fields=%s",
			rep.Severity, strings.Join(rep.ChangedFields, ","))
	}
	return nil
}

// History returns a copy of the recorded approve/reject decisions.
func (g *Guard) History() []Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Decision, len(g.history))
	copy(out, g.history)
	return out
}

// Baseline returns a clone of the current baseline manifest.
func (g *Guard) Baseline() (*Manifest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.baseline.Clone()
}

// reasonCode converts a camelCase field name to its <FIELD>_CHANGED code,
// e.g. rateLimits becomes RATE_LIMITS_CHANGED.
func reasonCode(field string) string {
	var sb strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' && i > 0 {
			sb.WriteByte('_')
		}
		sb.WriteRune(r)
	}
	return strings.ToUpper(sb.String()) + "_CHANGED"
}

func intersects(set map[string]bool, group map[string]bool) bool {
	for k := range group {
		if set[k] {
			return true
		}
	}
	return false
}
