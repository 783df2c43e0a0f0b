// Package audit records every governed request in a hash-chained trail.
// Each entry's hash covers the entry content plus the previous entry's hash,
// so deleting or reordering entries is detectable from genesis.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"net/http"
	"strings"
)

// Genesis is the previousHash of the first entry in a chain.
const Genesis = "genesis"

// Category classifies what kind of operation an entry records.
type Category string

const (
	CategoryRead   Category = "read"
	CategoryWrite  Category = "write"
	CategoryDelete Category = "delete"
	CategoryAdmin  Category = "admin"
	CategorySystem Category = "system"
)

// RiskLevel grades how sensitive the recorded operation is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
)

// Entry is one immutable audit record. Hash and PreviousHash are filled by
// the store at append time; everything else is set by the pipeline.
type Entry struct {
	ID           string                 `json:"id"`
	Timestamp    string                 `json:"timestamp"`
	Hash         string                 `json:"hash"`
	PreviousHash string                 `json:"previousHash"`
	RequestID    string                 `json:"requestId"`
	Method       string                 `json:"method"`
	Path         string                 `json:"path"`
	Protocol     string                 `json:"protocol"`
	TenantID     string                 `json:"tenantId"`
	UserID       string                 `json:"userId"`
	Roles        []string               `json:"roles,omitempty"`
	APIVersion   string                 `json:"apiVersion,omitempty"`
	ClientType   string                 `json:"clientType,omitempty"`
	TraceID      string                 `json:"traceId,omitempty"`
	SpanID       string                 `json:"spanId,omitempty"`
	Action       string                 `json:"action,omitempty"`
	Category     Category               `json:"category"`
	RiskLevel    RiskLevel              `json:"riskLevel"`
	Status       Status                 `json:"status"`
	StatusCode   int                    `json:"statusCode,omitempty"`
	ErrorCode    string                 `json:"errorCode,omitempty"`
	DurationMs   int64                  `json:"durationMs,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// adminPathMarkers force the admin category regardless of method.
var adminPathMarkers = []string{"/admin", "/system", "/internal"}

// highRiskPathMarkers escalate risk to critical.
var highRiskPathMarkers = []string{"/admin", "/system", "/internal", "/secrets", "/keys"}

// Classify derives category and risk level from the request shape.
// Admin-flavored paths override the method-derived category; system context
// or DELETE raises risk to high; only admin and sensitive paths are critical.
func Classify(method, path string, systemContext bool) (Category, RiskLevel) {
	category := categoryForMethod(method)
	for _, marker := range adminPathMarkers {
		if strings.Contains(path, marker) {
			category = CategoryAdmin
			break
		}
	}
	if systemContext && category != CategoryAdmin {
		category = CategorySystem
	}

	risk := RiskLow
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		risk = RiskMedium
	case http.MethodDelete:
		risk = RiskHigh
	}
	if systemContext {
		risk = RiskHigh
	}
	if category == CategoryAdmin {
		risk = RiskCritical
	}
	for _, marker := range highRiskPathMarkers {
		if strings.Contains(path, marker) {
			risk = RiskCritical
			break
		}
	}
	return category, risk
}

func categoryForMethod(method string) Category {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return CategoryWrite
	case http.MethodDelete:
		return CategoryDelete
	default:
		return CategoryRead
	}
}

// ComputeHash hashes the entry content (minus its own hash) together with
// previousHash. Both parts are length-prefixed so no concatenation of two
// different splits collides. HMAC-SHA-256 is used when secret is non-empty.
func ComputeHash(e *Entry, previousHash, secret string) (string, error) {
	cp := *e
	cp.Hash = ""
	cp.PreviousHash = ""
	payload, err := json.Marshal(&cp)
	if err != nil {
		return "", err
	}

	var h hash.Hash
	if secret != "" {
		h = hmac.New(sha256.New, []byte(secret))
	} else {
		h = sha256.New()
	}
	writeFrame(h, payload)
	writeFrame(h, []byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeFrame(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// VerifyChain recomputes every hash from genesis and reports whether the
// sequence is intact and correctly linked.
func VerifyChain(entries []*Entry, secret string) bool {
	prev := Genesis
	for _, e := range entries {
		if e.PreviousHash != prev {
			return false
		}
		want, err := ComputeHash(e, prev, secret)
		if err != nil || want != e.Hash {
			return false
		}
		prev = e.Hash
	}
	return true
}
