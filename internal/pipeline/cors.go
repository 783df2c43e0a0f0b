package pipeline

import (
	"net/http"
	"strconv"
	"strings"
)

// corsPreflight short-circuits OPTIONS requests whose Origin matches the
// environment's CORS matrix with a 204. Non-preflight requests pass through.
func (p *Pipeline) corsPreflight(c *Context, w http.ResponseWriter) bool {
	r := c.Request
	origin := r.Header.Get("Origin")
	if r.Method != http.MethodOptions || origin == "" {
		return false
	}

	policy, ok := p.Manifest.CORS[p.Manifest.Env]
	if !ok || !originAllowed(policy.Origins, origin) {
		// Let the browser surface the denial; no CORS headers attached.
		w.WriteHeader(http.StatusNoContent)
		return true
	}

	h := w.Header()
	setCORSOrigin(h, policy.Origins, origin, policy.Credentials)
	h.Set("Access-Control-Allow-Methods", strings.Join(policy.Methods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(policy.Headers, ", "))
	if policy.MaxAgeSeconds > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(policy.MaxAgeSeconds))
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// attachCORS adds the actual-request CORS headers when the origin matches.
func (p *Pipeline) attachCORS(c *Context, h http.Header) {
	origin := c.Request.Header.Get("Origin")
	if origin == "" {
		return
	}
	policy, ok := p.Manifest.CORS[p.Manifest.Env]
	if !ok || !originAllowed(policy.Origins, origin) {
		return
	}
	setCORSOrigin(h, policy.Origins, origin, policy.Credentials)
	if len(policy.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(policy.ExposedHeaders, ", "))
	}
}

func setCORSOrigin(h http.Header, allowed []string, origin string, credentials bool) {
	if len(allowed) == 1 && allowed[0] == "*" && !credentials {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
