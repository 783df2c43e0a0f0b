package pipeline

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pohlai88/aibos-gateway/internal/errors"
)

// extractBody reads and decodes the request body. JSON parses into generic
// values; other content types keep the raw text. Decoding is best-effort:
// malformed JSON falls back to the raw string, only size violations fail.
func (p *Pipeline) extractBody(c *Context) *errors.GatewayError {
	r := c.Request
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}
	if r.Body == nil {
		return nil
	}

	limit := p.Manifest.PayloadLimits.MaxRequestBytes
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return errors.Wrap(err, errors.CodeValidation, "failed to read request body")
	}
	if int64(len(raw)) > limit {
		return errors.Newf(errors.CodePayloadTooLarge,
			"request body exceeds %d bytes", limit)
	}
	if len(raw) == 0 {
		return nil
	}
	c.RawBody = raw

	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "json") || ct == "" {
		var body interface{}
		if err := json.Unmarshal(raw, &body); err == nil {
			c.Body = body
			return nil
		}
	}
	c.Body = string(raw)
	return nil
}
