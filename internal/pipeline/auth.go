package pipeline

import (
	"fmt"
	"strings"

	"github.com/pohlai88/aibos-gateway/internal/errors"
)

// authenticate resolves the request identity (stage 6). Anonymous-listed
// paths skip authentication entirely and get the sentinel context.
func (p *Pipeline) authenticate(c *Context) *errors.GatewayError {
	r := c.Request
	requestID := r.Header.Get("X-Request-ID")

	version, ge := p.negotiateVersion(c)
	if ge != nil {
		return ge
	}

	if matchesAnonymous(p.Manifest.Security.AnonymousPaths, c.Path) || !p.Manifest.Security.RequireAuth {
		auth := AnonymousAuth(requestID)
		auth.APIVersion = version
		c.Auth = auth
		return nil
	}

	for _, name := range p.Manifest.RequiredHeaders.Authenticated {
		if r.Header.Get(name) == "" {
			return errors.Newf(errors.CodeUnauthorized, "missing required header %s", name)
		}
	}

	token := r.Header.Get("Authorization")
	res := p.Validator.Validate(token, p.Manifest)
	if res == nil || !res.Valid {
		msg := "invalid credentials"
		if res != nil && res.Error != "" {
			msg = res.Error
		}
		return errors.New(errors.CodeAuth, msg)
	}

	tenant := res.TenantID
	if tenant == "" {
		tenant = r.Header.Get("X-Tenant-ID")
	}
	if p.Manifest.Security.RequireTenantID && tenant == "" {
		return errors.New(errors.CodeAuth, "tenant id required")
	}

	c.Auth = &AuthContext{
		TenantID:      tenant,
		UserID:        res.UserID,
		Roles:         res.Roles,
		Permissions:   res.Permissions,
		Token:         token,
		APIVersion:    version,
		RequestID:     requestID,
		ClientType:    r.Header.Get("X-Client-Type"),
		ClientVersion: r.Header.Get("X-Client-Version"),
	}
	return nil
}

// negotiateVersion resolves the API version per the manifest strategy.
func (p *Pipeline) negotiateVersion(c *Context) (string, *errors.GatewayError) {
	v := p.Manifest.Versioning
	requested := ""
	switch v.Strategy {
	case "query":
		requested = c.Request.URL.Query().Get("version")
	case "path":
		for _, seg := range strings.Split(strings.Trim(c.Path, "/"), "/") {
			if versionSupported(v.Supported, seg) || seg == "latest" {
				requested = seg
				break
			}
		}
	default: // header
		requested = c.Request.Header.Get("X-API-Version")
	}

	if requested == "" {
		return v.Default, nil
	}
	if requested == "latest" {
		if !v.AllowLatestAlias {
			return "", errors.New(errors.CodeValidation, `version alias "latest" not allowed`)
		}
		return v.Latest, nil
	}
	if !versionSupported(v.Supported, requested) {
		return "", errors.New(errors.CodeValidation,
			fmt.Sprintf("api version %q not supported", requested))
	}
	return requested, nil
}

func versionSupported(supported []string, v string) bool {
	for _, s := range supported {
		if s == v {
			return true
		}
	}
	return false
}

// matchesAnonymous applies the allow-list pattern rules: exact match, the
// universal "*", or a trailing-star prefix pattern.
func matchesAnonymous(patterns []string, path string) bool {
	for _, pat := range patterns {
		switch {
		case pat == "*":
			return true
		case strings.HasSuffix(pat, "*"):
			if strings.HasPrefix(path, strings.TrimSuffix(pat, "*")) {
				return true
			}
		case pat == path:
			return true
		}
	}
	return false
}
