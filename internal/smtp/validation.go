package smtp

import (
	"math"
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

var (
	mailFromRe = regexp.MustCompile(`(?i)^FROM:\s*<(.+?)>(?:\s+(.*))?$`)
	rcptToRe   = regexp.MustCompile(`(?i)^TO:\s*<(.+?)>`)
)

// ValidateEmailAddress checks the length limits of RFC 5321 and a conservative address syntax
func ValidateEmailAddress(email string) bool {
	if email == "" || len(email) > 320 {
		return false
	}

	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return false
	}
	if len(local) > 64 || len(domain) > 255 {
		return false
	}

	return emailRegex.MatchString(email)
}

// DomainOf returns the lowercased domain part of addr
func DomainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}

// IsLocal reports whether addr belongs to domain
func IsLocal(addr, domain string) bool {
	return DomainOf(addr) == strings.ToLower(domain)
}

// parseMailFrom extracts the reverse-path and the optional SIZE= parameter
func parseMailFrom(args string) (addr string, size int64, ok bool) {
	m := mailFromRe.FindStringSubmatch(strings.TrimSpace(args))
	if m == nil {
		return "", 0, false
	}
	for _, param := range strings.Fields(m[2]) {
		k, v, _ := strings.Cut(param, "=")
		if strings.EqualFold(k, "SIZE") {
			for _, c := range v {
				if c < '0' || c > '9' {
					return "", 0, false
				}
				d := int64(c - '0')
				if size > (math.MaxInt64-d)/10 {
					size = math.MaxInt64
					break
				}
				size = size*10 + d
			}
		}
	}
	return strings.TrimSpace(m[1]), size, true
}

// parseRcptTo extracts the forward-path
func parseRcptTo(args string) (string, bool) {
	m := rcptToRe.FindStringSubmatch(strings.TrimSpace(args))
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
