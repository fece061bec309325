package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"astrograph/pkg/httpx"
)

// KeyFunc derives the limiter key for a request.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over the limit with 429 and a JSON error body.
// Allowed responses carry X-RateLimit-Limit and X-RateLimit-Remaining.
func Middleware(l Limiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), key(r))
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int((d.RetryAfter(time.Now()) + time.Second - 1) / time.Second)
				h.Set("Retry-After", strconv.Itoa(max(secs, 1)))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKey keys by the caller's IP. Forwarding headers are honored only
// when the direct peer is inside one of trusted.
func ClientIPKey(trusted []*net.IPNet) KeyFunc {
	return func(r *http.Request) string {
		remote := parseIP(r.RemoteAddr)
		if remote != "" && contains(trusted, remote) {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := parseIP(first); ip != "" {
					return "ip:" + ip
				}
			}
			if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
				return "ip:" + ip
			}
		}
		if remote == "" {
			return "ip:unknown"
		}
		return "ip:" + remote
	}
}

// ParseCIDRs reads a comma list of CIDRs or bare IPs; invalid entries are skipped.
func ParseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				continue
			}
			if ip.To4() != nil {
				part += "/32"
			} else {
				part += "/128"
			}
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

func contains(nets []*net.IPNet, ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		addr = host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}
