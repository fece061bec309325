// Package hardening refuses to start the gateway in a production-like
// environment with settings that are only acceptable in development.
package hardening

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	CORSAllowedOrigins string
	BridgeURL          string
	RateLimitEnabled   bool
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	LedgerEnabled      bool
	DatabaseRequireTLS string
	LedgerHashSalt     string
}

func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "gateway"
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	if err := validateBridgeURL(o.BridgeURL, service); err != nil {
		return err
	}
	if o.RateLimitEnabled && strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE", service)
		}
	}
	if o.LedgerEnabled {
		if !isTrue(o.DatabaseRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
		}
		if strings.TrimSpace(o.LedgerHashSalt) == "" {
			return fmt.Errorf("%s: strict production hardening requires LEDGER_HASH_SALT", service)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	valid := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if isLoopbackURL(lower) {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if valid == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

// The bridge may sit on plain HTTP inside the cluster, but a loopback
// address in production means PYTHON_BRIDGE_URL was never set.
func validateBridgeURL(raw, service string) error {
	if isLoopbackURL(strings.ToLower(strings.TrimSpace(raw))) {
		return fmt.Errorf("%s: strict production hardening forbids loopback PYTHON_BRIDGE_URL %q", service, raw)
	}
	return nil
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
