package hardening

import (
	"strings"
	"testing"
)

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "gateway",
		Environment:        "production",
		CORSAllowedOrigins: "https://explorer.example.com",
		BridgeURL:          "http://bridge.internal:8000",
		RateLimitEnabled:   true,
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		LedgerEnabled:      true,
		DatabaseRequireTLS: "true",
		LedgerHashSalt:     "pepper",
	}
	if err := ValidateProduction(base); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}

	cases := map[string]struct {
		mutate func(o *Options)
		want   string
	}{
		"cors_wildcard":       {func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		"cors_empty":          {func(o *Options) { o.CORSAllowedOrigins = " , " }, "explicit CORS_ALLOWED_ORIGINS"},
		"cors_localhost":      {func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" }, "localhost"},
		"cors_plain_http":     {func(o *Options) { o.CORSAllowedOrigins = "http://explorer.example.com" }, "HTTPS"},
		"bridge_localhost":    {func(o *Options) { o.BridgeURL = "http://localhost:8000" }, "PYTHON_BRIDGE_URL"},
		"bridge_loopback_ip":  {func(o *Options) { o.BridgeURL = "http://127.0.0.1:8000" }, "PYTHON_BRIDGE_URL"},
		"redis_tls":           {func(o *Options) { o.RedisRequireTLS = "false" }, "REDIS_REQUIRE_TLS"},
		"redis_insecure":      {func(o *Options) { o.RedisTLSInsecure = "true" }, "REDIS_TLS_INSECURE"},
		"ledger_db_tls":       {func(o *Options) { o.DatabaseRequireTLS = "" }, "DATABASE_REQUIRE_TLS"},
		"ledger_missing_salt": {func(o *Options) { o.LedgerHashSalt = " " }, "LEDGER_HASH_SALT"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			o := base
			tc.mutate(&o)
			err := ValidateProduction(o)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateProductionSkips(t *testing.T) {
	loose := Options{CORSAllowedOrigins: "*", BridgeURL: "http://localhost:8000", LedgerEnabled: true}
	if err := ValidateProduction(loose); err != nil {
		t.Fatalf("development must not be validated, got %v", err)
	}
	loose.Environment = "production"
	loose.StrictProdSecurity = "false"
	if err := ValidateProduction(loose); err != nil {
		t.Fatalf("strict=false must skip, got %v", err)
	}
}

func TestOptionalBackendsNotValidatedWhenDisabled(t *testing.T) {
	o := Options{
		Environment:        "staging",
		CORSAllowedOrigins: "https://explorer.example.com",
		BridgeURL:          "http://bridge:8000",
		RedisAddr:          "redis:6379",
	}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("disabled rate limit and ledger should not require TLS, got %v", err)
	}
}

func TestIsProductionLike(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, " Production ": true, "stage": true, "staging": true, "dev": false, "": false} {
		if got := IsProductionLike(env); got != want {
			t.Fatalf("%q: expected %v, got %v", env, want, got)
		}
	}
}
