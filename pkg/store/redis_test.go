package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func clearRedisEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_REQUIRE_TLS", "REDIS_TLS",
		"REDIS_TLS_INSECURE", "REDIS_ALLOW_INSECURE_TLS", "REDIS_TLS_SERVER_NAME",
		"REDIS_TLS_CA_CERT_FILE", "REDIS_TLS_CERT_FILE", "REDIS_TLS_KEY_FILE",
	} {
		t.Setenv(k, "")
	}
}

func TestRedisConfigFromEnvDefaults(t *testing.T) {
	clearRedisEnv(t)
	cfg, err := RedisConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Addr != "localhost:6379" || cfg.DB != 0 || cfg.TLS != nil || cfg.RequireTLS {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestRedisConfigFromEnvBadDB(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_DB", "not-int")
	if _, err := RedisConfigFromEnv(); err == nil {
		t.Fatal("expected REDIS_DB error")
	}
	t.Setenv("REDIS_DB", "-2")
	if _, err := RedisConfigFromEnv(); err == nil {
		t.Fatal("expected negative REDIS_DB error")
	}
}

func TestNewRedisPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_DB", "3")
	cfg, err := RedisConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	client, err := NewRedis(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer client.Close()
	if client.Options().DB != 3 {
		t.Fatalf("expected db 3, got %d", client.Options().DB)
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1", PingTimeout: 50 * time.Millisecond})
	if err == nil || !strings.Contains(err.Error(), "redis ping") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestNewRedisRequiresTLSWhenConfigured(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func TestRedisTLSFromEnv(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		clearRedisEnv(t)
		cfg, err := redisTLSFromEnv()
		if err != nil || cfg != nil {
			t.Fatalf("expected nil config, got %v %v", cfg, err)
		}
	})

	t.Run("insecure_guard", func(t *testing.T) {
		clearRedisEnv(t)
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_INSECURE", "true")
		if _, err := redisTLSFromEnv(); err == nil {
			t.Fatal("expected insecure guard error")
		}
		t.Setenv("REDIS_ALLOW_INSECURE_TLS", "yes")
		cfg, err := redisTLSFromEnv()
		if err != nil || !cfg.InsecureSkipVerify {
			t.Fatalf("expected insecure config, got %v %v", cfg, err)
		}
	})

	t.Run("server_name", func(t *testing.T) {
		clearRedisEnv(t)
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_SERVER_NAME", " redis.internal ")
		cfg, err := redisTLSFromEnv()
		if err != nil || cfg.ServerName != "redis.internal" {
			t.Fatalf("unexpected config %v %v", cfg, err)
		}
	})

	t.Run("ca_and_client_cert", func(t *testing.T) {
		clearRedisEnv(t)
		dir := t.TempDir()
		certPEM, keyPEM := selfSignedPEM(t)
		caPath := filepath.Join(dir, "ca.pem")
		keyPath := filepath.Join(dir, "key.pem")
		if err := os.WriteFile(caPath, certPEM, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", caPath)
		t.Setenv("REDIS_TLS_CERT_FILE", caPath)
		t.Setenv("REDIS_TLS_KEY_FILE", keyPath)
		cfg, err := redisTLSFromEnv()
		if err != nil {
			t.Fatalf("tls: %v", err)
		}
		if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
			t.Fatalf("expected CA pool and one client cert, got %+v", cfg)
		}
	})

	t.Run("errors", func(t *testing.T) {
		clearRedisEnv(t)
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/only-cert.pem")
		if _, err := redisTLSFromEnv(); err == nil {
			t.Fatal("expected incomplete keypair error")
		}
		t.Setenv("REDIS_TLS_CERT_FILE", "")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", filepath.Join(t.TempDir(), "missing.pem"))
		if _, err := redisTLSFromEnv(); err == nil {
			t.Fatal("expected missing CA error")
		}
		bad := filepath.Join(t.TempDir(), "bad.pem")
		_ = os.WriteFile(bad, []byte("not pem"), 0o600)
		t.Setenv("REDIS_TLS_CA_CERT_FILE", bad)
		if _, err := redisTLSFromEnv(); err == nil {
			t.Fatal("expected CA parse error")
		}
	})
}

func TestEnvBool(t *testing.T) {
	for raw, want := range map[string]bool{"true": true, "1": true, " YES ": true, "on": true, "off": false, "": false, "nope": false} {
		t.Setenv("STORE_TEST_BOOL", raw)
		if got := envBool("STORE_TEST_BOOL"); got != want {
			t.Fatalf("%q: expected %v, got %v", raw, want, got)
		}
	}
}

func selfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}
