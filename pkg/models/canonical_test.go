package models

import "testing"

func TestCanonicalSortsKeys(t *testing.T) {
	p, err := ParsePayload([]byte(`{ "query": "SELECT ?s", "limit": 10, "opts": {"z": 1.50, "a": [true, null]} }`))
	if err != nil {
		t.Fatal(err)
	}
	canon, err := p.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(canon) != `{"limit":10,"opts":{"a":[true,null],"z":1.50},"query":"SELECT ?s"}` {
		t.Fatalf("unexpected canonical form: %s", canon)
	}
}

func TestDigestIgnoresKeyOrderAndSpacing(t *testing.T) {
	a, _ := ParsePayload([]byte(`{"message":"hello","mode":"explore"}`))
	b, _ := ParsePayload([]byte("{\n  \"mode\": \"explore\",\n  \"message\": \"hello\"\n}"))
	c, _ := ParsePayload([]byte(`{"message":"hello","mode":"survey"}`))
	if a.Digest() == "" || a.Digest() != b.Digest() {
		t.Fatalf("expected equal digests, got %q and %q", a.Digest(), b.Digest())
	}
	if a.Digest() == c.Digest() {
		t.Fatal("different payloads must not share a digest")
	}
	if len(a.Digest()) != 64 {
		t.Fatalf("expected hex sha256, got %q", a.Digest())
	}
}

func TestDigestEmptyAndRaw(t *testing.T) {
	if (Payload{}).Digest() != "" {
		t.Fatal("empty payload should have no digest")
	}
	if _, err := (Payload{}).Canonical(); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if RawPayload([]byte("<html>oops</html>")).Digest() != "" {
		t.Fatal("non-json raw payload should have no digest")
	}
	if EmptyObject().Digest() == "" {
		t.Fatal("empty object should have a digest")
	}
}
