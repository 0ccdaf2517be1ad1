package repository

import (
	"testing"
)

func TestSecretStore_RoundTrip(t *testing.T) {
	store, err := NewSecretStore(t.TempDir())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	scope := Scope{Client: "acme", Site: "hq"}

	got, err := store.Get(scope)
	if err != nil || got != "" {
		t.Fatalf("empty store should return empty secret, got %q err %v", got, err)
	}

	if err := store.Put(scope, "my-secret"); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err = store.Get(scope)
	if err != nil || got != "my-secret" {
		t.Fatalf("got %q err %v", got, err)
	}

	if err := store.Forget(scope); err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	got, _ = store.Get(scope)
	if got != "" {
		t.Errorf("secret should be gone after forget, got %q", got)
	}

	// Forgetting again is a no-op.
	if err := store.Forget(scope); err != nil {
		t.Errorf("second forget failed: %v", err)
	}
}

func TestSecretStore_ScopesIsolated(t *testing.T) {
	store, _ := NewSecretStore(t.TempDir())

	store.Put(Scope{Client: "acme", Site: "hq"}, "secret-a")
	store.Put(Scope{Client: "acme", Site: "branch"}, "secret-b")

	a, _ := store.Get(Scope{Client: "acme", Site: "hq"})
	b, _ := store.Get(Scope{Client: "acme", Site: "branch"})
	if a != "secret-a" || b != "secret-b" {
		t.Errorf("scope isolation broken: %q %q", a, b)
	}
}

func TestGenerateSecret_UniqueAndLong(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	b, _ := GenerateSecret()

	if a == b {
		t.Error("two generated secrets must differ")
	}
	if len(a) < 40 {
		t.Errorf("secret too short for 32 bytes of entropy: %d chars", len(a))
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		secret string
		want   string
	}{
		{"abcdefghijklmnop", "abcdefgh…"},
		{"short", "********"},
		{"", "********"},
	}
	for _, tt := range tests {
		if got := Redact(tt.secret); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.secret, got, tt.want)
		}
	}
}
