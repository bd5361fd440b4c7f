package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newVaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/myapp/db":
			_, _ = w.Write([]byte(`{"data":{"data":{"url":"postgres://vault","pool":10},"metadata":{"version":1}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider_GetField(t *testing.T) {
	srv := newVaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}

	val, err := p.Get(context.Background(), "myapp/db#url")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != "postgres://vault" {
		t.Errorf("expected postgres://vault, got %q", val)
	}
}

func TestVaultProvider_GetFullData(t *testing.T) {
	srv := newVaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token", MountPath: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	val, err := p.Get(context.Background(), "myapp/db")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != `{"pool":10,"url":"postgres://vault"}` {
		t.Errorf("unexpected data %s", val)
	}
}

func TestVaultProvider_NotFound(t *testing.T) {
	srv := newVaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(context.Background(), "other/path"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(context.Background(), "myapp/db#missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing field, got %v", err)
	}
}

func TestNewVaultProvider_RequiresAddressAndToken(t *testing.T) {
	if _, err := NewVaultProvider(VaultConfig{Token: "x"}); !errors.Is(err, ErrProviderInit) {
		t.Errorf("expected ErrProviderInit without address, got %v", err)
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://vault"}); !errors.Is(err, ErrProviderInit) {
		t.Errorf("expected ErrProviderInit without token, got %v", err)
	}
}
