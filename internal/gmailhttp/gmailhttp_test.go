package gmailhttp

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSSO writes a shell script that prints its arguments as the
// token.
func writeSSO(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sso")
	script := "#!/bin/sh\necho \"token-$1\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestToken(t *testing.T) {
	now := time.Date(2019, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &ssoTokenSource{sso: writeSSO(t), user: "alice", scope: "s", now: func() time.Time { return now }}
	tok, err := src.Token()
	if err != nil {
		t.Fatalf("Token() = %v, want nil", err)
	}
	if tok.AccessToken != "token-alice" {
		t.Errorf("Token().AccessToken = %q, want %q", tok.AccessToken, "token-alice")
	}
	if want := now.Add(tokenLifetime); !tok.Expiry.Equal(want) {
		t.Errorf("Token().Expiry = %v, want %v", tok.Expiry, want)
	}
}

func TestTokenCommandFails(t *testing.T) {
	src := &ssoTokenSource{sso: filepath.Join(t.TempDir(), "missing"), user: "alice", now: time.Now}
	if _, err := src.Token(); err == nil {
		t.Errorf("Token() = nil, want error")
	}
}

func TestClientSendsTokenAndKey(t *testing.T) {
	var auth, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		key = r.URL.Query().Get("key")
	}))
	defer srv.Close()

	client, err := New(Config{SSOCommand: writeSSO(t), User: "bob", APIKey: "k1"}, srv.Client().Transport)
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() = %v, want nil", err)
	}
	resp.Body.Close()
	if auth != "Bearer token-bob" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer token-bob")
	}
	if key != "k1" {
		t.Errorf("key = %q, want %q", key, "k1")
	}
}

func TestNewNeedsCommand(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Errorf("New(Config{}) = nil, want error")
	}
}
