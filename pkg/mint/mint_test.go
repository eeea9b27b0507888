package mint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestToken_FetchesAndCaches(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if got := r.URL.Query().Get("scope"); got != "repository:library/alpine:pull" {
			t.Errorf("scope = %q, want repository:library/alpine:pull", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"abc123","expires_in":3600}`))
	}))
	defer server.Close()

	m := New(Credentials{Realm: server.URL, Service: "registry", Username: "u", Password: "p"})

	token, err := m.Token(context.Background(), "library/alpine")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "abc123" {
		t.Errorf("token = %q, want abc123", token)
	}

	if _, err := m.Token(context.Background(), "library/alpine"); err != nil {
		t.Fatalf("second Token() error = %v", err)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("expected the second call to hit the cache, server received %d requests", n)
	}
}

func TestToken_AcceptsAccessTokenField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"xyz789","expires_in":3600}`))
	}))
	defer server.Close()

	m := New(Credentials{Realm: server.URL, Service: "registry"})

	token, err := m.Token(context.Background(), "library/alpine")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "xyz789" {
		t.Errorf("token = %q, want xyz789", token)
	}
}

func TestToken_ServerErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	m := New(Credentials{Realm: server.URL, Service: "registry"})

	if _, err := m.Token(context.Background(), "library/alpine"); err == nil {
		t.Fatal("expected Token to propagate a token-server error")
	}
}
