package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpsClientSendsTokenAndDecodes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/builders/WebKit Linux/force":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["branch"] != "main" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"build_id":9}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown build"}`))
		}
	}))
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"force", "WebKit Linux", "--addr", srv.URL, "--token", "s3cret", "--branch", "main"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("force: %v", err)
	}
	if got, want := out.String(), "build 9 requested\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}

	c := opsClient{addr: srv.URL, token: "s3cret", timeout: time.Second}
	err := c.do(context.Background(), http.MethodGet, "/api/builds/1", nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown build") {
		t.Fatalf("err = %v, want server error message", err)
	}
}

func TestOpsClientURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr, want string
	}{
		{"127.0.0.1:8010", "http://127.0.0.1:8010/api/tree"},
		{"https://ci.example.org/", "https://ci.example.org/api/tree"},
	}
	for _, tc := range tests {
		c := opsClient{addr: tc.addr}
		if got := c.url("/api/tree", nil); got != tc.want {
			t.Fatalf("url(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestForceRejectsBadProperty(t *testing.T) {
	t.Parallel()
	cmd := newRootCommand()
	cmd.SetArgs([]string{"force", "Linux", "--addr", "127.0.0.1:1", "--property", "novalue"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "key=value") {
		t.Fatalf("err = %v, want property error", err)
	}
}
