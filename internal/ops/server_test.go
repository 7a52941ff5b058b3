package ops

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"buildorch/internal/treestatus"
	"buildorch/pkg/logx"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, API{Tree: treestatus.New(treestatus.Options{})}, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	waitFor(t, func() bool { return svc.Addr() != "" })
	resp, err := http.Get("http://" + svc.Addr() + "/api/tree")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tree = %d, want 200", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	if svc.Supervisor() != nil || svc.Addr() != "" {
		t.Fatal("service still running after Stop")
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, API{}, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	waitFor(t, func() bool {
		sup := svc.Supervisor()
		return sup != nil && sup.Err() != nil
	})
	if err := svc.Supervisor().Err(); !errors.Is(err, errInsecureBind) {
		t.Fatalf("Err = %v, want %v", err, errInsecureBind)
	}
	if svc.Addr() != "" {
		t.Fatal("insecure listener bound")
	}
}

func TestReconfigureDisables(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, API{}, logx.Nop())
	svc.Start(context.Background())
	waitFor(t, func() bool { return svc.Addr() != "" })

	svc.Reconfigure(context.Background(), Config{Enabled: false})
	if svc.Supervisor() != nil {
		t.Fatal("disabled service still supervised")
	}
	// Starting a disabled service is a no-op.
	svc.Start(context.Background())
	if svc.Supervisor() != nil {
		t.Fatal("Start ran a disabled service")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8010", true},
		{"localhost:8010", true},
		{"[::1]:8010", true},
		{":8010", false},
		{"0.0.0.0:8010", false},
		{"10.0.0.5:8010", false},
		{"no-port", false},
	}
	for _, tc := range tests {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
