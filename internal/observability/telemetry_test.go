package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestHealthzReflectsReadiness(t *testing.T) {
	var fail atomic.Bool
	mux := diagnosticsMux(func(context.Context) error {
		if fail.Load() {
			return errors.New("redis unreachable")
		}
		return nil
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 when ready, got %d", resp.StatusCode)
	}

	fail.Store(true)
	resp, err = srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("expected 503 when a dependency is down, got %d", resp.StatusCode)
	}
}

func TestHealthzDefaultsToOKWithoutProbe(t *testing.T) {
	srv := httptest.NewServer(diagnosticsMux(nil))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 with no probe configured, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	srv := httptest.NewServer(diagnosticsMux(nil))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || len(body) == 0 {
		t.Fatalf("expected a populated metrics exposition, got %d (%d bytes)", resp.StatusCode, len(body))
	}
}

func TestTracerNamesCarryModulePrefix(t *testing.T) {
	if Tracer("query") == nil {
		t.Fatalf("expected a usable tracer")
	}
	// A span from the default (noop) provider is invalid; the logger must
	// pass through untouched in that case.
	base := zerolog.New(io.Discard)
	ctx, span := Tracer("query").Start(context.Background(), "fetch")
	defer span.End()
	_ = LoggerWithTrace(ctx, base)
}
