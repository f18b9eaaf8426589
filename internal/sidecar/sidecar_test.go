package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestManager_ProbeAllHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(readinessResponse{Subservices: map[string]bool{
			"qdrant": true, "embedder": true, "indexer": true, "proxy": true,
		}})
	}))
	defer srv.Close()

	m := NewManager("cidx", srv.URL+"/{{name}}", time.Second)
	ready, sub, err := m.Probe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !ready {
		t.Fatalf("expected ready, subservices: %+v", sub)
	}
}

func TestManager_ProbePartialNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(readinessResponse{Subservices: map[string]bool{
			"qdrant": true, "embedder": false, "indexer": true, "proxy": true,
		}})
	}))
	defer srv.Close()

	m := NewManager("cidx", srv.URL+"/{{name}}", time.Second)
	ready, _, err := m.Probe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if ready {
		t.Fatalf("expected not ready when a subservice is unhealthy")
	}
}

func TestManager_WaitReadyTimesOutWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(readinessResponse{Subservices: map[string]bool{
			"qdrant": true, "embedder": false, "indexer": false, "proxy": false,
		}})
	}))
	defer srv.Close()

	m := NewManager("cidx", srv.URL+"/{{name}}", time.Second)
	ready, _, err := m.WaitReady(context.Background(), "job-1", 30*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if ready {
		t.Fatalf("expected WaitReady to time out as not-ready")
	}
}

func TestManager_WaitReadyBecomesReady(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		allReady := calls >= 2
		_ = json.NewEncoder(w).Encode(readinessResponse{Subservices: map[string]bool{
			"qdrant": true, "embedder": allReady, "indexer": true, "proxy": true,
		}})
	}))
	defer srv.Close()

	m := NewManager("cidx", srv.URL+"/{{name}}", time.Second)
	ready, _, err := m.WaitReady(context.Background(), "job-1", time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if !ready {
		t.Fatalf("expected WaitReady to eventually succeed")
	}
}

func TestContainerName(t *testing.T) {
	if name := ContainerName("abc"); !strings.HasPrefix(name, "cidx-") {
		t.Fatalf("expected deterministic cidx- prefixed name, got %q", name)
	}
}
