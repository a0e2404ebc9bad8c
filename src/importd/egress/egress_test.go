package egress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ingestflow/importd/src/importd/db"
)

func TestSortIdentitiesOrdersByPriorityThenSuccessRate(t *testing.T) {
	in := []db.EgressIdentity{
		{ID: "a", Priority: 0, SuccessRate: 0.9},
		{ID: "b", Priority: 1, SuccessRate: 0.1},
		{ID: "c", Priority: 1, SuccessRate: 0.5},
	}
	got := sortIdentities(in)
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %q, got %q", i, id, got[i].ID)
		}
	}
}

func TestEwmaSuccessRateMovesTowardObservation(t *testing.T) {
	up := ewmaSuccessRate(0.5, true)
	if up <= 0.5 {
		t.Errorf("expected success to raise rate, got %v", up)
	}
	down := ewmaSuccessRate(0.5, false)
	if down >= 0.5 {
		t.Errorf("expected failure to lower rate, got %v", down)
	}
}

func TestPoolListFallsBackToHardcodedWithoutAdminURL(t *testing.T) {
	pool := NewPool(Config{CacheTTL: 0}, nil)
	identities := pool.List(context.Background())
	if len(identities) == 0 {
		t.Fatal("expected hardcoded fallback identities")
	}
	for _, id := range identities {
		if !id.IsHardcoded() {
			t.Errorf("expected only hardcoded identities without an admin URL, got %q", id.ID)
		}
	}
}

func TestPoolListMergesAdminResultsWithHardcodedFallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-internal-secret") != "shh" {
			t.Errorf("expected internal secret header to be set")
		}
		_ = json.NewEncoder(w).Encode([]adminProxy{
			{ID: "p1", URL: "http://proxy1", Priority: 5, SuccessRate: 0.8, Status: "active"},
			{ID: "p2", URL: "http://proxy2", Priority: 5, SuccessRate: 0.3, Status: "disabled"},
		})
	}))
	defer srv.Close()

	pool := NewPool(Config{AdminBaseURL: srv.URL, InternalSecret: "shh", CacheTTL: 0}, nil)
	identities := pool.List(context.Background())

	var sawP1, sawP2, sawHardcoded bool
	for _, id := range identities {
		switch id.ID {
		case "p1":
			sawP1 = true
		case "p2":
			sawP2 = true
		}
		if id.IsHardcoded() {
			sawHardcoded = true
		}
	}
	if !sawP1 {
		t.Error("expected active proxy p1 to be present")
	}
	if sawP2 {
		t.Error("expected disabled proxy p2 to be filtered out")
	}
	if !sawHardcoded {
		t.Error("expected hardcoded fallbacks to remain in the merged list")
	}
}

func TestPoolReportResultSkipsHardcodedIdentities(t *testing.T) {
	pool := NewPool(Config{CacheTTL: time.Hour}, nil)
	_ = pool.List(context.Background())
	// Reporting against a hardcoded identity must not panic and must be a
	// silent no-op (no repository configured to persist to).
	pool.ReportResult("direct://", true, 100)
}
