package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/terminal/api"
	"swiftpos/backend/internal/terminal/checkout"
	"swiftpos/backend/internal/terminal/queue"
	"swiftpos/backend/internal/terminal/sync"
)

// newTestAgent wires the real queue, client, manager and checkout service
// against a backend whose connectivity the test can cut.
func newTestAgent(t *testing.T) (http.Handler, *atomic.Bool) {
	t.Helper()

	var down atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		switch r.URL.Path {
		case "/api/v1/sync/reconcile":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(domain.ReconcileResponse{ID: "sale-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(backend.Close)

	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := api.New(backend.URL, "test-token", time.Second)
	manager := sync.New(store, client, sync.Config{})
	capture := checkout.New(manager, client)

	return newHandler(capture, manager, store), &down
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func agentSale(offlineID string) domain.SalePayload {
	return domain.SalePayload{
		OfflineID:       offlineID,
		StoreID:         "store-accra",
		CashierID:       "cashier-1",
		Items:           []domain.SaleItem{{ProductID: "prod-bread-01", Qty: 1, UnitPriceCents: 85000}},
		TotalCents:      85000,
		AmountPaidCents: 85000,
		PaymentMethod:   domain.PaymentMethodCash,
	}
}

func TestAgentCheckoutOnline(t *testing.T) {
	handler, _ := newTestAgent(t)

	rec := postJSON(t, handler, "/api/v1/checkout", agentSale("off-agent-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result checkout.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, "sale-1", result.SaleID)
	assert.False(t, result.Offline)
}

func TestAgentCapturesOfflineAndDrainsOnSyncNow(t *testing.T) {
	handler, down := newTestAgent(t)

	down.Store(true)
	rec := postJSON(t, handler, "/api/v1/checkout", agentSale("off-agent-2"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var result checkout.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.True(t, result.Offline)
	assert.Equal(t, "off-agent-2", result.LocalID)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil)
	statusRec := httptest.NewRecorder()
	handler.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var status domain.SyncStatus
	require.NoError(t, json.NewDecoder(statusRec.Body).Decode(&status))
	assert.Equal(t, 1, status.PendingCount)

	down.Store(false)
	syncRec := postJSON(t, handler, "/api/v1/sync/now", nil)
	require.Equal(t, http.StatusOK, syncRec.Code, syncRec.Body.String())

	var summary domain.FlushSummary
	require.NoError(t, json.NewDecoder(syncRec.Body).Decode(&summary))
	assert.Equal(t, domain.FlushSummary{Succeeded: 1}, summary)

	statusRec = httptest.NewRecorder()
	handler.ServeHTTP(statusRec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil))
	require.NoError(t, json.NewDecoder(statusRec.Body).Decode(&status))
	assert.Equal(t, 0, status.PendingCount)
}

func TestAgentClearRefusesWithPendingWork(t *testing.T) {
	handler, down := newTestAgent(t)

	down.Store(true)
	rec := postJSON(t, handler, "/api/v1/checkout", agentSale("off-agent-3"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	clearReq := httptest.NewRequest(http.MethodDelete, "/api/v1/offline-data", nil)
	clearRec := httptest.NewRecorder()
	handler.ServeHTTP(clearRec, clearReq)
	assert.Equal(t, http.StatusConflict, clearRec.Code)
}

func TestAgentServesCachedCatalog(t *testing.T) {
	handler, _ := newTestAgent(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/catalog", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var catalog domain.CatalogResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&catalog))
	assert.Empty(t, catalog.Products)
	assert.NotNil(t, catalog.Products)
}
