package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/terminal/api"
	"swiftpos/backend/internal/terminal/queue"
)

type fakeClient struct {
	response domain.ReconcileResponse
	err      error
	requests []domain.ReconcileRequest
}

func (c *fakeClient) Reconcile(_ context.Context, request domain.ReconcileRequest) (domain.ReconcileResponse, error) {
	c.requests = append(c.requests, request)
	return c.response, c.err
}

func openQueue(t *testing.T, maxPending int) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), maxPending)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func breadSale(offlineID string, qty int) domain.SalePayload {
	return domain.SalePayload{
		OfflineID:       offlineID,
		StoreID:         "store-accra",
		CashierID:       "cashier-1",
		Items:           []domain.SaleItem{{ProductID: "prod-bread-01", Qty: qty, UnitPriceCents: 85000}},
		TotalCents:      int64(qty) * 85000,
		AmountPaidCents: int64(qty) * 85000,
		PaymentMethod:   domain.PaymentMethodCash,
	}
}

func TestCheckoutOnlineDoesNotQueue(t *testing.T) {
	store := openQueue(t, 0)
	client := &fakeClient{response: domain.ReconcileResponse{ID: "sale-1"}}
	svc := New(store, client)

	result, err := svc.Checkout(context.Background(), breadSale("off-1", 1))
	require.NoError(t, err)
	assert.Equal(t, "sale-1", result.SaleID)
	assert.False(t, result.Offline)

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCheckoutNetworkFailureQueuesAndAdjustsStock(t *testing.T) {
	store := openQueue(t, 0)
	require.NoError(t, store.CacheProducts([]domain.Product{{ID: "prod-bread-01", Stock: 40}}, time.Now()))

	client := &fakeClient{err: errors.New("connection refused")}
	svc := New(store, client)

	result, err := svc.Checkout(context.Background(), breadSale("off-1", 2))
	require.NoError(t, err)
	assert.True(t, result.Offline)
	assert.Equal(t, "off-1", result.LocalID)

	pending, err := store.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.MutationKindSale, pending[0].Kind)
	assert.Equal(t, "off-1", pending[0].LocalID)

	var queued domain.SalePayload
	require.NoError(t, json.Unmarshal(pending[0].Payload, &queued))
	assert.Equal(t, "off-1", queued.OfflineID)

	products, err := store.Products()
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, 38, products[0].Stock)
}

func TestCheckoutPermanentRejectionIsNotQueued(t *testing.T) {
	store := openQueue(t, 0)
	client := &fakeClient{err: &api.RejectedError{StatusCode: http.StatusBadRequest, Reason: "invalid mutation"}}
	svc := New(store, client)

	_, err := svc.Checkout(context.Background(), breadSale("off-1", 1))
	require.Error(t, err)
	assert.True(t, api.IsPermanent(err))

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCheckoutQuotaErrorPropagates(t *testing.T) {
	store := openQueue(t, 1)
	client := &fakeClient{err: errors.New("connection refused")}
	svc := New(store, client)

	_, err := svc.Checkout(context.Background(), breadSale("off-1", 1))
	require.NoError(t, err)

	_, err = svc.Checkout(context.Background(), breadSale("off-2", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrQuotaExceeded)
}

func TestCheckoutFillsOfflineID(t *testing.T) {
	store := openQueue(t, 0)
	client := &fakeClient{response: domain.ReconcileResponse{ID: "sale-1"}}
	svc := New(store, client)

	payload := breadSale("", 1)
	_, err := svc.Checkout(context.Background(), payload)
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	var sent domain.SalePayload
	require.NoError(t, json.Unmarshal(client.requests[0].Data, &sent))
	assert.NotEmpty(t, sent.OfflineID)
}
