package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/terminal/api"
	"swiftpos/backend/internal/terminal/queue"
)

type fakeClient struct {
	mu        stdsync.Mutex
	reconcile func(domain.ReconcileRequest) (domain.ReconcileResponse, error)
	catalog   func() (domain.CatalogResponse, error)
	requests  []domain.ReconcileRequest
}

func (c *fakeClient) Reconcile(_ context.Context, request domain.ReconcileRequest) (domain.ReconcileResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, request)
	fn := c.reconcile
	c.mu.Unlock()

	if fn == nil {
		return domain.ReconcileResponse{ID: "applied"}, nil
	}
	return fn(request)
}

func (c *fakeClient) Catalog(_ context.Context, _ time.Time) (domain.CatalogResponse, error) {
	c.mu.Lock()
	fn := c.catalog
	c.mu.Unlock()

	if fn == nil {
		return domain.CatalogResponse{}, errors.New("no catalog configured")
	}
	return fn()
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

func openQueue(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueueSale(t *testing.T, s *queue.Store, offlineID string) domain.QueuedMutation {
	t.Helper()
	payload, err := json.Marshal(domain.SalePayload{
		OfflineID:       offlineID,
		StoreID:         "store-accra",
		CashierID:       "cashier-1",
		Items:           []domain.SaleItem{{ProductID: "prod-bread-01", Qty: 1, UnitPriceCents: 85000}},
		TotalCents:      85000,
		AmountPaidCents: 85000,
		PaymentMethod:   domain.PaymentMethodCash,
	})
	require.NoError(t, err)

	mutation, err := s.Enqueue(domain.QueuedMutation{Kind: domain.MutationKindSale, Payload: payload})
	require.NoError(t, err)
	return mutation
}

func TestSyncNowDrainsQueueInOrder(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-1")
	enqueueSale(t, store, "off-2")

	client := &fakeClient{}
	manager := New(store, client, Config{})

	summary, err := manager.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FlushSummary{Succeeded: 2}, summary)

	require.Equal(t, 2, client.calls())
	var first, second domain.SalePayload
	require.NoError(t, json.Unmarshal(client.requests[0].Data, &first))
	require.NoError(t, json.Unmarshal(client.requests[1].Data, &second))
	assert.Equal(t, "off-1", first.OfflineID)
	assert.Equal(t, "off-2", second.OfflineID)

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPermanentRejectionFailsImmediately(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-bad")

	client := &fakeClient{
		reconcile: func(domain.ReconcileRequest) (domain.ReconcileResponse, error) {
			return domain.ReconcileResponse{}, &api.RejectedError{
				StatusCode: http.StatusBadRequest,
				Reason:     "invalid mutation",
			}
		},
	}
	manager := New(store, client, Config{MaxAttempts: 5})

	summary, err := manager.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FlushSummary{Failed: 1}, summary)

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{Failed: 1}, counts)
}

func TestTransientFailureStopsCycleAndKeepsPending(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-1")
	enqueueSale(t, store, "off-2")

	client := &fakeClient{
		reconcile: func(domain.ReconcileRequest) (domain.ReconcileResponse, error) {
			return domain.ReconcileResponse{}, errors.New("connection refused")
		},
	}
	manager := New(store, client, Config{MaxAttempts: 5})

	summary, err := manager.SyncNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.FlushSummary{}, summary)

	// Only the head of the queue was attempted.
	assert.Equal(t, 1, client.calls())

	pending, err := store.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "connection refused", pending[0].LastError)
	assert.Equal(t, 0, pending[1].Attempts)
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-1")

	client := &fakeClient{
		reconcile: func(domain.ReconcileRequest) (domain.ReconcileResponse, error) {
			return domain.ReconcileResponse{}, errors.New("timeout")
		},
	}
	manager := New(store, client, Config{MaxAttempts: 2})

	_, err := manager.SyncNow(context.Background())
	require.Error(t, err)

	summary, err := manager.SyncNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.FlushSummary{Failed: 1}, summary)

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{Failed: 1}, counts)

	// Manual retry path brings it back.
	reset, err := manager.ResetFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	counts, err = store.Counts()
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{Pending: 1}, counts)
}

func TestSyncNowCoalescesConcurrentCallers(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-1")

	started := make(chan struct{})
	release := make(chan struct{})
	var once stdsync.Once
	client := &fakeClient{
		reconcile: func(domain.ReconcileRequest) (domain.ReconcileResponse, error) {
			once.Do(func() { close(started) })
			<-release
			return domain.ReconcileResponse{ID: "applied"}, nil
		},
	}
	manager := New(store, client, Config{})

	results := make(chan domain.FlushSummary, 2)
	go func() {
		summary, err := manager.SyncNow(context.Background())
		require.NoError(t, err)
		results <- summary
	}()

	<-started
	go func() {
		summary, err := manager.SyncNow(context.Background())
		require.NoError(t, err)
		results <- summary
	}()

	// Give the second caller time to join the in-flight cycle before it
	// completes.
	time.Sleep(50 * time.Millisecond)
	close(release)

	first := <-results
	second := <-results
	assert.Equal(t, domain.FlushSummary{Succeeded: 1}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.calls())
}

func TestSubscribeSeesCommittedState(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-1")

	client := &fakeClient{}
	manager := New(store, client, Config{})

	var completed []Event
	unsubscribe := manager.Subscribe(func(event Event) {
		if event.Kind != EventFlushCompleted {
			return
		}
		// The queue must already reflect the cycle when subscribers run.
		counts, err := store.Counts()
		require.NoError(t, err)
		assert.Equal(t, queue.Counts{}, counts)
		completed = append(completed, event)
	})

	_, err := manager.SyncNow(context.Background())
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, domain.FlushSummary{Succeeded: 1}, completed[0].Summary)
	assert.Equal(t, 0, completed[0].Status.PendingCount)

	unsubscribe()
	enqueueSale(t, store, "off-2")
	_, err = manager.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestFlushPublishesFullEventSequence(t *testing.T) {
	store := openQueue(t)

	client := &fakeClient{}
	manager := New(store, client, Config{})

	var events []Event
	manager.Subscribe(func(event Event) { events = append(events, event) })

	queued, err := manager.Enqueue(domain.QueuedMutation{
		Kind:    domain.MutationKindSale,
		Payload: json.RawMessage(`{"offline_id":"off-1"}`),
	})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventEnqueued, events[0].Kind)
	assert.Equal(t, queued.LocalID, events[0].LocalID)
	assert.Equal(t, 1, events[0].Status.PendingCount)

	_, err = manager.SyncNow(context.Background())
	require.NoError(t, err)

	kinds := make([]string, 0, len(events))
	for _, event := range events {
		kinds = append(kinds, event.Kind)
	}
	assert.Equal(t, []string{
		EventEnqueued,
		EventFlushStarted,
		EventMutationUpdated, // syncing
		EventMutationUpdated, // synced
		EventFlushCompleted,
	}, kinds)

	assert.Equal(t, domain.MutationStatusSyncing, events[2].MutationStatus)
	assert.True(t, events[2].Status.IsSyncing)
	assert.Equal(t, domain.MutationStatusSynced, events[3].MutationStatus)
	assert.Equal(t, domain.FlushSummary{Succeeded: 1}, events[4].Summary)
	assert.False(t, events[4].Status.IsSyncing)
}

func TestEmptyCycleStillPublishesFlushLifecycle(t *testing.T) {
	store := openQueue(t)
	manager := New(store, &fakeClient{}, Config{})

	var kinds []string
	manager.Subscribe(func(event Event) { kinds = append(kinds, event.Kind) })

	summary, err := manager.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FlushSummary{}, summary)
	assert.Equal(t, []string{EventFlushStarted, EventFlushCompleted}, kinds)
}

func TestClearOfflineDataRefusesMidFlush(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-1")

	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{
		reconcile: func(domain.ReconcileRequest) (domain.ReconcileResponse, error) {
			close(started)
			<-release
			return domain.ReconcileResponse{ID: "applied"}, nil
		},
	}
	manager := New(store, client, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := manager.SyncNow(context.Background())
		require.NoError(t, err)
	}()

	<-started
	err := manager.ClearOfflineData()
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	<-done

	require.NoError(t, manager.ClearOfflineData())
}

func TestCleanCycleRefreshesCatalog(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-1")

	fetchedAt := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	client := &fakeClient{
		catalog: func() (domain.CatalogResponse, error) {
			return domain.CatalogResponse{
				Products:  []domain.Product{{ID: "prod-bread-01", Stock: 38}},
				Customers: []domain.Customer{{ID: "cust-ama-01", Name: "Ama Mensah"}},
				FetchedAt: fetchedAt,
			}, nil
		},
	}
	manager := New(store, client, Config{RefreshCatalog: true})

	_, err := manager.SyncNow(context.Background())
	require.NoError(t, err)

	products, err := store.Products()
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, 38, products[0].Stock)

	customers, err := store.Customers()
	require.NoError(t, err)
	require.Len(t, customers, 1)

	stamped, err := store.CatalogFetchedAt()
	require.NoError(t, err)
	assert.True(t, fetchedAt.Equal(stamped))
}

func TestStatusReportsLastSync(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-1")

	manager := New(store, &fakeClient{}, Config{})
	now := time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC)
	manager.clock = fakeClock{now: now}

	status, err := manager.Status()
	require.NoError(t, err)
	assert.False(t, status.IsSyncing)
	assert.Nil(t, status.LastSync)
	assert.Equal(t, 1, status.PendingCount)

	_, err = manager.SyncNow(context.Background())
	require.NoError(t, err)

	status, err = manager.Status()
	require.NoError(t, err)
	require.NotNil(t, status.LastSync)
	assert.True(t, now.Equal(*status.LastSync))
	assert.Equal(t, 0, status.PendingCount)
}

func TestOnlineWakesRunLoop(t *testing.T) {
	store := openQueue(t)
	enqueueSale(t, store, "off-1")

	synced := make(chan struct{})
	client := &fakeClient{
		reconcile: func(domain.ReconcileRequest) (domain.ReconcileResponse, error) {
			close(synced)
			return domain.ReconcileResponse{ID: "applied"}, nil
		},
	}
	manager := New(store, client, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	manager.Online()

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("expected Online to trigger an immediate flush")
	}
}
