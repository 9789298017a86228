// Package sync drains the terminal's offline mutation queue against the
// server. One flush cycle walks the queue in FIFO order and replays each
// mutation; the server's idempotency keys make a replayed mutation safe.
package sync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/terminal/api"
	"swiftpos/backend/internal/terminal/queue"
)

// ErrSyncInProgress is returned by ClearOfflineData while a flush cycle is
// running.
var ErrSyncInProgress = errors.New("sync in progress")

// QueueStore is the slice of the offline store the manager needs.
type QueueStore interface {
	Enqueue(mutation domain.QueuedMutation) (domain.QueuedMutation, error)
	ApplyStockDelta(productID string, delta int) error
	ListPending() ([]domain.QueuedMutation, error)
	UpdateStatus(localID string, status string, lastError string) error
	Counts() (queue.Counts, error)
	CacheProducts(products []domain.Product, fetchedAt time.Time) error
	CacheCustomers(customers []domain.Customer) error
	ResetFailed() (int, error)
	Clear() error
}

// Event kinds delivered to subscribers.
const (
	EventEnqueued        = "enqueued"
	EventFlushStarted    = "flush_started"
	EventMutationUpdated = "mutation_updated"
	EventFlushCompleted  = "flush_completed"
)

// Event describes one observable change to the offline queue. Status is a
// snapshot taken after the change was committed, so a subscriber driving a
// pending-count badge never reads state the queue does not yet hold.
type Event struct {
	Kind           string              `json:"kind"`
	LocalID        string              `json:"local_id,omitempty"`
	MutationStatus string              `json:"mutation_status,omitempty"`
	Summary        domain.FlushSummary `json:"summary"`
	Status         domain.SyncStatus   `json:"status"`
}

// ReconcileClient replays mutations and fetches catalog snapshots.
type ReconcileClient interface {
	Reconcile(ctx context.Context, request domain.ReconcileRequest) (domain.ReconcileResponse, error)
	Catalog(ctx context.Context, updatedSince time.Time) (domain.CatalogResponse, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type Config struct {
	Interval       time.Duration
	MaxAttempts    int
	ItemTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffCap     time.Duration
	RefreshCatalog bool
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 8
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 10 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

type flight struct {
	done    chan struct{}
	summary domain.FlushSummary
	err     error
}

type Manager struct {
	queue  QueueStore
	client ReconcileClient
	cfg    Config
	clock  Clock

	kick chan struct{}

	mu       sync.Mutex
	inflight *flight
	lastSync *time.Time
	subs     map[int]func(Event)
	nextSub  int
}

func New(store QueueStore, client ReconcileClient, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		queue:  store,
		client: client,
		cfg:    cfg,
		clock:  systemClock{},
		kick:   make(chan struct{}, 1),
		subs:   make(map[int]func(Event)),
	}
}

// Enqueue appends a mutation through the manager so subscribers see the
// pending count rise the moment a sale is captured offline.
func (m *Manager) Enqueue(mutation domain.QueuedMutation) (domain.QueuedMutation, error) {
	queued, err := m.queue.Enqueue(mutation)
	if err != nil {
		return domain.QueuedMutation{}, err
	}
	m.publish(Event{Kind: EventEnqueued, LocalID: queued.LocalID, MutationStatus: queued.Status})
	return queued, nil
}

// ApplyStockDelta passes through to the queue's cached-stock adjustment.
func (m *Manager) ApplyStockDelta(productID string, delta int) error {
	return m.queue.ApplyStockDelta(productID, delta)
}

// publish delivers an event to every subscriber, synchronously, with a
// status snapshot taken after the change landed. Callbacks run outside the
// manager lock so they may call Status or SyncNow themselves.
func (m *Manager) publish(event Event) {
	status, err := m.Status()
	if err != nil {
		log.Printf("[sync] WARN: failed to snapshot status for event %s: %v", event.Kind, err)
	}
	event.Status = status

	m.mu.Lock()
	subscribers := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subscribers = append(subscribers, fn)
	}
	m.mu.Unlock()

	for _, fn := range subscribers {
		fn(event)
	}
}

// SyncNow runs a flush cycle, or joins the one already in flight. Every
// concurrent caller receives the same summary, so a burst of "sync now"
// taps never stacks up duplicate cycles.
func (m *Manager) SyncNow(ctx context.Context) (domain.FlushSummary, error) {
	m.mu.Lock()
	if f := m.inflight; f != nil {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.summary, f.err
		case <-ctx.Done():
			return domain.FlushSummary{}, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	m.inflight = f
	m.mu.Unlock()

	m.publish(Event{Kind: EventFlushStarted})
	summary, err := m.flush(ctx)

	m.mu.Lock()
	f.summary, f.err = summary, err
	m.inflight = nil
	if err == nil {
		now := m.clock.Now()
		m.lastSync = &now
	}
	m.mu.Unlock()
	close(f.done)

	m.publish(Event{Kind: EventFlushCompleted, Summary: summary})
	return summary, err
}

// flush walks the queue in FIFO order. A transient failure stops the walk:
// if the server is unreachable for one mutation it is unreachable for the
// rest, and stopping preserves replay order for the next cycle.
func (m *Manager) flush(ctx context.Context) (domain.FlushSummary, error) {
	var summary domain.FlushSummary

	pending, err := m.queue.ListPending()
	if err != nil {
		return summary, err
	}

	for _, mutation := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := m.transition(mutation.LocalID, domain.MutationStatusSyncing, ""); err != nil {
			return summary, err
		}
		attempts := mutation.Attempts + 1

		itemCtx, cancel := context.WithTimeout(ctx, m.cfg.ItemTimeout)
		_, err := m.client.Reconcile(itemCtx, domain.ReconcileRequest{
			Kind: mutation.Kind,
			Data: mutation.Payload,
		})
		cancel()

		switch {
		case err == nil:
			if err := m.transition(mutation.LocalID, domain.MutationStatusSynced, ""); err != nil {
				return summary, err
			}
			summary.Succeeded++

		case api.IsPermanent(err):
			log.Printf("[sync] WARN: mutation %s rejected by server: %v", mutation.LocalID, err)
			if err := m.transition(mutation.LocalID, domain.MutationStatusFailed, err.Error()); err != nil {
				return summary, err
			}
			summary.Failed++

		default:
			status := domain.MutationStatusPending
			if attempts >= m.cfg.MaxAttempts {
				log.Printf("[sync] WARN: mutation %s exhausted %d attempts: %v", mutation.LocalID, attempts, err)
				status = domain.MutationStatusFailed
				summary.Failed++
			}
			if updateErr := m.transition(mutation.LocalID, status, err.Error()); updateErr != nil {
				return summary, updateErr
			}
			return summary, err
		}
	}

	if m.cfg.RefreshCatalog && summary.Failed == 0 {
		m.refreshCatalog(ctx)
	}
	return summary, nil
}

// refreshCatalog pulls a full snapshot after a clean flush so the cached
// stock reflects the server's post-reconciliation truth. Best effort; the
// next cycle will try again.
func (m *Manager) refreshCatalog(ctx context.Context) {
	catalog, err := m.client.Catalog(ctx, time.Time{})
	if err != nil {
		log.Printf("[sync] WARN: catalog refresh failed: %v", err)
		return
	}
	if err := m.queue.CacheProducts(catalog.Products, catalog.FetchedAt); err != nil {
		log.Printf("[sync] WARN: failed to cache products: %v", err)
		return
	}
	if err := m.queue.CacheCustomers(catalog.Customers); err != nil {
		log.Printf("[sync] WARN: failed to cache customers: %v", err)
	}
}

// Online signals that connectivity was restored. The running loop picks it
// up immediately instead of waiting for the next tick; without a running
// loop it is a no-op.
func (m *Manager) Online() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run flushes on a fixed interval until ctx is cancelled. After a cycle
// that hit a transient failure the next attempt waits on a capped
// exponential backoff instead; a clean cycle resets it.
func (m *Manager) Run(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = m.cfg.BackoffInitial
	retry.MaxInterval = m.cfg.BackoffCap
	retry.MaxElapsedTime = 0
	retry.Reset()

	wait := m.cfg.Interval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.kick:
			timer.Stop()
		case <-timer.C:
		}

		if _, err := m.SyncNow(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			wait = retry.NextBackOff()
			continue
		}
		retry.Reset()
		wait = m.cfg.Interval
	}
}

// Status snapshots the queue for display on the terminal.
func (m *Manager) Status() (domain.SyncStatus, error) {
	counts, err := m.queue.Counts()
	if err != nil {
		return domain.SyncStatus{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.SyncStatus{
		IsSyncing:    m.inflight != nil,
		LastSync:     m.lastSync,
		PendingCount: counts.Pending + counts.Syncing,
		FailedCount:  counts.Failed,
	}, nil
}

// transition moves a mutation and notifies subscribers once the new status
// is durable.
func (m *Manager) transition(localID string, status string, lastError string) error {
	if err := m.queue.UpdateStatus(localID, status, lastError); err != nil {
		return err
	}
	m.publish(Event{Kind: EventMutationUpdated, LocalID: localID, MutationStatus: status})
	return nil
}

// Subscribe registers a callback for queue events (enqueue, mutation status
// transitions, flush start and end) and returns an unsubscribe func.
// Delivery is synchronous and always after the change it describes is
// committed to the queue.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// ResetFailed returns failed mutations to the queue and wakes the loop.
func (m *Manager) ResetFailed() (int, error) {
	reset, err := m.queue.ResetFailed()
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		m.publish(Event{Kind: EventMutationUpdated, MutationStatus: domain.MutationStatusPending})
		m.Online()
	}
	return reset, nil
}

// ClearOfflineData wipes the local cache and queue. It refuses while a
// flush is in flight; the lock also blocks a new flight from starting
// mid-wipe.
func (m *Manager) ClearOfflineData() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight != nil {
		return ErrSyncInProgress
	}
	return m.queue.Clear()
}
