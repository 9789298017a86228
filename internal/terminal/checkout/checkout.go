// Package checkout captures sales at the counter. A sale goes straight to
// the server when it is reachable and falls back to the durable offline
// queue when it is not; the cashier never waits on connectivity.
package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/terminal/api"
	"swiftpos/backend/internal/xid"
)

type Queue interface {
	Enqueue(mutation domain.QueuedMutation) (domain.QueuedMutation, error)
	ApplyStockDelta(productID string, delta int) error
}

type Client interface {
	Reconcile(ctx context.Context, request domain.ReconcileRequest) (domain.ReconcileResponse, error)
}

// Result tells the cashier what happened to the sale. Offline means it is
// queued locally and will reach the server on the next flush.
type Result struct {
	SaleID    string `json:"sale_id,omitempty"`
	LocalID   string `json:"local_id,omitempty"`
	Offline   bool   `json:"offline"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type Service struct {
	queue  Queue
	client Client
}

func New(queue Queue, client Client) *Service {
	return &Service{queue: queue, client: client}
}

// Checkout records one sale. Only transient failures fall back to the
// queue: a rejection the server will repeat on every replay is surfaced to
// the cashier instead of being parked in the queue to fail later.
func (s *Service) Checkout(ctx context.Context, payload domain.SalePayload) (Result, error) {
	if payload.OfflineID == "" {
		payload.OfflineID = xid.NewKey()
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal sale: %w", err)
	}
	request := domain.ReconcileRequest{Kind: domain.MutationKindSale, Data: data}

	response, err := s.client.Reconcile(ctx, request)
	if err == nil {
		return Result{SaleID: response.ID, Duplicate: response.Duplicate}, nil
	}
	if api.IsPermanent(err) {
		return Result{}, err
	}

	log.Printf("[checkout] WARN: server unreachable, capturing sale %s offline: %v", payload.OfflineID, err)

	// The queue handle and the server's dedup key are the same identifier,
	// so a queued sale can be traced end to end by one id.
	mutation, err := s.queue.Enqueue(domain.QueuedMutation{
		LocalID:   payload.OfflineID,
		Kind:      domain.MutationKindSale,
		Payload:   data,
		CreatedAt: payload.CreatedAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to queue sale %s: %w", payload.OfflineID, err)
	}

	// Keep the cached stock roughly honest until the queue flushes. Best
	// effort; the post-flush catalog refresh restores the server's truth.
	for _, item := range payload.Items {
		if err := s.queue.ApplyStockDelta(item.ProductID, -item.Qty); err != nil {
			log.Printf("[checkout] WARN: failed to adjust cached stock for %s: %v", item.ProductID, err)
		}
	}

	return Result{LocalID: mutation.LocalID, Offline: true}, nil
}
