// The terminal daemon runs one till's offline machinery: the durable queue,
// the sync loop, and a loopback HTTP surface the till UI drives for
// checkout and sync control.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swiftpos/backend/internal/config"
	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/terminal/api"
	"swiftpos/backend/internal/terminal/checkout"
	"swiftpos/backend/internal/terminal/queue"
	"swiftpos/backend/internal/terminal/sync"
)

func main() {
	cfg := config.Load()

	store, err := queue.Open(cfg.QueuePath, cfg.QueueMaxPending)
	if err != nil {
		log.Fatalf("failed to open offline queue at %s: %v", cfg.QueuePath, err)
	}
	defer store.Close()

	client := api.New(cfg.ServerURL, "", time.Duration(cfg.SyncItemTimeoutSecs)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TerminalUsername != "" {
		loginCtx, loginCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.Login(loginCtx, cfg.TerminalUsername, cfg.TerminalPassword); err != nil {
			// The server may simply be down; queued sales must still work.
			log.Printf("[terminal] WARN: login failed, starting offline: %v", err)
		}
		loginCancel()
	}

	manager := sync.New(store, client, sync.Config{
		Interval:       time.Duration(cfg.SyncIntervalSeconds) * time.Second,
		MaxAttempts:    cfg.SyncMaxAttempts,
		ItemTimeout:    time.Duration(cfg.SyncItemTimeoutSecs) * time.Second,
		BackoffInitial: time.Duration(cfg.SyncBackoffInitialMS) * time.Millisecond,
		BackoffCap:     time.Duration(cfg.SyncBackoffCapSeconds) * time.Second,
		RefreshCatalog: true,
	})
	capture := checkout.New(manager, client)

	manager.Subscribe(func(event sync.Event) {
		if event.Kind == sync.EventFlushCompleted {
			log.Printf("flush complete (succeeded: %d, failed: %d, pending: %d)",
				event.Summary.Succeeded, event.Summary.Failed, event.Status.PendingCount)
		}
	})

	go manager.Run(ctx)
	manager.Online()

	server := &http.Server{
		Addr:              cfg.TerminalListenAddr,
		Handler:           newHandler(capture, manager, store),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go func() {
		log.Printf("terminal agent listening on %s, syncing against %s (queue: %s)",
			cfg.TerminalListenAddr, cfg.ServerURL, cfg.QueuePath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("terminal agent error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	if status, err := manager.Status(); err == nil {
		log.Printf("terminal stopped (pending: %d, failed: %d)", status.PendingCount, status.FailedCount)
	} else {
		log.Println("terminal stopped")
	}
}

// newHandler is the till-local control surface. It binds to loopback; the
// till UI is its only client, so there is no auth layer here.
func newHandler(capture *checkout.Service, manager *sync.Manager, store *queue.Store) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/checkout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeTerminalError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var payload domain.SalePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeTerminalError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		result, err := capture.Checkout(r.Context(), payload)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrQuotaExceeded):
				writeTerminalError(w, http.StatusInsufficientStorage, err.Error())
			case api.IsPermanent(err):
				writeTerminalError(w, http.StatusBadRequest, err.Error())
			default:
				writeTerminalError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}

		status := http.StatusCreated
		if result.Offline {
			status = http.StatusAccepted
		}
		writeTerminalJSON(w, status, result)
	})

	mux.HandleFunc("/api/v1/sync/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeTerminalError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		status, err := manager.Status()
		if err != nil {
			writeTerminalError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeTerminalJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("/api/v1/sync/now", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeTerminalError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		summary, err := manager.SyncNow(r.Context())
		if err != nil {
			writeTerminalJSON(w, http.StatusBadGateway, map[string]any{
				"error":   err.Error(),
				"summary": summary,
			})
			return
		}
		writeTerminalJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("/api/v1/sync/reset-failed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeTerminalError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		reset, err := manager.ResetFailed()
		if err != nil {
			writeTerminalError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeTerminalJSON(w, http.StatusOK, map[string]int{"reset": reset})
	})

	mux.HandleFunc("/api/v1/offline-data", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeTerminalError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := manager.ClearOfflineData(); err != nil {
			if errors.Is(err, sync.ErrSyncInProgress) || errors.Is(err, queue.ErrPendingWork) {
				writeTerminalError(w, http.StatusConflict, err.Error())
				return
			}
			writeTerminalError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/api/v1/catalog", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeTerminalError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		products, err := store.Products()
		if err != nil {
			writeTerminalError(w, http.StatusInternalServerError, err.Error())
			return
		}
		customers, err := store.Customers()
		if err != nil {
			writeTerminalError(w, http.StatusInternalServerError, err.Error())
			return
		}
		fetchedAt, err := store.CatalogFetchedAt()
		if err != nil {
			writeTerminalError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeTerminalJSON(w, http.StatusOK, domain.CatalogResponse{
			Products:  products,
			Customers: customers,
			FetchedAt: fetchedAt,
		})
	})

	return mux
}

func writeTerminalJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[terminal] WARN: failed to encode response: %v", err)
	}
}

func writeTerminalError(w http.ResponseWriter, status int, message string) {
	writeTerminalJSON(w, status, map[string]string{"error": message})
}
