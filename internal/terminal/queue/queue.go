package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/store"
	"swiftpos/backend/internal/xid"
)

var (
	// ErrQuotaExceeded is returned by Enqueue when the mutation queue is at
	// capacity. The sale must not be silently dropped; the caller surfaces
	// the failure to the operator.
	ErrQuotaExceeded = errors.New("offline queue quota exceeded")

	// ErrPendingWork is returned by Clear while unsynced mutations exist.
	ErrPendingWork = errors.New("pending mutations must be synced before clearing offline data")
)

var (
	bucketProducts  = []byte("products")
	bucketCustomers = []byte("customers")
	bucketMutations = []byte("mutations")
	bucketArchive   = []byte("archive")
	bucketMeta      = []byte("meta")
)

var metaKeyCatalogFetchedAt = []byte("catalog_fetched_at")

// Counts is a snapshot of the mutation queue by status. Synced mutations
// live in the archive bucket and are not counted.
type Counts struct {
	Pending int
	Syncing int
	Failed  int
}

// Store is the terminal's durable offline state: the cached catalog and the
// queue of mutations waiting for the server. One file per terminal.
type Store struct {
	db         *bbolt.DB
	maxPending int
}

func Open(path string, maxPending int) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}
	if maxPending < 1 {
		maxPending = 1000
	}

	s := &Store{db: db, maxPending: maxPending}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue buckets: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketProducts, bucketCustomers, bucketMutations, bucketArchive, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// CacheProducts replaces the cached product catalog wholesale. The cache is
// a server snapshot, not a merge target; partial updates go through
// ApplyStockDelta instead.
func (s *Store) CacheProducts(products []domain.Product, fetchedAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketProducts); err != nil {
			return fmt.Errorf("failed to reset products bucket: %w", err)
		}
		bucket, err := tx.CreateBucket(bucketProducts)
		if err != nil {
			return fmt.Errorf("failed to recreate products bucket: %w", err)
		}
		for _, product := range products {
			data, err := json.Marshal(product)
			if err != nil {
				return fmt.Errorf("failed to marshal product %s: %w", product.ID, err)
			}
			if err := bucket.Put([]byte(product.ID), data); err != nil {
				return fmt.Errorf("failed to cache product %s: %w", product.ID, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		stamp, _ := fetchedAt.UTC().MarshalText()
		return meta.Put(metaKeyCatalogFetchedAt, stamp)
	})
}

func (s *Store) CacheCustomers(customers []domain.Customer) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketCustomers); err != nil {
			return fmt.Errorf("failed to reset customers bucket: %w", err)
		}
		bucket, err := tx.CreateBucket(bucketCustomers)
		if err != nil {
			return fmt.Errorf("failed to recreate customers bucket: %w", err)
		}
		for _, customer := range customers {
			data, err := json.Marshal(customer)
			if err != nil {
				return fmt.Errorf("failed to marshal customer %s: %w", customer.ID, err)
			}
			if err := bucket.Put([]byte(customer.ID), data); err != nil {
				return fmt.Errorf("failed to cache customer %s: %w", customer.ID, err)
			}
		}
		return nil
	})
}

// Products returns the cached catalog. An empty cache yields an empty
// slice, never an error; the terminal may simply not have synced yet.
func (s *Store) Products() ([]domain.Product, error) {
	var products []domain.Product
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProducts).ForEach(func(_, v []byte) error {
			var product domain.Product
			if err := json.Unmarshal(v, &product); err != nil {
				return fmt.Errorf("failed to unmarshal cached product: %w", err)
			}
			products = append(products, product)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if products == nil {
		products = []domain.Product{}
	}
	return products, nil
}

func (s *Store) Customers() ([]domain.Customer, error) {
	var customers []domain.Customer
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCustomers).ForEach(func(_, v []byte) error {
			var customer domain.Customer
			if err := json.Unmarshal(v, &customer); err != nil {
				return fmt.Errorf("failed to unmarshal cached customer: %w", err)
			}
			customers = append(customers, customer)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if customers == nil {
		customers = []domain.Customer{}
	}
	return customers, nil
}

// CatalogFetchedAt reports when the cached catalog was last replaced.
// The zero time means no catalog has been cached.
func (s *Store) CatalogFetchedAt() (time.Time, error) {
	var fetchedAt time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(metaKeyCatalogFetchedAt)
		if raw == nil {
			return nil
		}
		return fetchedAt.UnmarshalText(raw)
	})
	return fetchedAt, err
}

// ApplyStockDelta adjusts the cached stock for a product, flooring at zero.
// This keeps the local view honest while sales queue up offline; the server
// remains authoritative after reconciliation.
func (s *Store) ApplyStockDelta(productID string, delta int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProducts)
		raw := bucket.Get([]byte(productID))
		if raw == nil {
			return store.ErrNotFound
		}
		var product domain.Product
		if err := json.Unmarshal(raw, &product); err != nil {
			return fmt.Errorf("failed to unmarshal cached product %s: %w", productID, err)
		}
		product.Stock += delta
		if product.Stock < 0 {
			product.Stock = 0
		}
		data, err := json.Marshal(product)
		if err != nil {
			return fmt.Errorf("failed to marshal cached product %s: %w", productID, err)
		}
		return bucket.Put([]byte(productID), data)
	})
}

// Enqueue appends a mutation to the durable queue. The big-endian sequence
// key keeps bbolt's natural iteration order equal to enqueue order.
func (s *Store) Enqueue(mutation domain.QueuedMutation) (domain.QueuedMutation, error) {
	if mutation.LocalID == "" {
		mutation.LocalID = xid.NewKey()
	}
	if mutation.CreatedAt.IsZero() {
		mutation.CreatedAt = time.Now().UTC()
	}
	mutation.Status = domain.MutationStatusPending
	mutation.Attempts = 0
	mutation.LastError = ""

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		if bucket.Stats().KeyN >= s.maxPending {
			return ErrQuotaExceeded
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		data, err := json.Marshal(mutation)
		if err != nil {
			return fmt.Errorf("failed to marshal mutation %s: %w", mutation.LocalID, err)
		}
		if err := bucket.Put(sequenceKey(seq), data); err != nil {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return nil
	})
	if err != nil {
		return domain.QueuedMutation{}, err
	}
	return mutation, nil
}

// ListPending returns unsynced mutations in FIFO order. Failed mutations
// are excluded; they only re-enter the queue through ResetFailed.
func (s *Store) ListPending() ([]domain.QueuedMutation, error) {
	var mutations []domain.QueuedMutation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMutations).ForEach(func(_, v []byte) error {
			var mutation domain.QueuedMutation
			if err := json.Unmarshal(v, &mutation); err != nil {
				return fmt.Errorf("failed to unmarshal queued mutation: %w", err)
			}
			if mutation.Status == domain.MutationStatusFailed {
				return nil
			}
			mutations = append(mutations, mutation)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return mutations, nil
}

// UpdateStatus transitions a queued mutation. Marking a mutation syncing
// counts an attempt; marking it synced moves the record to the archive
// bucket so the live queue only ever holds unfinished work.
func (s *Store) UpdateStatus(localID string, status string, lastError string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)

		var key []byte
		var mutation domain.QueuedMutation
		found := false
		err := bucket.ForEach(func(k, v []byte) error {
			if found {
				return nil
			}
			var m domain.QueuedMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to unmarshal queued mutation: %w", err)
			}
			if m.LocalID == localID {
				key = append([]byte(nil), k...)
				mutation = m
				found = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}

		if status == domain.MutationStatusSyncing {
			mutation.Attempts++
		}
		mutation.Status = status
		mutation.LastError = lastError

		data, err := json.Marshal(mutation)
		if err != nil {
			return fmt.Errorf("failed to marshal queued mutation %s: %w", localID, err)
		}

		if status == domain.MutationStatusSynced {
			if err := tx.Bucket(bucketArchive).Put(key, data); err != nil {
				return fmt.Errorf("failed to archive mutation %s: %w", localID, err)
			}
			return bucket.Delete(key)
		}
		return bucket.Put(key, data)
	})
}

func (s *Store) Counts() (Counts, error) {
	var counts Counts
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMutations).ForEach(func(_, v []byte) error {
			var mutation domain.QueuedMutation
			if err := json.Unmarshal(v, &mutation); err != nil {
				return fmt.Errorf("failed to unmarshal queued mutation: %w", err)
			}
			switch mutation.Status {
			case domain.MutationStatusSyncing:
				counts.Syncing++
			case domain.MutationStatusFailed:
				counts.Failed++
			default:
				counts.Pending++
			}
			return nil
		})
	})
	return counts, err
}

// ResetFailed returns failed mutations to pending for a manual retry and
// reports how many were reset. The attempt counter starts over.
func (s *Store) ResetFailed() (int, error) {
	reset := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)

		type pendingPut struct {
			key  []byte
			data []byte
		}
		var puts []pendingPut

		err := bucket.ForEach(func(k, v []byte) error {
			var mutation domain.QueuedMutation
			if err := json.Unmarshal(v, &mutation); err != nil {
				return fmt.Errorf("failed to unmarshal queued mutation: %w", err)
			}
			if mutation.Status != domain.MutationStatusFailed {
				return nil
			}
			mutation.Status = domain.MutationStatusPending
			mutation.Attempts = 0
			mutation.LastError = ""
			data, err := json.Marshal(mutation)
			if err != nil {
				return fmt.Errorf("failed to marshal queued mutation %s: %w", mutation.LocalID, err)
			}
			puts = append(puts, pendingPut{key: append([]byte(nil), k...), data: data})
			return nil
		})
		if err != nil {
			return err
		}

		for _, put := range puts {
			if err := bucket.Put(put.key, put.data); err != nil {
				return fmt.Errorf("failed to reset mutation: %w", err)
			}
		}
		reset = len(puts)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// Clear wipes all offline state. It refuses while unsynced work exists:
// wiping a queue with pending sales would lose money that was already
// taken at the counter.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketMutations).ForEach(func(_, v []byte) error {
			var mutation domain.QueuedMutation
			if err := json.Unmarshal(v, &mutation); err != nil {
				return fmt.Errorf("failed to unmarshal queued mutation: %w", err)
			}
			if mutation.Status != domain.MutationStatusFailed {
				return ErrPendingWork
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range [][]byte{bucketProducts, bucketCustomers, bucketMutations, bucketArchive, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to delete bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to recreate bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
