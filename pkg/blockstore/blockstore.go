package blockstore

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/x1-flashloan/internal/types"
)

var (
	// ErrTransactionNotFound is returned when a transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrClosed is returned when operating on a closed blockstore.
	ErrClosed = errors.New("blockstore closed")
)

// Bucket names for BoltDB.
var (
	// bucketTransactions stores compiled transactions keyed by id.
	bucketTransactions = []byte("transactions")

	// bucketStatus stores receipts keyed by id.
	bucketStatus = []byte("tx_status")

	// bucketSlotTransactions indexes ids by slot+id.
	bucketSlotTransactions = []byte("slot_txs")

	// bucketAddressTransactions indexes ids by address+slot+id.
	bucketAddressTransactions = []byte("addr_txs")

	// bucketMetadata stores blockstore metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyLatestSlot       = []byte("latest_slot")
	keyTransactionCount = []byte("transaction_count")
)

// Config holds blockstore configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default blockstore configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Store records executed transactions.
type Store interface {
	// PutTransaction stores tx and its receipt and indexes it by slot and
	// by every account it references.
	PutTransaction(tx *Transaction, status *TransactionStatus) error

	GetTransaction(id types.Hash) (*Transaction, error)
	GetStatus(id types.Hash) (*TransactionStatus, error)

	// GetTransactionsForSlot returns the ids executed in slot.
	GetTransactionsForSlot(slot uint64) ([]types.Hash, error)

	// GetTransactionsForAddress returns up to limit ids referencing addr,
	// newest slot first. A limit of zero means no limit.
	GetTransactionsForAddress(addr types.Pubkey, limit int) ([]types.Hash, error)

	GetLatestSlot() uint64
	GetStats() (*Stats, error)
	Close() error
}

// Stats contains blockstore statistics.
type Stats struct {
	// LatestSlot is the most recent slot stored.
	LatestSlot uint64

	// TransactionCount is the total number of transactions stored.
	TransactionCount uint64

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config

	// Cached values for fast reads.
	mu               sync.RWMutex
	latestSlot       uint64
	transactionCount uint64

	closed bool
}

// Open creates or opens a blockstore at the configured path.
func Open(config Config) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create directory")
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0o600, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	store := &BoltStore{
		db:     db,
		config: config,
	}

	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "init buckets")
		}
	}

	if err := store.loadCachedValues(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "load cached values")
	}

	return store, nil
}

// initBuckets creates all required buckets.
func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTransactions,
			bucketStatus,
			bucketSlotTransactions,
			bucketAddressTransactions,
			bucketMetadata,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
}

// loadCachedValues loads frequently-accessed values into memory.
func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keyLatestSlot); v != nil {
			s.latestSlot = DecodeSlotKey(v)
		}
		if v := meta.Get(keyTransactionCount); v != nil {
			s.transactionCount = DecodeSlotKey(v)
		}
		return nil
	})
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PutTransaction stores a transaction with its receipt. Storing the same id
// again replaces the receipt without counting it twice.
func (s *BoltStore) PutTransaction(txn *Transaction, status *TransactionStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	id := txn.ID()
	if status.ID != id {
		return errors.Errorf("receipt id %s does not match transaction %s", status.ID, id)
	}

	txData, err := encode(txn)
	if err != nil {
		return errors.Wrap(err, "encode transaction")
	}
	statusData, err := encode(status)
	if err != nil {
		return errors.Wrap(err, "encode status")
	}

	var latest, count uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		txs := tx.Bucket(bucketTransactions)
		added := txs.Get(id[:]) == nil

		if err := txs.Put(id[:], txData); err != nil {
			return err
		}
		if err := tx.Bucket(bucketStatus).Put(id[:], statusData); err != nil {
			return err
		}

		slotKey := append(EncodeSlotKey(status.Slot), id[:]...)
		if err := tx.Bucket(bucketSlotTransactions).Put(slotKey, []byte{}); err != nil {
			return err
		}

		addrs := tx.Bucket(bucketAddressTransactions)
		for _, addr := range txn.Message.AccountKeys {
			if err := addrs.Put(EncodeAddressSlotKey(addr, status.Slot, id), []byte{}); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMetadata)
		latest = DecodeSlotKey(meta.Get(keyLatestSlot))
		count = DecodeSlotKey(meta.Get(keyTransactionCount))
		if status.Slot > latest {
			latest = status.Slot
		}
		if added {
			count++
		}

		if err := meta.Put(keyLatestSlot, EncodeSlotKey(latest)); err != nil {
			return err
		}
		return meta.Put(keyTransactionCount, EncodeSlotKey(count))
	})
	if err != nil {
		return errors.Wrapf(err, "put transaction %s", id)
	}

	s.mu.Lock()
	s.latestSlot, s.transactionCount = latest, count
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) get(bucket []byte, id types.Hash, v any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(id[:])
		if data == nil {
			return ErrTransactionNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
	})
}

// GetTransaction retrieves a transaction by id.
func (s *BoltStore) GetTransaction(id types.Hash) (*Transaction, error) {
	var txn Transaction
	if err := s.get(bucketTransactions, id, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetStatus retrieves the receipt of a transaction.
func (s *BoltStore) GetStatus(id types.Hash) (*TransactionStatus, error) {
	var status TransactionStatus
	if err := s.get(bucketStatus, id, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetTransactionsForSlot returns the ids executed in slot in key order.
func (s *BoltStore) GetTransactionsForSlot(slot uint64) ([]types.Hash, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	prefix := EncodeSlotKey(slot)
	var ids []types.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSlotTransactions).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			var id types.Hash
			copy(id[:], k[len(prefix):])
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// GetTransactionsForAddress returns ids referencing addr, newest slot first.
func (s *BoltStore) GetTransactionsForAddress(addr types.Pubkey, limit int) ([]types.Hash, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var ids []types.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAddressTransactions).Cursor()

		// Position past the last key of addr, then walk backwards.
		var k []byte
		if next, ok := nextPrefix(addr[:]); ok {
			k, _ = c.Seek(next)
			if k == nil {
				k, _ = c.Last()
			} else {
				k, _ = c.Prev()
			}
		} else {
			k, _ = c.Last()
		}

		for ; k != nil && bytes.HasPrefix(k, addr[:]); k, _ = c.Prev() {
			_, _, id := DecodeAddressSlotKey(k)
			ids = append(ids, id)
			if limit > 0 && len(ids) == limit {
				break
			}
		}
		return nil
	})
	return ids, err
}

// nextPrefix returns the smallest key greater than every key starting with
// prefix. It reports false when no such key exists.
func nextPrefix(prefix []byte) ([]byte, bool) {
	next := bytes.Clone(prefix)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] < 0xff {
			next[i]++
			return next[:i+1], true
		}
	}
	return nil, false
}

// GetLatestSlot returns the highest slot a transaction was stored for.
func (s *BoltStore) GetLatestSlot() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestSlot
}

// GetStats returns blockstore statistics.
func (s *BoltStore) GetStats() (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	stats := &Stats{
		LatestSlot:       s.latestSlot,
		TransactionCount: s.transactionCount,
	}
	s.mu.RUnlock()

	err := s.db.View(func(tx *bolt.Tx) error {
		stats.DatabaseSize = tx.Size()
		return nil
	})
	return stats, err
}

// Close closes the blockstore.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
