// Package badger implements store.MemoryStore on an embedded BadgerDB.
// It carries the same semantics as the PostgreSQL backend without any
// external service, which makes it the storage of choice for
// single-node deployments and tests.
//
// Key layout, one byte of prefix per record family:
//
//	0x01 tenant 0x00 conceptID      -> JSON(Concept)
//	0x02 tenant 0x00 surfaceForm    -> conceptID
//	0x03 tenant 0x00 canonicalForm  -> conceptID
//	0x04 tenant 0x00 a 0x00 b       -> JSON(AttentionLink)
//	0x05 tenant 0x00 b 0x00 a       -> empty (reverse link index)
//	0x06 tenant 0x00 canonicalForm  -> JSON(CompoundConcept)
//	0x07 anonymizedID               -> JSON(FederationPattern)
//	0x08 nodeID 0x00 period         -> JSON(ContributionCredit)
//	0x09 nodeID 0x00 period 0x00 ts -> JSON(ledgerEntry)
//	0x0a nodeID                     -> JSON(PeerNode)
//
// Read-modify-write operations are serialized by one write lock, so
// Badger's optimistic conflict detection never fires.
package badger

import (
	"sync"

	"github.com/mnemon-ai/mnemon/pkg/logger"

	badgerdb "github.com/dgraph-io/badger/v4"
)

const (
	prefixConcept   = byte(0x01)
	prefixSurface   = byte(0x02)
	prefixCanonical = byte(0x03)
	prefixLink      = byte(0x04)
	prefixLinkRev   = byte(0x05)
	prefixCompound  = byte(0x06)
	prefixPattern   = byte(0x07)
	prefixCredit    = byte(0x08)
	prefixLedger    = byte(0x09)
	prefixPeer      = byte(0x0a)
)

// MemoryBadgerStorage implements store.MemoryStore on BadgerDB.
type MemoryBadgerStorage struct {
	db        *badgerdb.DB
	writeLock sync.Mutex
}

// Options configures the embedded store.
type Options struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// SyncWrites forces an fsync per write batch.
	SyncWrites bool
}

// NewMemoryBadgerStorage opens the embedded store at opts.Path, or in
// memory when opts.InMemory is set.
func NewMemoryBadgerStorage(opts Options) (*MemoryBadgerStorage, error) {
	badgerOpts := badgerdb.DefaultOptions(opts.Path)
	if opts.InMemory {
		badgerOpts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	badgerOpts = badgerOpts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)

	db, err := badgerdb.Open(badgerOpts)
	if err != nil {
		return nil, err
	}

	logger.Debug("[Store] Badger opened", "path", opts.Path, "inMemory", opts.InMemory)
	return &MemoryBadgerStorage{db: db}, nil
}

// NewInMemory opens a throwaway in-memory store. Data is gone on Close.
func NewInMemory() (*MemoryBadgerStorage, error) {
	return NewMemoryBadgerStorage(Options{InMemory: true})
}

// Close flushes and closes the underlying database.
func (s *MemoryBadgerStorage) Close() error {
	return s.db.Close()
}

func scopedKey(prefix byte, parts ...string) []byte {
	size := 1
	for _, p := range parts {
		size += len(p) + 1
	}
	key := make([]byte, 0, size)
	key = append(key, prefix)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0x00)
		}
		key = append(key, []byte(p)...)
	}
	return key
}

func scopedPrefix(prefix byte, parts ...string) []byte {
	key := scopedKey(prefix, parts...)
	return append(key, 0x00)
}
