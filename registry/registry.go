package registry

import (
	"encoding/binary"
	"errors"
	"sync"

	"loanbridge/protocol"
	"loanbridge/storage"
)

var (
	// ErrRecordMissing rejects an assignment for a record the external
	// protocol does not know about.
	ErrRecordMissing = errors.New("registry: record does not exist in the external protocol")
	// ErrAlreadyMapped rejects an assignment for a record that already
	// holds a key.
	ErrAlreadyMapped = errors.New("registry: record already mapped")
	// ErrKeyCollision guards the sequential allocator. Unreachable under
	// correct allocation; surfaced rather than overwritten if it ever is.
	ErrKeyCollision = errors.New("registry: allocated key already taken")
	// ErrNotFound is returned when a key resolves to no record.
	ErrNotFound = errors.New("registry: key not mapped")
	// ErrUnauthorized rejects a capability minted for another registry.
	ErrUnauthorized = errors.New("registry: capability not valid for this registry")
)

// UnmappedKey is the non-failing sentinel ResolveKey returns for records
// without a mapping. "Is this mapped" is a legitimate query, not an error.
const UnmappedKey uint64 = 0

// StatusSource is the slice of the external protocol the registry needs to
// validate mappings against ground truth.
type StatusSource interface {
	RecordStatus(record uint64) (protocol.Status, error)
}

// Registry owns the bijection between platform-derived position keys and
// external borrowing-record handles. Keys are allocated sequentially from 1.
type Registry struct {
	mu          sync.RWMutex
	status      StatusSource
	db          storage.Database
	keyToRecord map[uint64]uint64
	recordToKey map[uint64]uint64
	nextKey     uint64
}

// AdminCapability authorizes administrative recovery operations (unmap). It
// is unforgeable: the only instance is minted by New for its own registry.
type AdminCapability struct {
	registry *Registry
}

// OperatorCapability authorizes assignments. Minted from the admin capability
// and handed to the single lending adapter instance at wiring time.
type OperatorCapability struct {
	registry *Registry
}

// IssueOperator mints the operator capability for the admin's registry.
func (a AdminCapability) IssueOperator() OperatorCapability {
	return OperatorCapability{registry: a.registry}
}

// New constructs a registry validated against the given status source and
// returns its admin capability. When a database is supplied, persisted
// entries reload and subsequent changes write through.
func New(status StatusSource, db storage.Database) (*Registry, AdminCapability, error) {
	reg := &Registry{
		status:      status,
		db:          db,
		keyToRecord: make(map[uint64]uint64),
		recordToKey: make(map[uint64]uint64),
	}
	if err := reg.restore(); err != nil {
		return nil, AdminCapability{}, err
	}
	return reg, AdminCapability{registry: reg}, nil
}

// Assign allocates the next sequential key for the record and stores both
// directions of the mapping. Requires the operator capability.
func (r *Registry) Assign(cap OperatorCapability, record uint64) (uint64, error) {
	if cap.registry != r {
		return 0, ErrUnauthorized
	}
	status, err := r.status.RecordStatus(record)
	if err != nil {
		return 0, err
	}
	if status == protocol.StatusNonexistent {
		return 0, ErrRecordMissing
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recordToKey[record]; ok {
		return 0, ErrAlreadyMapped
	}
	key := r.nextKey + 1
	if _, ok := r.keyToRecord[key]; ok {
		return 0, ErrKeyCollision
	}
	r.keyToRecord[key] = record
	r.recordToKey[record] = key
	r.nextKey = key
	r.persist(key, record)
	return key, nil
}

// ResolveRecord returns the record handle mapped to the key.
func (r *Registry) ResolveRecord(key uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.keyToRecord[key]
	if !ok {
		return 0, ErrNotFound
	}
	return record, nil
}

// ResolveKey returns the key mapped to the record, or UnmappedKey when the
// record has none.
func (r *Registry) ResolveKey(record uint64) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.recordToKey[record]
	if !ok {
		return UnmappedKey
	}
	return key
}

// IsValid reports whether the record is both mapped and active in the
// external protocol.
func (r *Registry) IsValid(record uint64) bool {
	if r.ResolveKey(record) == UnmappedKey {
		return false
	}
	status, err := r.status.RecordStatus(record)
	if err != nil {
		return false
	}
	return status == protocol.StatusActive
}

// Count returns the number of mapped entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keyToRecord)
}

// HighestKey returns the most recently allocated key.
func (r *Registry) HighestKey() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextKey
}

// Unmap removes both directions of the record's mapping. Administrative
// recovery only; the normal lifecycle never unmaps.
func (r *Registry) Unmap(cap AdminCapability, record uint64) error {
	if cap.registry != r {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.recordToKey[record]
	if !ok {
		return ErrNotFound
	}
	delete(r.recordToKey, record)
	delete(r.keyToRecord, key)
	if r.db != nil {
		_ = r.db.Delete(entryKey(key))
	}
	return nil
}

var entryPrefix = []byte("registry/entry/")

func entryKey(key uint64) []byte {
	buf := make([]byte, len(entryPrefix)+8)
	copy(buf, entryPrefix)
	binary.BigEndian.PutUint64(buf[len(entryPrefix):], key)
	return buf
}

// persist must be called with the lock held.
func (r *Registry) persist(key, record uint64) {
	if r.db == nil {
		return
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, record)
	_ = r.db.Put(entryKey(key), value)
}

func (r *Registry) restore() error {
	if r.db == nil {
		return nil
	}
	return r.db.IteratePrefix(entryPrefix, func(rawKey, rawValue []byte) bool {
		if len(rawKey) != len(entryPrefix)+8 || len(rawValue) != 8 {
			return true
		}
		key := binary.BigEndian.Uint64(rawKey[len(entryPrefix):])
		record := binary.BigEndian.Uint64(rawValue)
		r.keyToRecord[key] = record
		r.recordToKey[record] = key
		if key > r.nextKey {
			r.nextKey = key
		}
		return true
	})
}
