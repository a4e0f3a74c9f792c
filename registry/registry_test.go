package registry

import (
	"errors"
	"testing"

	"loanbridge/protocol"
	"loanbridge/storage"
)

type stubStatus struct {
	statuses map[uint64]protocol.Status
	err      error
}

func (s *stubStatus) RecordStatus(record uint64) (protocol.Status, error) {
	if s.err != nil {
		return protocol.StatusNonexistent, s.err
	}
	return s.statuses[record], nil
}

func newTestRegistry(t *testing.T, statuses map[uint64]protocol.Status) (*Registry, AdminCapability) {
	t.Helper()
	reg, admin, err := New(&stubStatus{statuses: statuses}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg, admin
}

func TestAssignSequentialKeys(t *testing.T) {
	reg, admin := newTestRegistry(t, map[uint64]protocol.Status{
		10: protocol.StatusActive,
		20: protocol.StatusActive,
		30: protocol.StatusActive,
	})
	operator := admin.IssueOperator()

	for i, record := range []uint64{30, 10, 20} {
		key, err := reg.Assign(operator, record)
		if err != nil {
			t.Fatalf("assign %d: %v", record, err)
		}
		if key != uint64(i+1) {
			t.Fatalf("assign %d: key %d, want %d", record, key, i+1)
		}
	}
	if reg.Count() != 3 {
		t.Fatalf("count %d, want 3", reg.Count())
	}
	if reg.HighestKey() != uint64(reg.Count()) {
		t.Fatalf("highest key %d should equal count %d", reg.HighestKey(), reg.Count())
	}
}

func TestAssignRoundTrip(t *testing.T) {
	reg, admin := newTestRegistry(t, map[uint64]protocol.Status{77: protocol.StatusActive})
	operator := admin.IssueOperator()

	key, err := reg.Assign(operator, 77)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	record, err := reg.ResolveRecord(key)
	if err != nil {
		t.Fatalf("resolve record: %v", err)
	}
	if record != 77 {
		t.Fatalf("resolve record %d, want 77", record)
	}
	if got := reg.ResolveKey(77); got != key {
		t.Fatalf("resolve key %d, want %d", got, key)
	}
}

func TestAssignRejectsUnknownRecord(t *testing.T) {
	reg, admin := newTestRegistry(t, nil)
	if _, err := reg.Assign(admin.IssueOperator(), 99); !errors.Is(err, ErrRecordMissing) {
		t.Fatalf("expected ErrRecordMissing, got %v", err)
	}
}

func TestAssignRejectsDoubleMapping(t *testing.T) {
	reg, admin := newTestRegistry(t, map[uint64]protocol.Status{5: protocol.StatusActive})
	operator := admin.IssueOperator()
	if _, err := reg.Assign(operator, 5); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if _, err := reg.Assign(operator, 5); !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("expected ErrAlreadyMapped, got %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("failed assign must not add entries, count %d", reg.Count())
	}
}

func TestForeignCapabilityRejected(t *testing.T) {
	statuses := map[uint64]protocol.Status{1: protocol.StatusActive}
	reg, _ := newTestRegistry(t, statuses)
	_, otherAdmin := newTestRegistry(t, statuses)

	if _, err := reg.Assign(otherAdmin.IssueOperator(), 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign operator, got %v", err)
	}
	if err := reg.Unmap(otherAdmin, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign admin, got %v", err)
	}
	if _, err := reg.Assign(OperatorCapability{}, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for zero capability, got %v", err)
	}
}

func TestResolveKeySentinel(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	if got := reg.ResolveKey(42); got != UnmappedKey {
		t.Fatalf("unmapped record should resolve to sentinel, got %d", got)
	}
	if _, err := reg.ResolveRecord(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIsValidRequiresActiveStatus(t *testing.T) {
	statuses := map[uint64]protocol.Status{
		1: protocol.StatusActive,
		2: protocol.StatusClosed,
	}
	reg, admin := newTestRegistry(t, statuses)
	operator := admin.IssueOperator()
	if _, err := reg.Assign(operator, 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := reg.Assign(operator, 2); err != nil {
		t.Fatalf("assign closed record: %v", err)
	}

	if !reg.IsValid(1) {
		t.Fatalf("mapped active record should be valid")
	}
	if reg.IsValid(2) {
		t.Fatalf("closed record must not be valid even when mapped")
	}
	if reg.IsValid(3) {
		t.Fatalf("unmapped record must not be valid")
	}

	// Status changing under the mapping flips validity without touching it.
	statuses[1] = protocol.StatusZombie
	if reg.IsValid(1) {
		t.Fatalf("zombie record must not be valid")
	}
	if got := reg.ResolveKey(1); got == UnmappedKey {
		t.Fatalf("mapping must survive status change")
	}
}

func TestUnmapRemovesBothDirections(t *testing.T) {
	reg, admin := newTestRegistry(t, map[uint64]protocol.Status{9: protocol.StatusActive})
	key, err := reg.Assign(admin.IssueOperator(), 9)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := reg.Unmap(admin, 9); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if _, err := reg.ResolveRecord(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unmap, got %v", err)
	}
	if got := reg.ResolveKey(9); got != UnmappedKey {
		t.Fatalf("expected sentinel after unmap, got %d", got)
	}
	if err := reg.Unmap(admin, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second unmap should report ErrNotFound, got %v", err)
	}
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	db := storage.NewMemDB()
	statuses := &stubStatus{statuses: map[uint64]protocol.Status{
		100: protocol.StatusActive,
		200: protocol.StatusActive,
	}}
	reg, admin, err := New(statuses, db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	operator := admin.IssueOperator()
	if _, err := reg.Assign(operator, 100); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := reg.Assign(operator, 200); err != nil {
		t.Fatalf("assign: %v", err)
	}

	reloaded, reloadedAdmin, err := New(statuses, db)
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	if reloaded.Count() != 2 {
		t.Fatalf("reloaded count %d, want 2", reloaded.Count())
	}
	if got := reloaded.ResolveKey(200); got != 2 {
		t.Fatalf("reloaded key %d, want 2", got)
	}
	// Allocation resumes past the restored keys.
	statuses.statuses[300] = protocol.StatusActive
	key, err := reloaded.Assign(reloadedAdmin.IssueOperator(), 300)
	if err != nil {
		t.Fatalf("assign after reload: %v", err)
	}
	if key != 3 {
		t.Fatalf("key after reload %d, want 3", key)
	}
}
