package vault

import (
	"context"
	"sync"
	"testing"

	"github.com/kestrelci/pipeforge/internal/domain"
)

// fakeStore is a map-backed RecordStore for tests, no encoding beyond
// what Vault itself applies.
type fakeStore struct {
	mu      sync.Mutex
	records map[int64]Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[int64]Record)}
}

func (f *fakeStore) ListRecords(ctx context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) PutRecord(ctx context.Context, r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ProviderID] = r
	return nil
}

func (f *fakeStore) DeleteRecord(ctx context.Context, providerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, providerID)
	return nil
}

func TestVaultPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := New(newFakeStore())

	if err := v.Unlock(ctx, "correct-horse"); err != nil {
		t.Fatalf("unlock empty vault: %v", err)
	}

	if err := v.Put(ctx, 1, "ghp_supersecret"); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := v.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "ghp_supersecret" {
		t.Fatalf("get = %q, want %q", got, "ghp_supersecret")
	}
}

func TestVaultLockBlocksOperations(t *testing.T) {
	ctx := context.Background()
	v := New(newFakeStore())
	_ = v.Unlock(ctx, "pw")
	_ = v.Put(ctx, 1, "secret")

	v.Lock()
	if !v.IsLocked() {
		t.Fatal("expected locked")
	}

	if _, err := v.Get(ctx, 1); err == nil {
		t.Fatal("expected get to fail while locked")
	}
	if err := v.Put(ctx, 2, "x"); err == nil {
		t.Fatal("expected put to fail while locked")
	}
}

// TestVaultPutLockUnlockGet is property P5 from the spec: put; lock;
// unlock(pw); get = secret.
func TestVaultPutLockUnlockGet(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	v := New(store)

	if err := v.Unlock(ctx, "hunter2"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := v.Put(ctx, 42, "tok_abc"); err != nil {
		t.Fatalf("put: %v", err)
	}

	v.Lock()

	if err := v.Unlock(ctx, "hunter2"); err != nil {
		t.Fatalf("re-unlock: %v", err)
	}

	got, err := v.Get(ctx, 42)
	if err != nil {
		t.Fatalf("get after re-unlock: %v", err)
	}
	if got != "tok_abc" {
		t.Fatalf("get = %q, want tok_abc", got)
	}
}

func TestVaultWrongPasswordFailsToUnlock(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	v := New(store)
	_ = v.Unlock(ctx, "right-password")
	_ = v.Put(ctx, 1, "secret")
	v.Lock()

	err := v.Unlock(ctx, "wrong-password")
	if err == nil {
		t.Fatal("expected unlock with wrong password to fail")
	}
	if !domain.IsKind(err, domain.KindAuthenticationFailed) {
		t.Fatalf("expected authentication_failed kind, got %v", err)
	}
	if !v.IsLocked() {
		t.Fatal("vault should remain locked after failed unlock")
	}
}

func TestVaultUnlockWithNoRecordsAlwaysSucceeds(t *testing.T) {
	ctx := context.Background()
	v := New(newFakeStore())
	if err := v.Unlock(ctx, "anything"); err != nil {
		t.Fatalf("unlock with no stored records should succeed: %v", err)
	}
}

func TestVaultDeleteInvalidatesGet(t *testing.T) {
	ctx := context.Background()
	v := New(newFakeStore())
	_ = v.Unlock(ctx, "pw")
	_ = v.Put(ctx, 7, "bye")

	if err := v.Delete(ctx, 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := v.Get(ctx, 7); err == nil {
		t.Fatal("expected get after delete to fail")
	}
}

func TestVaultExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := New(newFakeStore())
	_ = src.Unlock(ctx, "vault-pw")
	_ = src.Put(ctx, 1, "secret-one")
	_ = src.Put(ctx, 2, "secret-two")

	blob, err := src.Export(ctx, "backup-pw")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := New(newFakeStore())
	_ = dst.Unlock(ctx, "dst-vault-pw")
	if err := dst.Import(ctx, blob, "backup-pw"); err != nil {
		t.Fatalf("import: %v", err)
	}

	got, err := dst.Get(ctx, 1)
	if err != nil || got != "secret-one" {
		t.Fatalf("get(1) = %q, %v", got, err)
	}
	got, err = dst.Get(ctx, 2)
	if err != nil || got != "secret-two" {
		t.Fatalf("get(2) = %q, %v", got, err)
	}
}

func TestVaultImportWrongBackupPassword(t *testing.T) {
	ctx := context.Background()
	src := New(newFakeStore())
	_ = src.Unlock(ctx, "vault-pw")
	_ = src.Put(ctx, 1, "secret")
	blob, _ := src.Export(ctx, "correct-backup-pw")

	dst := New(newFakeStore())
	_ = dst.Unlock(ctx, "dst-pw")
	if err := dst.Import(ctx, blob, "wrong-backup-pw"); err == nil {
		t.Fatal("expected import with wrong backup password to fail")
	}
}

func TestVaultRotate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	v := New(store)
	_ = v.Unlock(ctx, "old-pw")
	_ = v.Put(ctx, 1, "secret")

	if err := v.Rotate(ctx, "new-pw"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	got, err := v.Get(ctx, 1)
	if err != nil || got != "secret" {
		t.Fatalf("get after rotate = %q, %v", got, err)
	}

	v.Lock()
	if err := v.Unlock(ctx, "old-pw"); err == nil {
		t.Fatal("old password should no longer unlock after rotation")
	}
	if err := v.Unlock(ctx, "new-pw"); err != nil {
		t.Fatalf("new password should unlock after rotation: %v", err)
	}
}
