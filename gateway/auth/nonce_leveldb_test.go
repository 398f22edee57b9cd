package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func TestLevelDBNoncesSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces")
	backend, err := OpenLevelDBNonces(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Unix(1_717_787_717, 0).UTC()
	opts := Options{Now: func() time.Time { return now }, Skew: time.Minute, NonceTTL: 5 * time.Minute}
	body := "payload"

	opts.Persistence = backend
	auth := NewAuthenticator(keeperCredentials(), opts)
	if _, err := auth.Authenticate(signedRequest(body, now, "restart"), []byte(body)); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenLevelDBNonces(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	opts.Persistence = reopened
	restarted := NewAuthenticator(keeperCredentials(), opts)
	if err := restarted.HydrateNonces(context.Background(), now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if _, err := restarted.Authenticate(signedRequest(body, now, "restart"), []byte(body)); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected replay after restart, got %v", err)
	}
}

func TestLevelDBNoncesPrune(t *testing.T) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store := NewLevelDBNonces(db)
	defer store.Close()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	for i, nonce := range []string{"old", "new"} {
		existed, err := store.EnsureNonce(ctx, NonceRecord{APIKey: "keeper", Timestamp: "1", Nonce: nonce, ObservedAt: base.Add(time.Duration(i) * time.Hour)})
		if err != nil || existed {
			t.Fatalf("ensure %s: existed=%v err=%v", nonce, existed, err)
		}
	}
	existed, err := store.EnsureNonce(ctx, NonceRecord{APIKey: "keeper", Timestamp: "1", Nonce: "old", ObservedAt: base})
	if err != nil || !existed {
		t.Fatalf("expected duplicate, existed=%v err=%v", existed, err)
	}

	if err := store.PruneNonces(ctx, base.Add(30*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	records, err := store.RecentNonces(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || records[0].Nonce != "new" {
		t.Fatalf("unexpected records %+v", records)
	}
	existed, err = store.EnsureNonce(ctx, NonceRecord{APIKey: "keeper", Timestamp: "1", Nonce: "old", ObservedAt: base.Add(2 * time.Hour)})
	if err != nil || existed {
		t.Fatalf("pruned nonce should be new again, existed=%v err=%v", existed, err)
	}
}
