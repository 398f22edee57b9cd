package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	noncePrefix    = []byte("nonce/")
	observedPrefix = []byte("observed/")
)

// LevelDBNonces persists nonce observations. Each nonce is stored twice: by
// composite key for lookups and under a time ordered index for pruning.
type LevelDBNonces struct {
	db *leveldb.DB
}

// OpenLevelDBNonces opens or creates the nonce store at path.
func OpenLevelDBNonces(path string) (*LevelDBNonces, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("auth: nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open nonce store: %w", err)
	}
	return &LevelDBNonces{db: db}, nil
}

// NewLevelDBNonces wraps an already opened database.
func NewLevelDBNonces(db *leveldb.DB) *LevelDBNonces {
	return &LevelDBNonces{db: db}
}

func (p *LevelDBNonces) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *LevelDBNonces) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	if record.APIKey == "" || record.Timestamp == "" || record.Nonce == "" {
		return false, errors.New("auth: nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := strings.Join([]string{record.APIKey, record.Timestamp, record.Nonce}, "|")
	lookup := append(append([]byte(nil), noncePrefix...), composite...)
	existing, err := p.db.Get(lookup, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("auth: load nonce: %w", err)
	default:
		previous := int64(binary.BigEndian.Uint64(existing))
		if next := observed.UnixNano(); next > previous {
			batch := new(leveldb.Batch)
			batch.Put(lookup, encodeNanos(next))
			batch.Delete(observedKey(previous, composite))
			batch.Put(observedKey(next, composite), nil)
			if err := p.db.Write(batch, nil); err != nil {
				return true, fmt.Errorf("auth: refresh nonce: %w", err)
			}
		}
		return true, nil
	}
	batch := new(leveldb.Batch)
	batch.Put(lookup, encodeNanos(observed.UnixNano()))
	batch.Put(observedKey(observed.UnixNano(), composite), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("auth: record nonce: %w", err)
	}
	return false, nil
}

func (p *LevelDBNonces) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	iter := p.db.NewIterator(&util.Range{Start: observedKey(cutoff.UTC().UnixNano(), ""), Limit: util.BytesPrefix(observedPrefix).Limit}, nil)
	defer iter.Release()
	var records []NonceRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		composite, nanos, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			APIKey:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("auth: iterate nonces: %w", err)
	}
	return records, nil
}

func (p *LevelDBNonces) PruneNonces(ctx context.Context, cutoff time.Time) error {
	iter := p.db.NewIterator(&util.Range{Start: observedPrefix, Limit: observedKey(cutoff.UTC().UnixNano(), "")}, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		composite, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete(append(append([]byte(nil), noncePrefix...), composite...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("auth: iterate nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("auth: prune nonces: %w", err)
	}
	return nil
}

// observedKey zero pads the timestamp so keys sort chronologically.
func observedKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", observedPrefix, nanos, composite))
}

func parseObservedKey(key []byte) (string, int64, bool) {
	rest, ok := bytes.CutPrefix(key, observedPrefix)
	if !ok {
		return "", 0, false
	}
	stamp, composite, ok := strings.Cut(string(rest), "/")
	if !ok {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return composite, nanos, true
}

func encodeNanos(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
