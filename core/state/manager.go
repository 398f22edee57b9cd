package state

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"lpvault/core/events"
	"lpvault/storage"
)

// ErrReadOnly is returned when a write is attempted inside View.
var ErrReadOnly = errors.New("state: read-only transaction")

// KV is the state surface handed to module engines. Implementations buffer
// writes so a failing operation never leaves partial state behind.
type KV interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	SetRole(role string, addr []byte) error
	RemoveRole(role string, addr []byte) error
	RoleMembers(role string) ([][]byte, error)
	HasRole(role string, addr []byte) bool
	Emit(events.Event)
}

// Manager owns a namespace of the key-value store. All mutations run through
// Update which serialises writers and commits the buffered writes as a single
// storage batch.
type Manager struct {
	mu        sync.RWMutex
	db        storage.Database
	namespace string
	emitter   events.Emitter
}

// NewManager creates a state manager scoped to the namespace. Managers sharing
// a database never observe each other's keys.
func NewManager(db storage.Database, namespace string) *Manager {
	return &Manager{db: db, namespace: strings.TrimSpace(namespace), emitter: events.NoopEmitter{}}
}

// SetEmitter configures the sink for events raised by committed transactions.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// Update runs fn against a write transaction. When fn returns an error the
// buffered writes and events are discarded. Events are delivered only after a
// successful commit, outside the manager lock.
func (m *Manager) Update(fn func(tx *Tx) error) error {
	emitted, emitter, err := m.update(fn)
	if err != nil {
		return err
	}
	for _, ev := range emitted {
		emitter.Emit(ev)
	}
	return nil
}

func (m *Manager) update(fn func(tx *Tx) error) ([]events.Event, events.Emitter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &Tx{m: m, writable: true, writes: make(map[string]pendingWrite)}
	if err := fn(tx); err != nil {
		return nil, nil, err
	}
	if err := tx.commit(); err != nil {
		return nil, nil, fmt.Errorf("state: commit: %w", err)
	}
	return tx.events, m.emitter, nil
}

// View runs fn against a read-only snapshot guarded by the manager's read lock.
func (m *Manager) View(fn func(tx *Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&Tx{m: m})
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Tx is a buffered view over the manager's namespace.
type Tx struct {
	m        *Manager
	writable bool
	writes   map[string]pendingWrite
	events   []events.Event
}

var _ KV = (*Tx)(nil)

var rolePrefix = []byte("role:")

func (tx *Tx) hashed(key []byte) []byte {
	buf := make([]byte, 0, len(tx.m.namespace)+1+len(key))
	buf = append(buf, tx.m.namespace...)
	buf = append(buf, '/')
	buf = append(buf, key...)
	return ethcrypto.Keccak256(buf)
}

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return buf
}

func (tx *Tx) read(hashed []byte) ([]byte, error) {
	if pending, ok := tx.writes[string(hashed)]; ok {
		if pending.deleted {
			return nil, nil
		}
		return pending.value, nil
	}
	data, err := tx.m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (tx *Tx) write(hashed []byte, value []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.writes[string(hashed)] = pendingWrite{value: value}
	return nil
}

func (tx *Tx) commit() error {
	if len(tx.writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.writes))
	for key := range tx.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := tx.m.db.NewBatch()
	for _, key := range keys {
		pending := tx.writes[key]
		if pending.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), pending.value)
	}
	return batch.Write()
}

// Emit queues an event for delivery after commit. Events raised inside View
// are dropped.
func (tx *Tx) Emit(ev events.Event) {
	if !tx.writable || ev == nil {
		return
	}
	tx.events = append(tx.events, ev)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 together with the manager namespace.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.write(tx.hashed(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := tx.read(tx.hashed(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key. Removing a missing key is a no-op.
func (tx *Tx) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if !tx.writable {
		return ErrReadOnly
	}
	tx.writes[string(tx.hashed(key))] = pendingWrite{deleted: true}
	return nil
}

func (tx *Tx) loadList(hashed []byte) ([][]byte, error) {
	data, err := tx.read(hashed)
	if err != nil {
		return nil, err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (tx *Tx) storeList(hashed []byte, list [][]byte) error {
	if len(list) == 0 {
		if !tx.writable {
			return ErrReadOnly
		}
		tx.writes[string(hashed)] = pendingWrite{deleted: true}
		return nil
	}
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return tx.write(hashed, encoded)
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (tx *Tx) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := tx.hashed(key)
	list, err := tx.loadList(hashed)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return tx.storeList(hashed, list)
}

// KVRemove drops value from the list stored under key. The list is deleted
// once empty.
func (tx *Tx) KVRemove(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := tx.hashed(key)
	list, err := tx.loadList(hashed)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return tx.storeList(hashed, kept)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := tx.read(tx.hashed(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// SetRole associates an address with the specified role. Duplicate assignments
// are ignored while the stored list remains sorted for determinism.
func (tx *Tx) SetRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	hashed := tx.hashed(roleKey(trimmed))
	members, err := tx.loadList(hashed)
	if err != nil {
		return err
	}
	for _, existing := range members {
		if bytes.Equal(existing, addr) {
			return nil
		}
	}
	members = append(members, append([]byte(nil), addr...))
	sort.Slice(members, func(i, j int) bool {
		return hex.EncodeToString(members[i]) < hex.EncodeToString(members[j])
	})
	return tx.storeList(hashed, members)
}

// RemoveRole revokes the role from addr.
func (tx *Tx) RemoveRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	return tx.KVRemove(roleKey(trimmed), addr)
}

// RoleMembers returns all addresses assigned to the provided role.
func (tx *Tx) RoleMembers(role string) ([][]byte, error) {
	members, err := tx.loadList(tx.hashed(roleKey(strings.TrimSpace(role))))
	if err != nil {
		return nil, err
	}
	if members == nil {
		return [][]byte{}, nil
	}
	return members, nil
}

// HasRole reports whether the provided address is associated with the
// specified role. Errors while reading the underlying state result in a false
// return.
func (tx *Tx) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	members, err := tx.loadList(tx.hashed(roleKey(strings.TrimSpace(role))))
	if err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr) {
			return true
		}
	}
	return false
}
