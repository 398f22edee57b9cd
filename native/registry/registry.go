package registry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/core/events"
	"lpvault/core/state"
)

var (
	// ErrForbidden is returned when the caller may not act on the token.
	ErrForbidden = errors.New("registry: forbidden")
	// ErrTokenNotFound is returned for unknown or burned token identifiers.
	ErrTokenNotFound = errors.New("registry: token not found")
	// ErrInvalidRecipient is returned when minting or transferring to the zero address.
	ErrInvalidRecipient = errors.New("registry: invalid recipient")
)

// Token is an ownership claim on a vault position.
type Token struct {
	ID       uint64
	Owner    common.Address
	Minter   common.Address
	Approved common.Address
}

// Registry is the ownership ledger for position tokens. It keeps no state of
// its own; every call operates on the transaction it is handed so mints and
// burns commit together with the position change that caused them.
type Registry struct {
	prefix string
}

// New returns a registry storing its records under prefix.
func New(prefix string) *Registry {
	if prefix == "" {
		prefix = "registry"
	}
	return &Registry{prefix: prefix}
}

func (r *Registry) key(parts ...[]byte) []byte {
	out := []byte(r.prefix)
	for _, part := range parts {
		out = append(out, '/')
		out = append(out, part...)
	}
	return out
}

func idBytes(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

func (r *Registry) tokenKey(id uint64) []byte { return r.key([]byte("token"), idBytes(id)) }

func (r *Registry) ownerKey(owner common.Address) []byte {
	return r.key([]byte("owner"), owner.Bytes())
}

func (r *Registry) operatorKey(owner, operator common.Address) []byte {
	return r.key([]byte("operator"), owner.Bytes(), operator.Bytes())
}

func (r *Registry) nextIDKey() []byte { return r.key([]byte("next-id")) }

// Token loads the record of id.
func (r *Registry) Token(kv state.KV, id uint64) (Token, error) {
	var token Token
	ok, err := kv.KVGet(r.tokenKey(id), &token)
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	return token, nil
}

// OwnerOf returns the current holder of id.
func (r *Registry) OwnerOf(kv state.KV, id uint64) (common.Address, error) {
	token, err := r.Token(kv, id)
	if err != nil {
		return common.Address{}, err
	}
	return token.Owner, nil
}

// TokensOf lists the identifiers held by owner in mint order.
func (r *Registry) TokensOf(kv state.KV, owner common.Address) ([]uint64, error) {
	var raw [][]byte
	if err := kv.KVGetList(r.ownerKey(owner), &raw); err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			continue
		}
		out = append(out, binary.BigEndian.Uint64(entry))
	}
	return out, nil
}

// Mint issues a new token to owner and records minter as the only account
// allowed to burn it. Identifiers start at one and are never reused.
func (r *Registry) Mint(kv state.KV, minter, owner common.Address) (uint64, error) {
	if owner == (common.Address{}) {
		return 0, ErrInvalidRecipient
	}
	var next uint64
	if _, err := kv.KVGet(r.nextIDKey(), &next); err != nil {
		return 0, err
	}
	if next == 0 {
		next = 1
	}
	token := Token{ID: next, Owner: owner, Minter: minter}
	if err := kv.KVPut(r.tokenKey(next), token); err != nil {
		return 0, err
	}
	if err := kv.KVAppend(r.ownerKey(owner), idBytes(next)); err != nil {
		return 0, err
	}
	if err := kv.KVPut(r.nextIDKey(), next+1); err != nil {
		return 0, err
	}
	kv.Emit(events.TokenMinted{Minter: minter, Owner: owner, TokenID: next})
	return next, nil
}

// Burn destroys id. Only the account that minted the token may burn it.
func (r *Registry) Burn(kv state.KV, caller common.Address, id uint64) error {
	token, err := r.Token(kv, id)
	if err != nil {
		return err
	}
	if caller != token.Minter {
		return fmt.Errorf("%w: %s did not mint token %d", ErrForbidden, caller.Hex(), id)
	}
	if err := kv.KVDelete(r.tokenKey(id)); err != nil {
		return err
	}
	if err := kv.KVRemove(r.ownerKey(token.Owner), idBytes(id)); err != nil {
		return err
	}
	kv.Emit(events.TokenBurned{Caller: caller, Owner: token.Owner, TokenID: id})
	return nil
}

// Approve lets spender act on id until the next transfer. Only the owner may
// approve; the zero address clears the approval.
func (r *Registry) Approve(kv state.KV, caller common.Address, id uint64, spender common.Address) error {
	token, err := r.Token(kv, id)
	if err != nil {
		return err
	}
	if caller != token.Owner {
		return fmt.Errorf("%w: %s does not own token %d", ErrForbidden, caller.Hex(), id)
	}
	token.Approved = spender
	return kv.KVPut(r.tokenKey(id), token)
}

// SetOperator grants or revokes operator rights over every token of owner.
func (r *Registry) SetOperator(kv state.KV, owner, operator common.Address, approved bool) error {
	if operator == (common.Address{}) || operator == owner {
		return ErrInvalidRecipient
	}
	if !approved {
		return kv.KVDelete(r.operatorKey(owner, operator))
	}
	return kv.KVPut(r.operatorKey(owner, operator), true)
}

func (r *Registry) isOperator(kv state.KV, owner, operator common.Address) bool {
	var approved bool
	ok, err := kv.KVGet(r.operatorKey(owner, operator), &approved)
	return err == nil && ok && approved
}

// IsAuthorized reports whether user is the owner, the approved spender or an
// operator of the owner. Unknown tokens authorise nobody.
func (r *Registry) IsAuthorized(kv state.KV, id uint64, user common.Address) bool {
	if user == (common.Address{}) {
		return false
	}
	token, err := r.Token(kv, id)
	if err != nil {
		return false
	}
	if user == token.Owner || user == token.Approved {
		return true
	}
	return r.isOperator(kv, token.Owner, user)
}

// Transfer moves id to the recipient. The caller must be authorised on the
// token; the per-token approval is cleared.
func (r *Registry) Transfer(kv state.KV, caller common.Address, id uint64, to common.Address) error {
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	token, err := r.Token(kv, id)
	if err != nil {
		return err
	}
	if !r.IsAuthorized(kv, id, caller) {
		return fmt.Errorf("%w: %s may not transfer token %d", ErrForbidden, caller.Hex(), id)
	}
	from := token.Owner
	if err := kv.KVRemove(r.ownerKey(from), idBytes(id)); err != nil {
		return err
	}
	token.Owner = to
	token.Approved = common.Address{}
	if err := kv.KVPut(r.tokenKey(id), token); err != nil {
		return err
	}
	if err := kv.KVAppend(r.ownerKey(to), idBytes(id)); err != nil {
		return err
	}
	kv.Emit(events.TokenTransferred{From: from, To: to, TokenID: id})
	return nil
}
