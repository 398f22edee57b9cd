package types

import "github.com/ethereum/go-ethereum/common"

// CallContext identifies who triggered a state transition. Origin is the
// account that signed the request; Sender is the immediate caller, which
// differs from Origin when a contract or operator relays on the user's behalf.
type CallContext struct {
	Origin common.Address
	Sender common.Address
}

// DirectCall builds a context where the originator called the module itself.
func DirectCall(addr common.Address) CallContext {
	return CallContext{Origin: addr, Sender: addr}
}
