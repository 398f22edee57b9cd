package oracle

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const aggregatorV3ABI = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

const erc20DecimalsABI = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var (
	aggregatorABI = mustParseABI(aggregatorV3ABI)
	erc20ABI      = mustParseABI(erc20DecimalsABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
// HTTP endpoints carry trace context on every JSON-RPC request.
func DialEVMClient(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	var opts []rpc.ClientOption
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		opts = append(opts, rpc.WithHTTPClient(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   15 * time.Second,
		}))
	}
	client, err := rpc.DialOptions(ctx, trimmed, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial evm endpoint: %w", err)
	}
	return ethclient.NewClient(client), nil
}

// ChainlinkFeed reads an AggregatorV3 contract.
type ChainlinkFeed struct {
	address common.Address
	caller  ethereum.ContractCaller
}

// NewChainlinkFeed binds the aggregator deployed at addr.
func NewChainlinkFeed(addr common.Address, caller ethereum.ContractCaller) *ChainlinkFeed {
	return &ChainlinkFeed{address: addr, caller: caller}
}

func (f *ChainlinkFeed) call(ctx context.Context, contract abi.ABI, method string) ([]interface{}, error) {
	if f == nil || f.caller == nil {
		return nil, fmt.Errorf("chainlink feed not initialised")
	}
	data, err := contract.Pack(method)
	if err != nil {
		return nil, err
	}
	to := f.address
	out, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, f.address.Hex(), err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s from %s: %w", method, f.address.Hex(), err)
	}
	return values, nil
}

// LatestAnswer returns the answer and update timestamp of the latest round.
func (f *ChainlinkFeed) LatestAnswer(ctx context.Context) (Answer, error) {
	values, err := f.call(ctx, aggregatorABI, "latestRoundData")
	if err != nil {
		return Answer{}, err
	}
	if len(values) != 5 {
		return Answer{}, fmt.Errorf("latestRoundData: unexpected output count %d", len(values))
	}
	answer, ok := values[1].(*big.Int)
	if !ok || answer == nil {
		return Answer{}, fmt.Errorf("latestRoundData: malformed answer")
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok || updatedAt == nil || !updatedAt.IsInt64() {
		return Answer{}, fmt.Errorf("latestRoundData: malformed timestamp")
	}
	return Answer{Price: answer, UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC()}, nil
}

// Decimals returns the number of decimals the aggregator answers with.
func (f *ChainlinkFeed) Decimals(ctx context.Context) (uint8, error) {
	return decodeDecimals(f.call(ctx, aggregatorABI, "decimals"))
}

func decodeDecimals(values []interface{}, err error) (uint8, error) {
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("decimals: unexpected output count %d", len(values))
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: malformed output")
	}
	return decimals, nil
}

// ChainlinkResolver binds any feed address to an AggregatorV3 reader over the
// shared caller.
type ChainlinkResolver struct {
	caller ethereum.ContractCaller
	mu     sync.Mutex
	feeds  map[common.Address]*ChainlinkFeed
}

func NewChainlinkResolver(caller ethereum.ContractCaller) *ChainlinkResolver {
	return &ChainlinkResolver{caller: caller, feeds: make(map[common.Address]*ChainlinkFeed)}
}

func (r *ChainlinkResolver) Feed(addr common.Address) (Feed, error) {
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", ErrUnknownFeed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	feed, ok := r.feeds[addr]
	if !ok {
		feed = NewChainlinkFeed(addr, r.caller)
		r.feeds[addr] = feed
	}
	return feed, nil
}

// ERC20Tokens reads decimals from token contracts. Results are cached since
// decimals never change after deployment.
type ERC20Tokens struct {
	caller ethereum.ContractCaller
	mu     sync.Mutex
	cache  map[common.Address]uint8
}

func NewERC20Tokens(caller ethereum.ContractCaller) *ERC20Tokens {
	return &ERC20Tokens{caller: caller, cache: make(map[common.Address]uint8)}
}

func (t *ERC20Tokens) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	t.mu.Lock()
	if decimals, ok := t.cache[token]; ok {
		t.mu.Unlock()
		return decimals, nil
	}
	t.mu.Unlock()
	reader := &ChainlinkFeed{address: token, caller: t.caller}
	decimals, err := decodeDecimals(reader.call(ctx, erc20ABI, "decimals"))
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.cache[token] = decimals
	t.mu.Unlock()
	return decimals, nil
}

// TokenChain consults each TokenInfo in order until one knows the token.
type TokenChain []TokenInfo

func (c TokenChain) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	var lastErr error = fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	for _, info := range c {
		if info == nil {
			continue
		}
		decimals, err := info.Decimals(ctx, token)
		if err == nil {
			return decimals, nil
		}
		lastErr = err
	}
	return 0, lastErr
}
