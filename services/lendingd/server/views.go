package server

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/crypto"
	"lpvault/native/lending"
	"lpvault/native/oracle"
	"lpvault/native/positions"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func accountString(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return crypto.FormatAccount(addr)
}

func parseAccount(field, raw string) (common.Address, error) {
	addr, err := crypto.ParseAccount(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return addr, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a base-10 integer", errBadRequest, field)
	}
	return value, nil
}

func parseID(field, raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer", errBadRequest, field)
	}
	return id, nil
}

type positionView struct {
	ID          uint64 `json:"id"`
	NFTID       uint64 `json:"nftId"`
	Pool        string `json:"pool"`
	Owner       string `json:"owner"`
	Principal   string `json:"principal"`
	Fees        string `json:"fees"`
	Debt        string `json:"debt"`
	LastAccrued uint64 `json:"lastAccrued"`
	OpenedAt    uint64 `json:"openedAt"`
}

func newPositionView(v lending.PositionView) positionView {
	return positionView{
		ID:          v.ID,
		NFTID:       v.NFTID,
		Pool:        v.Pool.Hex(),
		Owner:       accountString(v.Owner),
		Principal:   amountString(v.Principal),
		Fees:        amountString(v.Fees),
		Debt:        amountString(v.Debt()),
		LastAccrued: v.LastAccrued,
		OpenedAt:    v.OpenedAt,
	}
}

type healthView struct {
	PositionID      uint64 `json:"positionId"`
	Pool            string `json:"pool"`
	CollateralValue string `json:"collateralValue"`
	Debt            string `json:"debt"`
	ThresholdD      uint64 `json:"liquidationThresholdD"`
	BorrowCapacity  string `json:"borrowCapacity"`
	Liquidatable    bool   `json:"liquidatable"`
}

func newHealthView(r lending.HealthReport) healthView {
	return healthView{
		PositionID:      r.PositionID,
		Pool:            r.Pool.Hex(),
		CollateralValue: amountString(r.CollateralValue),
		Debt:            amountString(r.Debt),
		ThresholdD:      r.ThresholdD,
		BorrowCapacity:  amountString(r.BorrowCapacity),
		Liquidatable:    r.Liquidatable,
	}
}

type liquidationView struct {
	PositionID      uint64 `json:"positionId"`
	CollateralValue string `json:"collateralValue"`
	Debt            string `json:"debt"`
	Payment         string `json:"payment"`
	ProtocolFee     string `json:"protocolFee"`
	Residual        string `json:"residual"`
}

func newLiquidationView(r lending.LiquidationResult) liquidationView {
	return liquidationView{
		PositionID:      r.PositionID,
		CollateralValue: amountString(r.CollateralValue),
		Debt:            amountString(r.Debt),
		Payment:         amountString(r.Payment),
		ProtocolFee:     amountString(r.ProtocolFee),
		Residual:        amountString(r.Residual),
	}
}

// paramsPayload is the JSON form of lending.Params. Amounts are decimal
// strings.
type paramsPayload struct {
	MaxDebtPerVault        string `json:"maxDebtPerVault"`
	MaxNftsPerVault        uint64 `json:"maxNftsPerVault"`
	MinSingleNftCollateral string `json:"minSingleNftCollateral"`
	LiquidationFeeD        uint64 `json:"liquidationFeeD"`
	LiquidationPremiumD    uint64 `json:"liquidationPremiumD"`
	StabilisationFeeRateD  uint64 `json:"stabilisationFeeRateD"`
	RepayPolicy            string `json:"repayPolicy"`
	ResidualPolicy         string `json:"residualPolicy"`
}

func newParamsPayload(p lending.Params) paramsPayload {
	return paramsPayload{
		MaxDebtPerVault:        amountString(p.MaxDebtPerVault),
		MaxNftsPerVault:        p.MaxNftsPerVault,
		MinSingleNftCollateral: amountString(p.MinSingleNftCollateral),
		LiquidationFeeD:        p.LiquidationFeeD,
		LiquidationPremiumD:    p.LiquidationPremiumD,
		StabilisationFeeRateD:  p.StabilisationFeeRateD,
		RepayPolicy:            p.RepayPolicy.String(),
		ResidualPolicy:         p.ResidualPolicy.String(),
	}
}

func (p paramsPayload) params() (lending.Params, error) {
	return lending.Config{
		MaxDebtPerVault:        p.MaxDebtPerVault,
		MaxNftsPerVault:        p.MaxNftsPerVault,
		MinSingleNftCollateral: p.MinSingleNftCollateral,
		LiquidationFeeD:        p.LiquidationFeeD,
		LiquidationPremiumD:    p.LiquidationPremiumD,
		StabilisationFeeRateD:  p.StabilisationFeeRateD,
		RepayPolicy:            p.RepayPolicy,
		ResidualPolicy:         p.ResidualPolicy,
	}.Params()
}

type poolView struct {
	Pool                  string `json:"pool"`
	Whitelisted           bool   `json:"whitelisted"`
	LiquidationThresholdD uint64 `json:"liquidationThresholdD"`
}

func newPoolView(c lending.PoolConfig) poolView {
	return poolView{Pool: c.Pool.Hex(), Whitelisted: c.Whitelisted, LiquidationThresholdD: c.LiquidationThresholdD}
}

type quoteView struct {
	Token     string `json:"token"`
	PriceX96  string `json:"priceX96"`
	Price     string `json:"price"`
	Source    string `json:"source"`
	UpdatedAt int64  `json:"updatedAt"`
}

func newQuoteView(q oracle.Quote) quoteView {
	return quoteView{
		Token:     q.Token.Hex(),
		PriceX96:  amountString(q.PriceX96),
		Price:     oracle.FromX96(q.PriceX96).FloatString(18),
		Source:    q.Source,
		UpdatedAt: unixOrZero(q.UpdatedAt),
	}
}

type sourceView struct {
	Token            string     `json:"token"`
	Feed             string     `json:"feed"`
	HeartbeatSeconds uint64     `json:"heartbeatSeconds"`
	TokenDecimals    uint8      `json:"tokenDecimals"`
	FeedDecimals     uint8      `json:"feedDecimals"`
	Fallback         *quoteView `json:"fallback,omitempty"`
}

func newSourceView(src oracle.PriceSource) sourceView {
	return sourceView{
		Token:            src.Token.Hex(),
		Feed:             src.Feed.Hex(),
		HeartbeatSeconds: uint64(src.Heartbeat / time.Second),
		TokenDecimals:    src.TokenDecimals,
		FeedDecimals:     src.FeedDecimals,
	}
}

type tokenAmountPayload struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func parseTokenAmounts(entries []tokenAmountPayload) ([]positions.TokenAmount, error) {
	out := make([]positions.TokenAmount, 0, len(entries))
	for i, entry := range entries {
		token, err := parseAccount(fmt.Sprintf("amounts[%d].token", i), entry.Token)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount(fmt.Sprintf("amounts[%d].amount", i), entry.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, positions.TokenAmount{Token: token, Amount: amount})
	}
	return out, nil
}

type collateralView struct {
	NFTID      uint64               `json:"nftId"`
	Pool       string               `json:"pool"`
	Owner      string               `json:"owner"`
	Amounts    []tokenAmountPayload `json:"amounts"`
	PositionID *uint64              `json:"positionId,omitempty"`
}

func newCollateralView(c positions.Collateral) collateralView {
	view := collateralView{NFTID: c.NFTID, Pool: c.Pool.Hex(), Owner: accountString(c.Owner)}
	view.Amounts = make([]tokenAmountPayload, len(c.Amounts))
	for i, entry := range c.Amounts {
		view.Amounts[i] = tokenAmountPayload{Token: entry.Token.Hex(), Amount: amountString(entry.Amount)}
	}
	return view
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}
