package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"lpvault/native/lending"
)

type sourceEntry struct {
	Token            string `json:"token"`
	Feed             string `json:"feed"`
	HeartbeatSeconds uint64 `json:"heartbeatSeconds"`
}

type addSourcesRequest struct {
	Sources []sourceEntry `json:"sources"`
}

type removeSourcesRequest struct {
	Tokens []string `json:"tokens"`
}

type fallbackPriceRequest struct {
	PriceX96  string `json:"priceX96"`
	UpdatedAt int64  `json:"updatedAt"`
}

type validPeriodRequest struct {
	Seconds uint64 `json:"seconds"`
}

type adminRequest struct {
	Account string `json:"account"`
	Grant   bool   `json:"grant"`
}

type poolRequest struct {
	Whitelisted           bool   `json:"whitelisted"`
	LiquidationThresholdD uint64 `json:"liquidationThresholdD"`
}

type pausedRequest struct {
	Paused bool `json:"paused"`
}

type mintRequest struct {
	Owner   string               `json:"owner"`
	Pool    string               `json:"pool"`
	Amounts []tokenAmountPayload `json:"amounts"`
}

type amountsRequest struct {
	Amounts []tokenAmountPayload `json:"amounts"`
}

func (s *Server) handleAddSources(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req addSourcesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tokens := make([]common.Address, len(req.Sources))
	feeds := make([]common.Address, len(req.Sources))
	heartbeats := make([]time.Duration, len(req.Sources))
	for i, entry := range req.Sources {
		if tokens[i], err = parseAccount(fmt.Sprintf("sources[%d].token", i), entry.Token); err != nil {
			s.fail(w, r, err)
			return
		}
		if feeds[i], err = parseAccount(fmt.Sprintf("sources[%d].feed", i), entry.Feed); err != nil {
			s.fail(w, r, err)
			return
		}
		heartbeats[i] = time.Duration(entry.HeartbeatSeconds) * time.Second
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.oracle.AddSources(ctx, call, tokens, feeds, heartbeats); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveSources(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req removeSourcesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tokens := make([]common.Address, len(req.Tokens))
	for i, raw := range req.Tokens {
		if tokens[i], err = parseAccount(fmt.Sprintf("tokens[%d]", i), raw); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.oracle.RemoveSources(call, tokens); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetFallbackPrice(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token, err := pathAccount(r, "token")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req fallbackPriceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	price, err := parseAmount("priceX96", req.PriceX96)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.UpdatedAt < 0 {
		s.fail(w, r, fmt.Errorf("%w: updatedAt must not be negative", errBadRequest))
		return
	}
	if err := s.oracle.SetUnderlyingPriceX96(call, token, price, time.Unix(req.UpdatedAt, 0)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetValidPeriod(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req validPeriodRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.oracle.SetValidPeriod(call, time.Duration(req.Seconds)*time.Second); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOracleAdmin(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req adminRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	account, err := parseAccount("account", req.Account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Grant {
		err = s.oracle.GrantAdmin(call, account)
	} else {
		err = s.oracle.RevokeAdmin(call, account)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req paramsPayload
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	params, err := req.params()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.lending.SetParams(ctx, call, params); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newParamsPayload(params))
}

func (s *Server) handleSetPool(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pool, err := pathAccount(r, "pool")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req poolRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	cfg := lending.PoolConfig{Pool: pool, Whitelisted: req.Whitelisted, LiquidationThresholdD: req.LiquidationThresholdD}
	if err := s.lending.SetPool(ctx, call, cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	stored, err := s.lending.Pool(pool)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(stored))
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req pausedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.lending.SetPaused(ctx, call, req.Paused); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.lending.Paused()})
}

func (s *Server) handleLendingAdmin(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req adminRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	account, err := parseAccount("account", req.Account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if req.Grant {
		err = s.lending.GrantAdmin(ctx, call, account)
	} else {
		err = s.lending.RevokeAdmin(ctx, call, account)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdrawTreasury(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := parseAccount("to", req.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.lending.WithdrawTreasury(ctx, call, to, amount); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMintNFT(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	owner, err := parseAccount("owner", req.Owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pool, err := parseAccount("pool", req.Pool)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	amounts, err := parseTokenAmounts(req.Amounts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	nftID, err := s.positions.Mint(call, owner, pool, amounts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	desc, err := s.positions.Describe(nftID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCollateralView(desc))
}

func (s *Server) handleSetAmounts(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	nftID, err := pathID(r, "nft")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req amountsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	amounts, err := parseTokenAmounts(req.Amounts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.positions.SetAmounts(call, nftID, amounts); err != nil {
		s.fail(w, r, err)
		return
	}
	desc, err := s.positions.Describe(nftID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCollateralView(desc))
}

// handleSetPause flips the process-wide switchboard. Only lending
// administrators may call it.
func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	call, err := operatorCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.pauses == nil {
		s.fail(w, r, fmt.Errorf("%w: pause switchboard not configured", errUnavailable))
		return
	}
	if !s.lending.IsAdmin(call.Sender) {
		s.fail(w, r, fmt.Errorf("%w: %s is not a lending admin", lending.ErrForbidden, call.Sender.Hex()))
		return
	}
	module := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "module")))
	var req pausedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.pauses.Set(module, req.Paused)
	s.logger.Info("module pause updated",
		slog.String("module", module),
		slog.Bool("paused", req.Paused),
		slog.String("operator", call.Sender.Hex()))
	writeJSON(w, http.StatusOK, map[string]interface{}{"module": module, "paused": s.pauses.IsPaused(module)})
}
