package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	params, err := s.lending.Params()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		paramsPayload
		Paused bool `json:"paused"`
	}{paramsPayload: newParamsPayload(params), Paused: s.lending.Paused()})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := pathAccount(r, "pool")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := s.lending.Pool(pool)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(cfg))
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	supply, err := s.lending.TotalSupply()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	debt, err := s.lending.TotalDebt()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	treasury, err := s.lending.BalanceOf(s.lending.Treasury())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"totalSupply":     amountString(supply),
		"totalDebt":       amountString(debt),
		"treasury":        accountString(s.lending.Treasury()),
		"treasuryBalance": amountString(treasury),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := pathAccount(r, "account")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	balance, err := s.lending.BalanceOf(account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": accountString(account),
		"balance": amountString(balance),
	})
}

func (s *Server) handleAccountPositions(w http.ResponseWriter, r *http.Request) {
	account, err := pathAccount(r, "account")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids, err := s.lending.PositionsOf(account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePositions(w, r, ids)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.lending.Positions()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePositions(w, r, ids)
}

func (s *Server) writePositions(w http.ResponseWriter, r *http.Request, ids []uint64) {
	out := make([]positionView, 0, len(ids))
	for _, id := range ids {
		view, err := s.lending.Position(id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, newPositionView(view))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": out})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.lending.Position(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(view))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	report, err := s.lending.Health(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHealthView(report))
}

func (s *Server) handleGetNFT(w http.ResponseWriter, r *http.Request) {
	nftID, err := pathID(r, "nft")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	desc, err := s.positions.Describe(nftID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := newCollateralView(desc)
	if positionID, ok, err := s.lending.PositionByNFT(nftID); err != nil {
		s.fail(w, r, err)
		return
	} else if ok {
		view.PositionID = &positionID
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOracleTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.oracle.SupportedTokens()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]string, len(tokens))
	for i, token := range tokens {
		out[i] = token.Hex()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": out})
}

func (s *Server) handleOracleSource(w http.ResponseWriter, r *http.Request) {
	token, err := pathAccount(r, "token")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	src, ok, err := s.oracle.Source(token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no price source registered")
		return
	}
	view := newSourceView(src)
	fallback, ok, err := s.oracle.Fallback(token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ok {
		view.Fallback = &quoteView{
			Token:     token.Hex(),
			PriceX96:  amountString(fallback.PriceX96),
			Source:    "fallback",
			UpdatedAt: unixOrZero(fallback.UpdatedAt),
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOraclePrice(w http.ResponseWriter, r *http.Request) {
	token, err := pathAccount(r, "token")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	quote, ok := s.oracle.Quote(ctx, token)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "price unavailable")
		return
	}
	writeJSON(w, http.StatusOK, newQuoteView(quote))
}

func (s *Server) handleGetValidPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := s.oracle.ValidPeriod()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"seconds": uint64(period / time.Second)})
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer", errBadRequest, name)
	}
	return value, nil
}
