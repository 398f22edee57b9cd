package server

import (
	"net/http"
)

type depositRequest struct {
	NFTID uint64 `json:"nftId"`
	Pool  string `json:"pool"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type recipientRequest struct {
	To string `json:"to"`
}

type transferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type approveRequest struct {
	Spender string `json:"spender"`
}

type operatorRequest struct {
	Operator string `json:"operator"`
	Approved bool   `json:"approved"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	call, err := userCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	pool, err := parseAccount("pool", req.Pool)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	id, err := s.lending.Deposit(ctx, call, req.NFTID, pool)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.lending.Position(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPositionView(view))
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	call, err := userCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
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
	if err := s.lending.Borrow(ctx, call, id, amount); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePosition(w, r, id)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	call, err := userCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
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
	repaid, err := s.lending.Repay(ctx, call, id, amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.lending.Position(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repaid":   amountString(repaid),
		"position": newPositionView(view),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	call, err := userCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.lending.Withdraw(ctx, call, id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	call, err := userCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	result, err := s.lending.Liquidate(ctx, call, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLiquidationView(result))
}

func (s *Server) handleTransferPosition(w http.ResponseWriter, r *http.Request) {
	call, err := userCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req recipientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := parseAccount("to", req.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.lending.TransferPosition(ctx, call, id, to); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePosition(w, r, id)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	call, err := userCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	spender, err := parseAccount("spender", req.Spender)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.lending.ApprovePosition(ctx, call, id, spender); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetOperator(w http.ResponseWriter, r *http.Request) {
	call, err := userCall(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req operatorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	operator, err := parseAccount("operator", req.Operator)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.lending.SetOperator(ctx, call, operator, req.Approved); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	call, err := userCall(r)
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
	if err := s.lending.Transfer(ctx, call, to, amount); err != nil {
		s.fail(w, r, err)
		return
	}
	balance, err := s.lending.BalanceOf(call.Sender)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": accountString(call.Sender),
		"balance": amountString(balance),
	})
}

func (s *Server) writePosition(w http.ResponseWriter, r *http.Request, id uint64) {
	view, err := s.lending.Position(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(view))
}
