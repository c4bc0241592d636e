package rpc

import (
	"context"
	"fmt"

	brmerrors "brm/core/errors"
	"brm/crypto"
	"brm/native/dispute"
	"brm/native/escrow"
)

func (s *Server) escrowResult(esc *escrow.Escrow) escrowJSON {
	return formatEscrowJSON(esc, s.engine.Params())
}

func (s *Server) handleCreateEscrow(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params createEscrowParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	caller, err := parseAccount("caller", params.Caller)
	if err != nil {
		return nil, err
	}
	client, err := parseAccount("client", params.Client)
	if err != nil {
		return nil, err
	}
	freelancer, err := parseAccount("freelancer", params.Freelancer)
	if err != nil {
		return nil, err
	}
	milestone, err := parseAmount("milestone", params.Milestone)
	if err != nil {
		return nil, err
	}
	esc, err := s.engine.Create(caller, client, freelancer, milestone, params.Nonce, s.engine.Now())
	if err != nil {
		return nil, err
	}
	return s.escrowResult(esc), nil
}

func (s *Server) handleFund(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params fundParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash("id", params.ID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAccount("caller", params.Caller)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		return nil, err
	}
	esc, err := s.engine.Fund(id, caller, amount, s.engine.Now())
	if err != nil {
		return nil, err
	}
	return s.escrowResult(esc), nil
}

func (s *Server) handleSubmit(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params submitParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash("id", params.ID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAccount("caller", params.Caller)
	if err != nil {
		return nil, err
	}
	evidence, err := parseHash("evidence", params.Evidence)
	if err != nil {
		return nil, err
	}
	esc, err := s.engine.Submit(id, caller, evidence, s.engine.Now())
	if err != nil {
		return nil, err
	}
	return s.escrowResult(esc), nil
}

// actorCall decodes {id, caller} and runs fn with the parsed values.
func (s *Server) actorCall(req *RPCRequest, fn func(id [32]byte, caller [20]byte, now int64) (*escrow.Escrow, error)) (interface{}, error) {
	var params escrowActorParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash("id", params.ID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAccount("caller", params.Caller)
	if err != nil {
		return nil, err
	}
	esc, err := fn(id, caller, s.engine.Now())
	if err != nil {
		return nil, err
	}
	return s.escrowResult(esc), nil
}

func (s *Server) handleApprove(_ context.Context, req *RPCRequest) (interface{}, error) {
	return s.actorCall(req, s.engine.Approve)
}

func (s *Server) handleOpenDispute(_ context.Context, req *RPCRequest) (interface{}, error) {
	return s.actorCall(req, s.engine.OpenDispute)
}

func (s *Server) handleRespondToDispute(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params respondParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash("id", params.ID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAccount("caller", params.Caller)
	if err != nil {
		return nil, err
	}
	response, err := escrow.ParseResponse(params.Response)
	if err != nil {
		return nil, err
	}
	esc, err := s.engine.RespondToDispute(id, caller, response, s.engine.Now())
	if err != nil {
		return nil, err
	}
	return s.escrowResult(esc), nil
}

func (s *Server) handleDeposit(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params depositParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	disputeID, err := parseHash("disputeId", params.DisputeID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAccount("caller", params.Caller)
	if err != nil {
		return nil, err
	}
	side, err := dispute.ParseSide(params.Side)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		return nil, err
	}
	dep, err := s.engine.Deposit(caller, disputeID, side, amount, s.engine.Now())
	if err != nil {
		return nil, err
	}
	return formatDepositJSON(dep), nil
}

func (s *Server) handleResolve(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params disputeIDParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	disputeID, err := parseHash("disputeId", params.DisputeID)
	if err != nil {
		return nil, err
	}
	esc, err := s.engine.ResolveDispute(disputeID, s.engine.Now())
	if err != nil {
		return nil, err
	}
	return s.escrowResult(esc), nil
}

func (s *Server) handleClaim(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params claimParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	disputeID, err := parseHash("disputeId", params.DisputeID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAccount("caller", params.Caller)
	if err != nil {
		return nil, err
	}
	paid, err := s.engine.Claim(caller, disputeID)
	if err != nil {
		return nil, err
	}
	return claimResult{DisputeID: formatID(disputeID), Voter: crypto.FormatAddress(caller), Paid: formatAmount(paid)}, nil
}

// handleCheckTimeouts evaluates one escrow when an id is supplied and sweeps
// every open escrow otherwise.
func (s *Server) handleCheckTimeouts(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params escrowIDParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
	}
	now := s.engine.Now()
	if params.ID == "" {
		resolved, err := s.engine.CheckAllTimeouts(now)
		out := sweepResult{Resolved: make([]escrowJSON, 0, len(resolved))}
		for _, esc := range resolved {
			out.Resolved = append(out.Resolved, s.escrowResult(esc))
		}
		if err != nil {
			// escrows that did resolve stay reported; failures ride alongside
			s.logger.Warn("timeout sweep reported failures", "component", "rpc", "error", err)
			out.Failures = sweepFailures(err)
		}
		return out, nil
	}
	id, err := parseHash("id", params.ID)
	if err != nil {
		return nil, err
	}
	esc, fired, err := s.engine.CheckTimeouts(id, now)
	if err != nil {
		return nil, err
	}
	view := s.escrowResult(esc)
	return timeoutResult{Resolved: fired, Escrow: &view}, nil
}

// sweepFailures flattens the per-escrow errors joined by CheckAllTimeouts.
func sweepFailures(err error) []string {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}

func (s *Server) handleGetEscrow(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	id, err := parseHash("id", params.ID)
	if err != nil {
		return nil, err
	}
	esc, err := s.engine.Escrow(id)
	if err != nil {
		return nil, err
	}
	return s.escrowResult(esc), nil
}

func (s *Server) handleGetDispute(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params disputeIDParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	disputeID, err := parseHash("disputeId", params.DisputeID)
	if err != nil {
		return nil, err
	}
	d, err := s.engine.Dispute(disputeID)
	if err != nil {
		return nil, err
	}
	return formatDisputeJSON(d), nil
}

func (s *Server) handleGetDeposits(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params depositsParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	disputeID, err := parseHash("disputeId", params.DisputeID)
	if err != nil {
		return nil, err
	}
	if params.Voter != "" {
		voter, err := parseAccount("voter", params.Voter)
		if err != nil {
			return nil, err
		}
		dep, err := s.engine.DepositOf(disputeID, voter)
		if err != nil {
			return nil, err
		}
		return []depositJSON{formatDepositJSON(dep)}, nil
	}
	deps, err := s.engine.Deposits(disputeID)
	if err != nil {
		return nil, err
	}
	out := make([]depositJSON, 0, len(deps))
	for _, dep := range deps {
		out = append(out, formatDepositJSON(dep))
	}
	return out, nil
}

func (s *Server) handleGetBalance(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	addr, err := parseAccount("address", params.Address)
	if err != nil {
		return nil, err
	}
	balance, err := s.engine.Balance(addr)
	if err != nil {
		return nil, err
	}
	return balanceResult{Address: crypto.FormatAddress(addr), Balance: formatAmount(balance)}, nil
}

func (s *Server) handleGetEvents(_ context.Context, req *RPCRequest) (interface{}, error) {
	var params eventsParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
	}
	if params.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", brmerrors.ErrInvalidArgument)
	}
	if s.events == nil {
		return nil, fmt.Errorf("%w: event stream not enabled", brmerrors.ErrNotFound)
	}
	return filterEvents(s.events.Events(), params.Type, params.Limit), nil
}
