package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	brmerrors "brm/core/errors"
	"brm/core/types"
	"brm/crypto"
	"brm/native/dispute"
	"brm/native/escrow"
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type createEscrowParams struct {
	Caller     string `json:"caller"`
	Client     string `json:"client"`
	Freelancer string `json:"freelancer"`
	Milestone  string `json:"milestone"`
	Nonce      uint64 `json:"nonce"`
}

type escrowActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type fundParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type submitParams struct {
	ID       string `json:"id"`
	Caller   string `json:"caller"`
	Evidence string `json:"evidence"`
}

type respondParams struct {
	ID       string `json:"id"`
	Caller   string `json:"caller"`
	Response string `json:"response"`
}

type depositParams struct {
	DisputeID string `json:"disputeId"`
	Caller    string `json:"caller"`
	Side      string `json:"side"`
	Amount    string `json:"amount"`
}

type disputeIDParams struct {
	DisputeID string `json:"disputeId"`
}

type claimParams struct {
	DisputeID string `json:"disputeId"`
	Caller    string `json:"caller"`
}

type depositsParams struct {
	DisputeID string `json:"disputeId"`
	Voter     string `json:"voter,omitempty"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type eventsParams struct {
	Limit int    `json:"limit,omitempty"`
	Type  string `json:"type,omitempty"`
}

type escrowJSON struct {
	ID               string  `json:"id"`
	Client           string  `json:"client"`
	Freelancer       string  `json:"freelancer"`
	Custody          string  `json:"custody"`
	Milestone        string  `json:"milestone"`
	Bond             string  `json:"bond"`
	Status           string  `json:"status"`
	Resolution       string  `json:"resolution,omitempty"`
	Evidence         *string `json:"evidence,omitempty"`
	DisputeID        *string `json:"disputeId,omitempty"`
	CreatedAt        int64   `json:"createdAt"`
	FundedAt         int64   `json:"fundedAt,omitempty"`
	SubmittedAt      int64   `json:"submittedAt,omitempty"`
	ReviewDeadline   int64   `json:"reviewDeadline,omitempty"`
	DisputeOpenedAt  int64   `json:"disputeOpenedAt,omitempty"`
	ResponseDeadline int64   `json:"responseDeadline,omitempty"`
	ResolvedAt       int64   `json:"resolvedAt,omitempty"`
}

type disputeJSON struct {
	ID                   string `json:"id"`
	EscrowID             string `json:"escrowId"`
	Pool                 string `json:"pool"`
	Status               string `json:"status"`
	Bond                 string `json:"bond"`
	ClientBondPosted     bool   `json:"clientBondPosted"`
	FreelancerBondPosted bool   `json:"freelancerBondPosted"`
	OpenedAt             int64  `json:"openedAt"`
	VotingStart          int64  `json:"votingStart,omitempty"`
	VotingEnd            int64  `json:"votingEnd,omitempty"`
	StakeFreelancer      string `json:"stakeFreelancer"`
	StakeClient          string `json:"stakeClient"`
	DepositCount         uint64 `json:"depositCount"`
	Outcome              string `json:"outcome,omitempty"`
	Voided               bool   `json:"voided,omitempty"`
	ResolvedAt           int64  `json:"resolvedAt,omitempty"`
}

type depositJSON struct {
	DisputeID   string `json:"disputeId"`
	Voter       string `json:"voter"`
	Side        string `json:"side"`
	Amount      string `json:"amount"`
	DepositedAt int64  `json:"depositedAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	Claimed     bool   `json:"claimed"`
}

type claimResult struct {
	DisputeID string `json:"disputeId"`
	Voter     string `json:"voter"`
	Paid      string `json:"paid"`
}

type timeoutResult struct {
	Resolved bool        `json:"resolved"`
	Escrow   *escrowJSON `json:"escrow,omitempty"`
}

type sweepResult struct {
	Resolved []escrowJSON `json:"resolved"`
	Failures []string     `json:"failures,omitempty"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func formatID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatEscrowJSON(esc *escrow.Escrow, params escrow.Params) escrowJSON {
	out := escrowJSON{
		ID:              formatID(esc.ID),
		Client:          crypto.FormatAddress(esc.Client),
		Freelancer:      crypto.FormatAddress(esc.Freelancer),
		Custody:         crypto.FormatAddress(escrow.CustodyAddress(esc.ID)),
		Milestone:       formatAmount(esc.MilestoneValue),
		Bond:            formatAmount(esc.BondValue),
		Status:          esc.Status.String(),
		CreatedAt:       esc.CreatedAt,
		FundedAt:        esc.FundedAt,
		SubmittedAt:     esc.SubmittedAt,
		DisputeOpenedAt: esc.DisputeOpenedAt,
		ResolvedAt:      esc.ResolvedAt,
	}
	if esc.Resolution != escrow.ResolutionNone {
		out.Resolution = esc.Resolution.String()
	}
	if esc.EvidenceRef != ([32]byte{}) {
		evidence := formatID(esc.EvidenceRef)
		out.Evidence = &evidence
	}
	if esc.HasDispute {
		id := formatID(esc.DisputeID)
		out.DisputeID = &id
	}
	switch esc.Status {
	case escrow.EscrowSubmitted:
		out.ReviewDeadline = esc.ReviewDeadline(params)
	case escrow.EscrowDisputeOpen:
		out.ResponseDeadline = esc.ResponseDeadline(params)
	}
	return out
}

func formatDisputeJSON(d *dispute.Dispute) disputeJSON {
	out := disputeJSON{
		ID:                   formatID(d.ID),
		EscrowID:             formatID(d.EscrowID),
		Pool:                 crypto.FormatAddress(dispute.PoolAddress(d.ID)),
		Status:               d.Status.String(),
		Bond:                 formatAmount(d.BondValue),
		ClientBondPosted:     d.ClientBondPosted,
		FreelancerBondPosted: d.FreelancerBondPosted,
		OpenedAt:             d.OpenedAt,
		VotingStart:          d.VotingStart,
		VotingEnd:            d.VotingEnd,
		StakeFreelancer:      formatAmount(d.TotalStakeFreelancer),
		StakeClient:          formatAmount(d.TotalStakeClient),
		DepositCount:         d.DepositCount,
		Voided:               d.Voided,
		ResolvedAt:           d.ResolvedAt,
	}
	if d.Status == dispute.StatusResolved {
		out.Outcome = d.Outcome.String()
	}
	return out
}

func formatDepositJSON(dep *dispute.Deposit) depositJSON {
	return depositJSON{
		DisputeID:   formatID(dep.DisputeID),
		Voter:       crypto.FormatAddress(dep.Voter),
		Side:        dep.Side.String(),
		Amount:      formatAmount(dep.Amount),
		DepositedAt: dep.DepositedAt,
		UpdatedAt:   dep.UpdatedAt,
		Claimed:     dep.Claimed,
	}
}

func filterEvents(evts []*types.Event, eventType string, limit int) []*types.Event {
	eventType = strings.TrimSpace(eventType)
	out := make([]*types.Event, 0, len(evts))
	for _, evt := range evts {
		if eventType == "" || evt.Type == eventType {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// decodeParams unmarshals the single parameter object carried by req.
func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("%w: exactly one parameter object expected", brmerrors.ErrInvalidArgument)
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return fmt.Errorf("%w: %v", brmerrors.ErrInvalidArgument, err)
	}
	return nil
}

func parseAccount(field, value string) ([20]byte, error) {
	addr, err := crypto.ParseAccount(value)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %s: %v", brmerrors.ErrInvalidArgument, field, err)
	}
	return addr, nil
}

func parseHash(field, value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("%w: %s required", brmerrors.ErrInvalidArgument, field)
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("%w: %s must be 32 bytes", brmerrors.ErrInvalidArgument, field)
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", brmerrors.ErrInvalidArgument, field, err)
	}
	copy(out[:], raw)
	return out, nil
}

// parseAmount accepts a base-10 integer. Sign checks are left to the engine so
// a zero or negative amount reports invalid_amount.
func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s required", brmerrors.ErrInvalidArgument, field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a base-10 integer", brmerrors.ErrInvalidArgument, field)
	}
	return amount, nil
}
