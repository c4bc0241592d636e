package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"brm/crypto"
)

type flagKind int

const (
	kindString flagKind = iota
	kindAddress
	kindHash
	kindAmount
	kindUint
)

type flagSpec struct {
	name     string
	param    string
	kind     flagKind
	required bool
	help     string
}

type command struct {
	name   string
	method string
	help   string
	flags  []flagSpec
}

var (
	idFlag        = flagSpec{name: "id", param: "id", kind: kindHash, required: true, help: "escrow identifier (0x-prefixed 32 bytes)"}
	disputeFlag   = flagSpec{name: "dispute", param: "disputeId", kind: kindHash, required: true, help: "dispute identifier (0x-prefixed 32 bytes)"}
	callerFlag    = flagSpec{name: "caller", param: "caller", kind: kindAddress, required: true, help: "acting account (brm1...)"}
	amountFlag    = flagSpec{name: "amount", param: "amount", kind: kindAmount, required: true, help: "amount in base units"}
	evidenceFlag  = flagSpec{name: "evidence", param: "evidence", kind: kindHash, help: "evidence reference (0x-prefixed 32 bytes)"}
	evidenceFileF = flagSpec{name: "evidence-file", param: "", kind: kindString, help: "hash this file with keccak256 to form the evidence reference"}
)

var commands = []command{
	{name: "create", method: "brm_createEscrow", help: "Create a milestone escrow as the client", flags: []flagSpec{callerFlag,
		{name: "client", param: "client", kind: kindAddress, required: true, help: "client account"},
		{name: "freelancer", param: "freelancer", kind: kindAddress, required: true, help: "freelancer account"},
		{name: "milestone", param: "milestone", kind: kindAmount, required: true, help: "milestone value in base units"},
		{name: "nonce", param: "nonce", kind: kindUint, help: "client-chosen nonce"},
	}},
	{name: "fund", method: "brm_fund", help: "Fund the milestone from the client", flags: []flagSpec{idFlag, callerFlag, amountFlag}},
	{name: "submit", method: "brm_submit", help: "Submit work evidence as the freelancer", flags: []flagSpec{idFlag, callerFlag, evidenceFlag, evidenceFileF}},
	{name: "approve", method: "brm_approve", help: "Approve submitted work", flags: []flagSpec{idFlag, callerFlag}},
	{name: "dispute", method: "brm_openDispute", help: "Open a dispute and post the client bond", flags: []flagSpec{idFlag, callerFlag}},
	{name: "respond", method: "brm_respondToDispute", help: "Accept or challenge an open dispute", flags: []flagSpec{idFlag, callerFlag,
		{name: "response", param: "response", kind: kindString, required: true, help: "accept or challenge"},
	}},
	{name: "deposit", method: "brm_deposit", help: "Stake on a side of an active market", flags: []flagSpec{disputeFlag, callerFlag, amountFlag,
		{name: "side", param: "side", kind: kindString, required: true, help: "freelancer or client"},
	}},
	{name: "resolve", method: "brm_resolve", help: "Resolve a market after voting closes", flags: []flagSpec{disputeFlag}},
	{name: "claim", method: "brm_claim", help: "Claim winnings or a voided refund", flags: []flagSpec{disputeFlag, callerFlag}},
	{name: "timeouts", method: "brm_checkTimeouts", help: "Apply due timeouts (all escrows when --id is omitted)", flags: []flagSpec{
		{name: "id", param: "id", kind: kindHash, help: "escrow identifier"},
	}},
	{name: "get", method: "brm_getEscrow", help: "Show an escrow", flags: []flagSpec{idFlag}},
	{name: "market", method: "brm_getDispute", help: "Show a dispute market", flags: []flagSpec{disputeFlag}},
	{name: "deposits", method: "brm_getDeposits", help: "List market deposits", flags: []flagSpec{disputeFlag,
		{name: "voter", param: "voter", kind: kindAddress, help: "only this depositor"},
	}},
	{name: "balance", method: "brm_getBalance", help: "Show an account balance", flags: []flagSpec{
		{name: "address", param: "address", kind: kindAddress, required: true, help: "account"},
	}},
	{name: "events", method: "brm_getEvents", help: "Show recent engine events", flags: []flagSpec{
		{name: "type", param: "type", kind: kindString, help: "filter by event type"},
		{name: "limit", param: "limit", kind: kindUint, help: "most recent N events"},
	}},
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return runCommand(cmd, args[1:], stdout, stderr)
		}
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
	fmt.Fprintln(stderr, usage())
	return 1
}

func runCommand(cmd command, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	values := make(map[string]*string, len(cmd.flags))
	for _, opt := range cmd.flags {
		values[opt.name] = fs.String(opt.name, "", opt.help)
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	params, err := buildParams(cmd, values)
	if err != nil {
		return printError(stderr, err.Error())
	}
	var payload interface{}
	if len(params) > 0 {
		payload = params
	}
	result, rpcErr, err := rpcCall(cmd.method, payload)
	if err != nil {
		fmt.Fprintf(stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(stderr, "  %s\n", rpcErr.Data)
		}
		return 1
	}
	writeResult(stdout, result)
	return 0
}

func buildParams(cmd command, values map[string]*string) (map[string]interface{}, error) {
	params := make(map[string]interface{})
	for _, opt := range cmd.flags {
		raw := strings.TrimSpace(*values[opt.name])
		if raw == "" {
			if opt.required {
				return nil, fmt.Errorf("--%s is required", opt.name)
			}
			continue
		}
		if opt.param == "" {
			continue
		}
		value, err := parseFlag(opt, raw)
		if err != nil {
			return nil, err
		}
		params[opt.param] = value
	}
	if cmd.name == "submit" {
		if err := resolveEvidence(params, strings.TrimSpace(*values[evidenceFileF.name])); err != nil {
			return nil, err
		}
	}
	return params, nil
}

func parseFlag(opt flagSpec, raw string) (interface{}, error) {
	switch opt.kind {
	case kindAddress:
		if _, err := crypto.ParseAccount(raw); err != nil {
			return nil, fmt.Errorf("--%s: %v", opt.name, err)
		}
		return raw, nil
	case kindHash:
		if err := validateHash(raw); err != nil {
			return nil, fmt.Errorf("--%s %v", opt.name, err)
		}
		return raw, nil
	case kindAmount:
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("--%s must be a positive base-10 integer", opt.name)
		}
		return amount.String(), nil
	case kindUint:
		var n uint64
		if _, err := fmt.Sscan(raw, &n); err != nil {
			return nil, fmt.Errorf("--%s must be an unsigned integer", opt.name)
		}
		return n, nil
	default:
		return raw, nil
	}
}

// resolveEvidence fills the evidence parameter from --evidence-file when no
// explicit reference was given.
func resolveEvidence(params map[string]interface{}, path string) error {
	_, explicit := params["evidence"]
	switch {
	case explicit && path != "":
		return fmt.Errorf("use either --evidence or --evidence-file")
	case explicit:
		return nil
	case path == "":
		return fmt.Errorf("--evidence or --evidence-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read evidence file: %w", err)
	}
	params["evidence"] = "0x" + hex.EncodeToString(ethcrypto.Keccak256(data))
	return nil
}

func validateHash(value string) error {
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		return fmt.Errorf("must be a 0x-prefixed 32-byte hex string")
	}
	decoded, err := hex.DecodeString(value[2:])
	if err != nil || len(decoded) != 32 {
		return fmt.Errorf("must be a 0x-prefixed 32-byte hex string")
	}
	return nil
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	var pretty interface{}
	if err := json.Unmarshal(result, &pretty); err == nil {
		if formatted, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			result = formatted
		}
	}
	fmt.Fprintln(w, string(result))
}

func usage() string {
	var b strings.Builder
	b.WriteString("Usage:\n  brm-cli [--rpc URL] <command> [flags]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(&b, "  %-9s %s\n", cmd.name, cmd.help)
	}
	return strings.TrimRight(b.String(), "\n")
}
