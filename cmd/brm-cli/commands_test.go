package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"brm/crypto"
)

var (
	testID     = "0x" + strings.Repeat("ab", 32)
	testCaller = func() string {
		var addr [20]byte
		addr[0] = 0x01
		return crypto.FormatAddress(addr)
	}()
)

type capturedCall struct {
	method string
	params map[string]interface{}
}

func stubRPC(t *testing.T, result string) *[]capturedCall {
	t.Helper()
	calls := &[]capturedCall{}
	original := rpcCall
	rpcCall = func(method string, params interface{}) (json.RawMessage, *rpcError, error) {
		call := capturedCall{method: method}
		if params != nil {
			call.params = params.(map[string]interface{})
		}
		*calls = append(*calls, call)
		return json.RawMessage(result), nil, nil
	}
	t.Cleanup(func() { rpcCall = original })
	return calls
}

func TestRunRejectsBadArguments(t *testing.T) {
	calls := stubRPC(t, `{}`)
	cases := map[string][]string{
		"no command":       nil,
		"unknown":          {"release"},
		"missing caller":   {"approve", "--id", testID},
		"bad id":           {"approve", "--id", "0x12", "--caller", testCaller},
		"bad address":      {"balance", "--address", "cosmos1xyz"},
		"zero amount":      {"fund", "--id", testID, "--caller", testCaller, "--amount", "0"},
		"missing evidence": {"submit", "--id", testID, "--caller", testCaller},
		"create no caller": {"create", "--client", testCaller, "--freelancer", testCaller, "--milestone", "5"},
	}
	for name, args := range cases {
		var stdout, stderr bytes.Buffer
		if code := run(args, &stdout, &stderr); code != 1 {
			t.Fatalf("%s: expected exit 1, got %d", name, code)
		}
		if stderr.Len() == 0 {
			t.Fatalf("%s: expected an error message", name)
		}
	}
	if len(*calls) != 0 {
		t.Fatalf("no RPC call expected, got %d", len(*calls))
	}
}

func TestRunBuildsParams(t *testing.T) {
	calls := stubRPC(t, `{"status":"funded"}`)
	var stdout, stderr bytes.Buffer
	code := run([]string{"fund", "--id", testID, "--caller", testCaller, "--amount", "1000"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("unexpected exit %d: %s", code, stderr.String())
	}
	got := (*calls)[0]
	if got.method != "brm_fund" || got.params["amount"] != "1000" || got.params["id"] != testID {
		t.Fatalf("unexpected call: %+v", got)
	}
	if !strings.Contains(stdout.String(), `"status": "funded"`) {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestSubmitHashesEvidenceFile(t *testing.T) {
	calls := stubRPC(t, `{}`)
	path := filepath.Join(t.TempDir(), "delivery.txt")
	if err := os.WriteFile(path, []byte("final deliverable"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var stdout, stderr bytes.Buffer
	code := run([]string{"submit", "--id", testID, "--caller", testCaller, "--evidence-file", path}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("unexpected exit %d: %s", code, stderr.String())
	}
	want := "0x" + hex.EncodeToString(ethcrypto.Keccak256([]byte("final deliverable")))
	if (*calls)[0].params["evidence"] != want {
		t.Fatalf("unexpected evidence: %v", (*calls)[0].params["evidence"])
	}
}

func TestTimeoutsWithoutIDSendsNoParams(t *testing.T) {
	calls := stubRPC(t, `{"resolved":[]}`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"timeouts"}, &stdout, &stderr); code != 0 {
		t.Fatalf("unexpected exit %d: %s", code, stderr.String())
	}
	if (*calls)[0].method != "brm_checkTimeouts" || (*calls)[0].params != nil {
		t.Fatalf("unexpected call: %+v", (*calls)[0])
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	original := rpcEndpoint
	defer func() { rpcEndpoint = original }()
	args, err := applyGlobalFlags([]string{"--rpc", "http://node:8545", "get", "--id", testID})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rpcEndpoint != "http://node:8545" || len(args) != 3 || args[0] != "get" {
		t.Fatalf("unexpected result: %s %v", rpcEndpoint, args)
	}
	if _, err := applyGlobalFlags([]string{"--rpc"}); err == nil {
		t.Fatalf("expected missing value error")
	}
}
