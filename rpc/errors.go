package rpc

import (
	"net/http"

	brmerrors "brm/core/errors"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeForbidden      = -32001
)

const (
	codeUnauthorized        = -32031
	codeInvalidState        = -32032
	codeInvalidAmount       = -32033
	codeWindow              = -32034
	codeAlreadyClaimed      = -32035
	codeNotWinningSide      = -32036
	codeNotFound            = -32037
	codeInsufficientBalance = -32038
	codeInternal            = -32039
)

type errorMapping struct {
	status int
	code   int
}

var errorClasses = map[string]errorMapping{
	"unauthorized":         {http.StatusForbidden, codeUnauthorized},
	"invalid_state":        {http.StatusConflict, codeInvalidState},
	"invalid_amount":       {http.StatusBadRequest, codeInvalidAmount},
	"window":               {http.StatusConflict, codeWindow},
	"already_claimed":      {http.StatusConflict, codeAlreadyClaimed},
	"not_winning_side":     {http.StatusForbidden, codeNotWinningSide},
	"not_found":            {http.StatusNotFound, codeNotFound},
	"insufficient_balance": {http.StatusPaymentRequired, codeInsufficientBalance},
	"invalid_argument":     {http.StatusBadRequest, codeInvalidParams},
}

// classify maps an engine error to its HTTP status, JSON-RPC code and class
// label. Unclassified errors are internal.
func classify(err error) (int, int, string) {
	class := brmerrors.Class(err)
	if mapping, ok := errorClasses[class]; ok {
		return mapping.status, mapping.code, class
	}
	return http.StatusInternalServerError, codeInternal, "internal"
}
