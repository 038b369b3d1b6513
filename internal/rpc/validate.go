package rpc

import (
	"encoding/json"
	"fmt"
)

// MaxBatchSize is the largest batch array the router accepts, per spec §4.8.
const MaxBatchSize = 100

// ParseTopLevel inspects a raw JSON-RPC payload and reports whether it is a
// batch (array) or a single request (object), without fully decoding either
// shape yet.
func ParseTopLevel(payload json.RawMessage) (isBatch bool, err error) {
	trimmed := trimLeadingSpace(payload)
	if len(trimmed) == 0 {
		return false, fmt.Errorf("rpc: empty payload")
	}
	switch trimmed[0] {
	case '[':
		return true, nil
	case '{':
		return false, nil
	default:
		return false, fmt.Errorf("rpc: payload must be a JSON object or array")
	}
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// ValidateSingle enforces the envelope shape required by spec §4.8: a JSON
// object with jsonrpc="2.0" and a non-empty string method.
func ValidateSingle(req *Request) error {
	if req.JSONRPC != "2.0" {
		return fmt.Errorf("rpc: jsonrpc must be \"2.0\", got %q", req.JSONRPC)
	}
	if req.Method == "" {
		return fmt.Errorf("rpc: method must be a non-empty string")
	}
	return nil
}

// ValidateBatchSize enforces the 1-100 item bound on a batch array.
func ValidateBatchSize(n int) error {
	if n == 0 {
		return fmt.Errorf("rpc: batch request must not be empty")
	}
	if n > MaxBatchSize {
		return fmt.Errorf("rpc: batch request exceeds maximum of %d items", MaxBatchSize)
	}
	return nil
}
