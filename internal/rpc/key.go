package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/PayRpc/rpc-sprint/internal/canon"
)

// CacheKey builds the canonical cache key "<namespace>:<method>:<canonicalParams>"
// described in the method category table notes.
func CacheKey(namespace, method string, params json.RawMessage) (string, error) {
	var v interface{}
	if len(params) > 0 {
		dec := json.NewDecoder(bytes.NewReader(params))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return "", fmt.Errorf("rpc: decode params for cache key: %w", err)
		}
	}
	c, err := canon.JSON(v)
	if err != nil {
		return "", fmt.Errorf("rpc: canonicalize params: %w", err)
	}
	return fmt.Sprintf("%s:%s:%s", namespace, method, c), nil
}

// ConsensusMemoKey builds the "method:serializedParams" key the consensus
// engine uses for its short-TTL memo, as named in spec §4.7 step 1.
func ConsensusMemoKey(method string, params json.RawMessage) (string, error) {
	key, err := CacheKey("", method, params)
	if err != nil {
		return "", err
	}
	// CacheKey always has a leading "<namespace>:" segment; an empty
	// namespace still leaves that separator, so strip it back off.
	if len(key) > 0 && key[0] == ':' {
		key = key[1:]
	}
	return key, nil
}
