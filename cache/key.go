// Package cache persists expensive external responses in the warehouse:
// one store for data-provider API calls, one for model completions. Entries
// are append-only with per-entry TTLs; the newest live entry wins on read.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Key derives the deterministic cache key of a request: SHA-256 over the
// provider, method, handler version, and the canonicalized request body.
// The version participates so response-schema changes roll the key space
// forward instead of serving stale shapes.
//
// Canonicalization makes the key order- and formatting-insensitive: map
// keys are sorted, whitespace runs inside strings collapse to one space,
// and URL-valued strings get a lowercased host with default ports removed.
func Key(provider, method, version string, request interface{}) (string, error) {
	var raw, err = json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	var decoded interface{}
	if err = json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decoding request for canonicalization: %w", err)
	}

	canonical, err := json.Marshal(canonicalize(decoded))
	if err != nil {
		return "", fmt.Errorf("encoding canonical request: %w", err)
	}

	var h = sha256.New()
	for _, part := range []string{provider, method, version} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		// encoding/json emits map keys in sorted order.
		for k, vv := range t {
			t[k] = canonicalize(vv)
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = canonicalize(t[i])
		}
		return t
	case string:
		return canonicalString(t)
	default:
		return v
	}
}

func canonicalString(s string) string {
	s = strings.Join(strings.Fields(s), " ")

	var u, err = url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return s
	}
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && u.Port() == "80") || (u.Scheme == "https" && u.Port() == "443") {
		u.Host = strings.TrimSuffix(u.Host, ":"+u.Port())
	}
	return u.String()
}
