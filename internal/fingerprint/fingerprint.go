// Package fingerprint computes the argument-fingerprint half of a task
// key: a SHA-256 over the function id and the JSON encoding of the
// arguments. The arguments' types are not part of the hash, so argument
// values with equal JSON encodings (e.g. int 7 and float64 7) share a
// fingerprint.
//
// No example repo in the retrieval pack ships a library for hashing an
// arbitrary Go value into a stable digest (google/go-cmp compares values
// but does not hash them; google/uuid generates identifiers but not
// content digests), so this package uses the standard library for a
// narrow, well-understood need: deterministic serialize-then-hash.
package fingerprint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"taskengine/internal/core"
)

// Of computes the stable fingerprint for a spawn of fn with args,
// returning a complete TaskKey. Arguments are serialized with
// encoding/json, which sorts map keys and walks struct fields in
// declaration order, so two calls with equal argument values (including
// map-valued arguments) always produce an equal key regardless of
// construction order.
//
// Callers whose argument types are not stable under JSON encoding (e.g.
// containing function values or unexported-only fields) will get an
// error; the engine treats that as a caller mistake, not a recoverable
// condition.
func Of(fn core.FunctionID, args any) (core.TaskKey, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return core.TaskKey{}, fmt.Errorf("fingerprinting arguments for function %d: %w", uint32(fn), err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "fn:%d\x00", uint32(fn))
	h.Write(b)

	var key core.TaskKey
	key.Function = fn
	copy(key.Fingerprint[:], h.Sum(nil))
	return key, nil
}
