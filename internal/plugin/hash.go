package plugin

import (
	"encoding/json"
	"hash/fnv"
)

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// canonicalHash hashes a plugin config block so whitespace and key order do
// not count as changes. Invalid JSON is hashed as raw bytes.
func canonicalHash(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(b)
}

// ownersHash is folded into reconcile so a change of owners re-applies
// running plugin configs.
func ownersHash(owners []int64) uint64 {
	b, _ := json.Marshal(owners)
	return hashBytes(b)
}
