package graph

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// fingerprint computes the content identity of the registered task set: a
// blake3 hash over identifiers, descriptions, canonicalized dependency sets,
// and submitted tiers. The graph is fixed at submission time; the fingerprint
// is its identity in run reports.
//
// Fields are length-prefixed so distinct task sets cannot collide by
// concatenation, and everything is visited in sorted order so the hash is
// independent of registration order.
func (e *Executor) fingerprint() string {
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := blake3.New()
	var lenBuf [8]byte
	writeField := func(data string) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write([]byte(data))
	}

	for _, id := range ids {
		t := e.tasks[id]
		writeField(t.ID)
		writeField(t.Description)
		writeField(string(t.Tier))
		deps := append([]string(nil), t.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			writeField(dep)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
