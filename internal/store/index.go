package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/pkg/model"
)

// index is the in-memory view of one collection: entries keyed by id in
// stored order. digest identifies the raw bytes it was parsed from.
type index struct {
	digest  [sha256.Size]byte
	order   []string
	entries map[string]model.Entry
}

func newIndex() *index {
	return &index{entries: make(map[string]model.Entry)}
}

func parseIndex(raw []byte) (*index, error) {
	ix := newIndex()
	if len(raw) == 0 {
		return ix, nil
	}
	ix.digest = sha256.Sum256(raw)
	recs, err := DecodeRecords(raw)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		ix.put(model.EntryFromRecord(r))
	}
	return ix, nil
}

// DecodeRecords parses a stored collection value in any stored form.
func DecodeRecords(raw []byte) ([]model.Record, error) {
	plain, err := compression.Unpack(raw)
	if err != nil {
		return nil, err
	}
	var recs []model.Record
	if err := json.Unmarshal(plain, &recs); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	return recs, nil
}

func (ix *index) clone() *index {
	out := &index{
		digest:  ix.digest,
		order:   append([]string(nil), ix.order...),
		entries: make(map[string]model.Entry, len(ix.entries)),
	}
	for k, v := range ix.entries {
		out.entries[k] = v
	}
	return out
}

func (ix *index) get(id string) (model.Entry, bool) {
	e, ok := ix.entries[id]
	return e, ok
}

func (ix *index) put(e model.Entry) {
	id := e.Record().ID
	if _, ok := ix.entries[id]; !ok {
		ix.order = append(ix.order, id)
	}
	ix.entries[id] = e
}

func (ix *index) remove(id string) {
	if _, ok := ix.entries[id]; !ok {
		return
	}
	delete(ix.entries, id)
	for i, v := range ix.order {
		if v == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
}

// list returns entries in stored order, optionally filtered by state.
func (ix *index) list(state model.EntryState) []model.Record {
	out := make([]model.Record, 0, len(ix.order))
	for _, id := range ix.order {
		e := ix.entries[id]
		if state == 0 || e.State == state {
			out = append(out, e.Record())
		}
	}
	return out
}

func (ix *index) encode() ([]byte, error) {
	return json.Marshal(ix.list(0))
}

func recordMap(rec model.Record) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
