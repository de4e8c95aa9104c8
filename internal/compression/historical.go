package compression

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// HistoricalFormat tags a split archive.
const HistoricalFormat = "attendcore.historical.v1"

// HistoricalArchive keeps the newest elements of an array verbatim and
// the older ones packed. Arrays are stored oldest first.
type HistoricalArchive struct {
	Format          string            `json:"format"`
	Historical      string            `json:"historical"`
	HistoricalCount int               `json:"historicalCount"`
	Recent          []json.RawMessage `json:"recent"`
}

// SplitHistorical packs all but the last recentWindow elements of a JSON
// array. ok is false when the array fits in the window.
func (c *Compressor) SplitHistorical(array []byte, recentWindow int) (out []byte, ok bool, err error) {
	var items []json.RawMessage
	if err := json.Unmarshal(array, &items); err != nil {
		return nil, false, fmt.Errorf("historical split needs a JSON array: %w", err)
	}
	if recentWindow < 0 {
		recentWindow = 0
	}
	if len(items) <= recentWindow {
		return nil, false, nil
	}
	cut := len(items) - recentWindow
	old, err := json.Marshal(items[:cut])
	if err != nil {
		return nil, false, err
	}
	env, err := c.Encode(old)
	if err != nil {
		return nil, false, err
	}
	recent := items[cut:]
	if recent == nil {
		recent = []json.RawMessage{}
	}
	out, err = json.Marshal(HistoricalArchive{
		Format:          HistoricalFormat,
		Historical:      env,
		HistoricalCount: cut,
		Recent:          recent,
	})
	return out, err == nil, err
}

// ExpandHistorical turns an archive back into the original array.
// ok is false when value is not an archive.
func ExpandHistorical(value []byte) (out []byte, ok bool, err error) {
	v := bytes.TrimSpace(value)
	if len(v) == 0 || v[0] != '{' || !bytes.Contains(v, []byte(HistoricalFormat)) {
		return nil, false, nil
	}
	var arc HistoricalArchive
	if err := json.Unmarshal(v, &arc); err != nil || arc.Format != HistoricalFormat {
		return nil, false, nil
	}
	old, err := Decode(arc.Historical)
	if err != nil {
		return nil, false, fmt.Errorf("expand historical: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(old, &items); err != nil {
		return nil, false, fmt.Errorf("expand historical: %w", err)
	}
	items = append(items, arc.Recent...)
	out, err = json.Marshal(items)
	return out, err == nil, err
}

// IsHistorical reports whether value is a split archive.
func IsHistorical(value []byte) bool {
	_, ok, _ := ExpandHistorical(value)
	return ok
}
