package invalidation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/docstore/internal/row"
)

// entry is the persisted form of one cluster log payload.
type entry struct {
	All      bool       `json:"all,omitempty"`
	Modified []entryRow `json:"modified,omitempty"`
	Deleted  []entryRow `json:"deleted,omitempty"`
}

// entryRow keeps the id as a JSON string or number so the id type survives.
type entryRow struct {
	Table string `json:"table"`
	ID    any    `json:"id"`
}

// Marshal encodes inv for the cluster invalidation log.
// Output is deterministic: ids are sorted and HTML escaping is off.
func Marshal(inv *Invalidations) ([]byte, error) {
	var e entry
	switch {
	case inv.IsAll():
		e.All = true
	case !inv.IsEmpty():
		var err error
		if e.Modified, err = toEntryRows(inv.Modified()); err != nil {
			return nil, fmt.Errorf("marshal invalidations: %w", err)
		}
		if e.Deleted, err = toEntryRows(inv.Deleted()); err != nil {
			return nil, fmt.Errorf("marshal invalidations: %w", err)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("marshal invalidations: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal decodes a payload written by Marshal.
func Unmarshal(data []byte) (*Invalidations, error) {
	var e entry
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("unmarshal invalidations: %w", err)
	}
	if e.All {
		return All(), nil
	}
	inv := New()
	for _, r := range e.Modified {
		id, err := fromJSONID(r.ID)
		if err != nil {
			return nil, fmt.Errorf("unmarshal invalidations: %w", err)
		}
		inv.AddModified(row.RowId{Table: r.Table, ID: id})
	}
	for _, r := range e.Deleted {
		id, err := fromJSONID(r.ID)
		if err != nil {
			return nil, fmt.Errorf("unmarshal invalidations: %w", err)
		}
		inv.AddDeleted(row.RowId{Table: r.Table, ID: id})
	}
	return inv, nil
}

func toEntryRows(ids []row.RowId) ([]entryRow, error) {
	out := make([]entryRow, 0, len(ids))
	for _, id := range ids {
		switch id.ID.(type) {
		case string, int64:
		default:
			return nil, fmt.Errorf("unsupported id type %T for %s", id.ID, id.Table)
		}
		out = append(out, entryRow{Table: id.Table, ID: id.ID})
	}
	return out, nil
}

func fromJSONID(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return nil, fmt.Errorf("non-integer id %s", t)
		}
		n, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("id %s: %w", t, err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported id %v (%T)", v, v)
	}
}
