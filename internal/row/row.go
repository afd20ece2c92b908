package row

import (
	"fmt"
	"strings"
)

// MainKey is the key that aliases a row's id. It is never stored as a column.
const MainKey = "id"

// defaultCapacity is the initial key/value capacity of a single-row Row.
const defaultCapacity = 5

// maxValueDisplay bounds how much of a string value String prints.
const maxValueDisplay = 100

// RowId addresses one fragment: a table and an id.
//
// ID must be a string or an int64 so that RowId stays comparable and can be
// used as a map key.
type RowId struct {
	Table string
	ID    any
}

// String returns "table/id".
func (r RowId) String() string {
	return fmt.Sprintf("%s/%v", r.Table, r.ID)
}

// Row is a RowId plus its values.
//
// In single-row mode keys and values are parallel slices searched linearly;
// rows are narrow so this beats a map. In collection mode keys is nil and
// values holds the positional elements.
type Row struct {
	RowId

	keys       []string
	values     []any
	collection bool
}

// New creates an empty single-row Row.
func New(table string, id any) *Row {
	return &Row{
		RowId:  RowId{Table: table, ID: id},
		keys:   make([]string, 0, defaultCapacity),
		values: make([]any, 0, defaultCapacity),
	}
}

// FromMap creates a single-row Row from column values.
// The id is taken from the MainKey entry when present.
func FromMap(table string, m map[string]any) *Row {
	r := &Row{
		RowId:  RowId{Table: table},
		keys:   make([]string, 0, len(m)),
		values: make([]any, 0, len(m)),
	}
	for k, v := range m {
		r.PutNew(k, v)
	}
	return r
}

// NewCollection creates a collection-mode Row. The values slice is copied.
func NewCollection(table string, id any, values []any) *Row {
	cp := make([]any, len(values))
	copy(cp, values)
	return &Row{
		RowId:      RowId{Table: table, ID: id},
		values:     cp,
		collection: true,
	}
}

// IsCollection reports whether the row holds positional values.
func (r *Row) IsCollection() bool {
	return r.collection
}

// Put sets the value for key, replacing an existing value.
// Putting MainKey sets the row id.
func (r *Row) Put(key string, value any) {
	if key == MainKey {
		r.ID = value
		return
	}
	for i, k := range r.keys {
		if k == key {
			r.values[i] = value
			return
		}
	}
	r.keys = append(r.keys, key)
	r.values = append(r.values, value)
}

// PutNew appends a value for a key known to be absent.
func (r *Row) PutNew(key string, value any) {
	if key == MainKey {
		r.ID = value
		return
	}
	r.keys = append(r.keys, key)
	r.values = append(r.values, value)
}

// Get returns the value for key, or nil. MainKey returns the row id.
func (r *Row) Get(key string) any {
	if key == MainKey {
		return r.ID
	}
	for i, k := range r.keys {
		if k == key {
			return r.values[i]
		}
	}
	return nil
}

// Keys returns a copy of the stored column names in insertion order.
// It is empty for collection rows.
func (r *Row) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Values returns a copy of the stored values, in key order for single rows
// and positional order for collections.
func (r *Row) Values() []any {
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

// Clone returns a copy that shares no slices with r.
func (r *Row) Clone() *Row {
	cp := &Row{RowId: r.RowId, collection: r.collection}
	if r.keys != nil {
		cp.keys = append(make([]string, 0, len(r.keys)), r.keys...)
	}
	cp.values = append(make([]any, 0, len(r.values)), r.values...)
	return cp
}

// Len returns the number of stored values.
func (r *Row) Len() int {
	return len(r.values)
}

func (r *Row) String() string {
	var sb strings.Builder
	sb.WriteString("Row(")
	sb.WriteString(r.Table)
	sb.WriteString(", ")
	fmt.Fprint(&sb, r.ID)
	if r.collection {
		sb.WriteString(", [")
		for i, v := range r.values {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeValue(&sb, v)
		}
		sb.WriteString("]")
	} else {
		sb.WriteString(", {")
		for i, k := range r.keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			writeValue(&sb, r.values[i])
		}
		sb.WriteString("}")
	}
	sb.WriteByte(')')
	return sb.String()
}

func writeValue(sb *strings.Builder, v any) {
	if s, ok := v.(string); ok && len(s) > maxValueDisplay {
		sb.WriteString(s[:maxValueDisplay])
		sb.WriteString("...")
		return
	}
	fmt.Fprint(sb, v)
}
