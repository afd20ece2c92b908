// Package invalidation tracks which fragments a transaction modified or
// deleted, so that caches holding stale copies can drop them.
//
// Invalidations never carry data, only RowIds. A value is one of three
// states:
//
//   - empty: nothing to invalidate; adding it to anything is a no-op
//   - all: every cached entry is stale; absorbing on union
//   - set: explicit modified and deleted RowId sets
//
// Values are not safe for concurrent mutation. Queue is the thread-safe
// accumulator handed to sessions.
package invalidation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/docstore/internal/row"
)

// Kind selects the modified or deleted set. The numeric values are persisted.
type Kind int

const (
	// Modified marks fragments whose content changed.
	Modified Kind = 1
	// Deleted marks fragments that were removed.
	Deleted Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParentTable is the pseudo-table used to notify that the children of a
// document changed. A Modified entry (ParentTable, parentID) lets consumers
// drop derived child listings without enumerating every child row.
const ParentTable = "__PARENT__"

// IsPseudoTable reports whether table names a relationship invalidation
// rather than a concrete fragment table.
func IsPseudoTable(table string) bool {
	return strings.HasPrefix(table, "__") && strings.HasSuffix(table, "__")
}

type tag uint8

const (
	tagEmpty tag = iota
	tagSet
	tagAll
)

type rowSet map[row.RowId]struct{}

// Invalidations is the tagged union described in the package comment.
// The zero value is empty and ready to use.
type Invalidations struct {
	tag      tag
	modified rowSet
	deleted  rowSet
}

// New returns an empty Invalidations.
func New() *Invalidations {
	return &Invalidations{}
}

// All returns an Invalidations meaning "every cached entry is stale".
func All() *Invalidations {
	return &Invalidations{tag: tagAll}
}

// IsEmpty reports whether there is nothing to invalidate.
func (inv *Invalidations) IsEmpty() bool {
	return inv == nil || inv.tag == tagEmpty
}

// IsAll reports whether this value invalidates everything.
func (inv *Invalidations) IsAll() bool {
	return inv != nil && inv.tag == tagAll
}

// Add merges other into inv and returns the union.
//
// An empty receiver returns other itself and an all receiver returns itself,
// so callers must always use the returned value.
func (inv *Invalidations) Add(other *Invalidations) *Invalidations {
	if inv == nil {
		return other
	}
	switch inv.tag {
	case tagEmpty:
		if other == nil {
			return inv
		}
		return other
	case tagAll:
		return inv
	case tagSet:
		if other.IsEmpty() {
			return inv
		}
		if other.IsAll() {
			return other
		}
		for id := range other.modified {
			inv.modified[id] = struct{}{}
		}
		for id := range other.deleted {
			inv.deleted[id] = struct{}{}
		}
		return inv
	default:
		panic(fmt.Sprintf("invalidation: unknown tag %d", inv.tag))
	}
}

// AddModified records a modified fragment.
func (inv *Invalidations) AddModified(id row.RowId) {
	inv.kindSet(Modified)[id] = struct{}{}
}

// AddDeleted records a deleted fragment.
func (inv *Invalidations) AddDeleted(id row.RowId) {
	inv.kindSet(Deleted)[id] = struct{}{}
}

// AddParentModified records that the children of parentID changed.
func (inv *Invalidations) AddParentModified(parentID any) {
	inv.AddModified(row.RowId{Table: ParentTable, ID: parentID})
}

// AddIDs records id in each of tables under kind.
// An empty table list is a no-op and leaves an empty value empty.
func (inv *Invalidations) AddIDs(id any, tables []string, kind Kind) {
	if len(tables) == 0 {
		return
	}
	set := inv.kindSet(kind)
	for _, table := range tables {
		set[row.RowId{Table: table, ID: id}] = struct{}{}
	}
}

// kindSet returns the set for kind, switching an empty value to set mode.
// Adding to an all value is absorbed into a throwaway set.
func (inv *Invalidations) kindSet(kind Kind) rowSet {
	switch inv.tag {
	case tagAll:
		return rowSet{}
	case tagEmpty:
		inv.tag = tagSet
		inv.modified = rowSet{}
		inv.deleted = rowSet{}
	}
	switch kind {
	case Modified:
		return inv.modified
	case Deleted:
		return inv.deleted
	default:
		panic(fmt.Sprintf("invalidation: unknown kind %d", kind))
	}
}

// Modified returns the modified RowIds in a stable order.
func (inv *Invalidations) Modified() []row.RowId {
	if inv == nil {
		return nil
	}
	return sortedIDs(inv.modified)
}

// Deleted returns the deleted RowIds in a stable order.
func (inv *Invalidations) Deleted() []row.RowId {
	if inv == nil {
		return nil
	}
	return sortedIDs(inv.deleted)
}

// KindSet returns the RowIds recorded under kind in a stable order.
func (inv *Invalidations) KindSet(kind Kind) []row.RowId {
	switch kind {
	case Modified:
		return inv.Modified()
	case Deleted:
		return inv.Deleted()
	default:
		panic(fmt.Sprintf("invalidation: unknown kind %d", kind))
	}
}

// Contains reports whether id is invalidated, under either kind.
// An all value contains every id.
func (inv *Invalidations) Contains(id row.RowId) bool {
	if inv == nil {
		return false
	}
	switch inv.tag {
	case tagAll:
		return true
	case tagSet:
		_, m := inv.modified[id]
		_, d := inv.deleted[id]
		return m || d
	default:
		return false
	}
}

// Clear resets inv to empty.
func (inv *Invalidations) Clear() {
	inv.tag = tagEmpty
	inv.modified = nil
	inv.deleted = nil
}

// Clone returns an independent copy.
func (inv *Invalidations) Clone() *Invalidations {
	if inv == nil {
		return New()
	}
	out := &Invalidations{tag: inv.tag}
	if inv.tag == tagSet {
		out.modified = make(rowSet, len(inv.modified))
		for id := range inv.modified {
			out.modified[id] = struct{}{}
		}
		out.deleted = make(rowSet, len(inv.deleted))
		for id := range inv.deleted {
			out.deleted[id] = struct{}{}
		}
	}
	return out
}

func (inv *Invalidations) String() string {
	switch {
	case inv.IsEmpty():
		return "Invalidations()"
	case inv.IsAll():
		return "Invalidations(ALL)"
	}
	var sb strings.Builder
	sb.WriteString("Invalidations(")
	if len(inv.modified) > 0 {
		fmt.Fprintf(&sb, "modified=%v", inv.Modified())
		if len(inv.deleted) > 0 {
			sb.WriteByte(',')
		}
	}
	if len(inv.deleted) > 0 {
		fmt.Fprintf(&sb, "deleted=%v", inv.Deleted())
	}
	sb.WriteByte(')')
	return sb.String()
}

func sortedIDs(set rowSet) []row.RowId {
	if len(set) == 0 {
		return nil
	}
	out := make([]row.RowId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return fmt.Sprint(out[i].ID) < fmt.Sprint(out[j].ID)
	})
	return out
}
