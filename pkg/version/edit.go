package version

import (
	"xpdb/pkg/persistence"
	"xpdb/pkg/types"
)

type addedTable struct {
	level int
	table *persistence.SSTable
}

type deletedTable struct {
	level int
	id    uint64
}

// Edit describes the difference between a Version and its successor.
type Edit struct {
	added   []addedTable
	deleted []deletedTable

	// LogNumber, when non-zero, records that WALs below it are no longer
	// needed for recovery.
	LogNumber uint64
	// LastSequence raises the persisted last sequence number.
	LastSequence types.SeqN
}

// AddTable registers t at level. Apply takes its own reference; the caller
// keeps and must release the one it holds.
func (e *Edit) AddTable(level int, t *persistence.SSTable) {
	e.added = append(e.added, addedTable{level: level, table: t})
}

// DeleteTable removes table id from level.
func (e *Edit) DeleteTable(level int, id uint64) {
	e.deleted = append(e.deleted, deletedTable{level: level, id: id})
}

// Added returns the tables the edit adds, in insertion order.
func (e *Edit) Added() []*persistence.SSTable {
	out := make([]*persistence.SSTable, 0, len(e.added))
	for _, a := range e.added {
		out = append(out, a.table)
	}
	return out
}
