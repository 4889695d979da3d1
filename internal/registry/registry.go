// Package registry resolves per-site sensor registrations into the node index
// used by bulk resolution: node id -> ordered field layout and destination
// table. The index is rebuilt for every bulk request; registrations are owned
// and mutated externally, so any cross-request cache would serve stale layouts.
package registry

// LayoutColumn binds one raw-row field position to a semantic column name.
// Index is the position within the raw bulk row (timestamp at 0, node id at 1,
// so the first mapped field sits at index 2).
type LayoutColumn struct {
	Index int
	Name  string
}

// FieldLayout is the resolved shape of one node's rows. Columns are ordered by
// raw index ascending. Table, when set, names the relational destination for
// every row this node reports.
type FieldLayout struct {
	Columns []LayoutColumn
	Table   string
}

// NodeIndexMap maps node id to its field layout for one site. Nodes without a
// registration are absent.
type NodeIndexMap map[int]FieldLayout
