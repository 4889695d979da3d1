// Package resolve maps decoded bulk rows onto normalized records using the
// per-site node index built by the registry client.
package resolve

import (
	"strings"

	ingest "kraken-gateway/internal/ingest/domain"
	"kraken-gateway/internal/registry"
)

// Result is one resolved row: either a normalized record or a rejection,
// never both.
type Result struct {
	Record    *ingest.Record
	Rejection *ingest.Rejection
}

// Resolver turns raw rows into normalized records. The alias table is fixed at
// construction; per-request registry data arrives as an argument.
type Resolver struct {
	aliases map[string]string
}

// NewResolver constructs a resolver with a field-name alias table. Alias keys
// are matched case-insensitively.
func NewResolver(aliases map[string]string) *Resolver {
	normalized := make(map[string]string, len(aliases))
	for key, value := range aliases {
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			normalized[key] = value
		}
	}
	return &Resolver{aliases: normalized}
}

// Remap translates an input field name through the alias table. Unknown names
// pass through unchanged.
func (r *Resolver) Remap(name string) string {
	if canonical, ok := r.aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canonical
	}
	return name
}

// RemapFields returns a new field map with every key alias-remapped. When two
// source keys collapse onto one canonical name the later one wins.
func (r *Resolver) RemapFields(fields map[string]any) map[string]any {
	remapped := make(map[string]any, len(fields))
	for name, value := range fields {
		remapped[r.Remap(name)] = value
	}
	return remapped
}

// Resolve maps each row to a record or a rejection, in input order.
//
// Unmapped nodes are skipped, not fatal: the batch continues and the rejection
// is reported to the caller. Site identity always comes from the authenticated
// request, so a client can never write into another site by forging row
// content.
func (r *Resolver) Resolve(rows []ingest.Row, index registry.NodeIndexMap, site ingest.Site) []Result {
	results := make([]Result, 0, len(rows))
	for i, row := range rows {
		results = append(results, r.resolveRow(i, row, index, site))
	}
	return results
}

func (r *Resolver) resolveRow(position int, row ingest.Row, index registry.NodeIndexMap, site ingest.Site) Result {
	if len(row) < 2 {
		return Result{Rejection: &ingest.Rejection{Index: position, Reason: ingest.ReasonMalformed}}
	}

	timestamp, ok := ingest.Timestamp(row[0])
	if !ok {
		return Result{Rejection: &ingest.Rejection{Index: position, Reason: ingest.ReasonMalformed}}
	}
	nodeID, ok := ingest.Int(row[1])
	if !ok {
		return Result{Rejection: &ingest.Rejection{Index: position, Reason: ingest.ReasonMalformed}}
	}

	layout, ok := index[int(nodeID)]
	if !ok {
		return Result{Rejection: &ingest.Rejection{
			Index:  position,
			NodeID: int(nodeID),
			Reason: ingest.ReasonUnmappedNode,
		}}
	}

	// Short rows are tolerated: a field is included only when the row actually
	// carries its index. Row fields beyond the layout are ignored. Duplicate
	// layout names overwrite in index order, so the last index wins.
	fields := make(map[string]any, len(layout.Columns))
	for _, column := range layout.Columns {
		if len(row) > column.Index {
			fields[r.Remap(column.Name)] = row[column.Index]
		}
	}

	return Result{Record: &ingest.Record{
		Time:   timestamp,
		Site:   site,
		Table:  layout.Table,
		Fields: fields,
	}}
}
