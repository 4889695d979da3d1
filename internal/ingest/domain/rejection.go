package ingest

import "fmt"

// RejectReason classifies why a bulk row was not resolved.
type RejectReason string

const (
	// ReasonMalformed marks a row too short to carry a timestamp and node id,
	// or one whose timestamp/node id cannot be parsed.
	ReasonMalformed RejectReason = "malformed"
	// ReasonUnmappedNode marks a row whose node has no registration for the
	// authenticated site.
	ReasonUnmappedNode RejectReason = "unmapped_node"
)

// Rejection records one skipped bulk row. Rejected rows never reach a sink.
type Rejection struct {
	Index  int          `json:"row"`
	NodeID int          `json:"node_id,omitempty"`
	Reason RejectReason `json:"reason"`
}

func (r Rejection) String() string {
	if r.NodeID != 0 {
		return fmt.Sprintf("row %d node %d: %s", r.Index, r.NodeID, r.Reason)
	}
	return fmt.Sprintf("row %d: %s", r.Index, r.Reason)
}
