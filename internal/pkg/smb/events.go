package smb

import "github.com/endorses/clawcat/internal/pkg/applayer"

// Anomaly event ids, in declaration order.
const (
	EventMalformedData = iota
	EventDuplicateNegotiate
	EventUnknownLeftover
)

func newEventTable() *applayer.EventTable {
	return applayer.NewEventTable(ProtoName,
		applayer.EventInfo{Name: "malformed_data", Type: applayer.EventTypeTransaction},
		applayer.EventInfo{Name: "duplicate_negotiate", Type: applayer.EventTypeTransaction},
		applayer.EventInfo{Name: "unknown_leftover", Type: applayer.EventTypeTransaction},
	)
}
