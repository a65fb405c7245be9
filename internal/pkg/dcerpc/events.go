package dcerpc

import "github.com/endorses/clawcat/internal/pkg/applayer"

// Anomaly event ids, in declaration order.
const (
	EventMalformedData = iota
)

func newEventTable() *applayer.EventTable {
	return applayer.NewEventTable(ProtoName,
		applayer.EventInfo{Name: "malformed_data", Type: applayer.EventTypeTransaction},
	)
}
