package ssh

import "github.com/endorses/clawcat/internal/pkg/applayer"

// Anomaly event ids, in declaration order.
const (
	EventInvalidBanner = iota
	EventLongBanner
	EventMalformedData
)

func newEventTable() *applayer.EventTable {
	return applayer.NewEventTable(ProtoName,
		applayer.EventInfo{Name: "invalid_banner", Type: applayer.EventTypeTransaction},
		applayer.EventInfo{Name: "long_banner", Type: applayer.EventTypeTransaction},
		applayer.EventInfo{Name: "malformed_data", Type: applayer.EventTypeTransaction},
	)
}
