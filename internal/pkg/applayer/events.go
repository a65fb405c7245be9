package applayer

// EventType categorizes an anomaly event's attachment point.
type EventType int

const (
	// EventTypeTransaction events attach to a single transaction.
	EventTypeTransaction EventType = iota
	// EventTypeState events attach to the whole flow state.
	EventTypeState
)

// EventInfo describes one anomaly event for rule writers.
type EventInfo struct {
	ID   int
	Name string
	Type EventType
}

// EventTable holds a protocol's anomaly events with bidirectional name/id
// lookup. Event ids are assigned from the declaration order, starting at zero.
// Names follow the lowercase_with_underscores convention.
type EventTable struct {
	proto  string
	byID   []EventInfo
	byName map[string]EventInfo
}

// NewEventTable builds a table from ordered event declarations.
func NewEventTable(proto string, events ...EventInfo) *EventTable {
	t := &EventTable{
		proto:  proto,
		byID:   make([]EventInfo, 0, len(events)),
		byName: make(map[string]EventInfo, len(events)),
	}
	for i, ev := range events {
		ev.ID = i
		t.byID = append(t.byID, ev)
		t.byName[ev.Name] = ev
	}
	return t
}

// Proto returns the owning protocol name.
func (t *EventTable) Proto() string {
	return t.proto
}

// InfoByName resolves a rule-facing event name.
func (t *EventTable) InfoByName(name string) (EventInfo, bool) {
	ev, ok := t.byName[name]
	return ev, ok
}

// InfoByID resolves an event id back to its declaration.
func (t *EventTable) InfoByID(id int) (EventInfo, bool) {
	if id < 0 || id >= len(t.byID) {
		return EventInfo{}, false
	}
	return t.byID[id], true
}

// Len returns the number of declared events.
func (t *EventTable) Len() int {
	return len(t.byID)
}
