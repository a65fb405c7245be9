// Package applayer defines the boundary contract between per-protocol state
// machines and the host engine: probing, state and transaction lifecycle,
// progress reporting, and anomaly event surfacing.
package applayer

// Direction tags a byte span with the side of the flow it travels toward.
type Direction int

const (
	ToServer Direction = iota
	ToClient
)

func (d Direction) String() string {
	if d == ToClient {
		return "to_client"
	}
	return "to_server"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == ToServer {
		return ToClient
	}
	return ToServer
}

// ProbeResult is the outcome of a stateless protocol probe on early flow bytes.
type ProbeResult struct {
	Match bool
	// DirHint is set when the probe can tell the true direction of the probed
	// bytes (e.g. a request seen on the to-client side of a midstream pickup).
	DirHint    Direction
	HasDirHint bool
}

// NoMatch is the zero probe result.
var NoMatch = ProbeResult{}

// Progress values reported per transaction direction. Progress is monotonic
// within a direction: once raised it never regresses.
const (
	ProgressNone     = 0
	ProgressComplete = 1
)

// State is one protocol's per-flow parsing state. A State is exclusively owned
// by the single call path that feeds it; none of these methods are safe for
// concurrent use. Parse must not retain input beyond the call.
type State interface {
	// Parse consumes one record worth of bytes for the given direction. A
	// returned error means this record yielded no structural information; it
	// is not fatal to the flow.
	Parse(dir Direction, input []byte) error

	// GetTx returns the transaction with the given identity, or nil.
	GetTx(txID uint64) Tx

	// TxCount returns the number of transactions created over the state's
	// lifetime (not the number currently held).
	TxCount() uint64

	// FreeTx removes the transaction with the given identity.
	FreeTx(txID uint64)

	// TxIterator walks transactions with identity >= minID in ascending
	// creation order. cursor holds iteration position across calls; start
	// with zero. hasMore reports whether another call will yield a result.
	TxIterator(minID uint64, cursor *uint64) (tx Tx, txID uint64, hasMore bool)

	// StateEvents returns anomaly events recorded with no transaction to
	// attach them to, in order of occurrence. The slice grows over the
	// state's lifetime; callers track how far they have read.
	StateEvents() []int

	// Free releases everything the state still holds, including the
	// detect-state slots of remaining transactions. The state must not be
	// used afterwards.
	Free()
}

// Tx is the host-visible view of one transaction.
type Tx interface {
	// TxID returns the transaction identity, unique within its state.
	TxID() uint64

	// Progress reports per-direction structural completeness, monotonic.
	Progress(dir Direction) int

	// Data returns the transaction's event list and detect-state slot.
	Data() *TxData
}

// Parser is the capability interface a protocol module registers with the
// host. Implementations are stateless; all per-flow data lives in the State.
type Parser interface {
	// Name returns the registered protocol name.
	Name() string

	// Probe inspects a bounded prefix of early flow bytes without side
	// effects, before any state exists.
	Probe(input []byte, dir Direction) ProbeResult

	// NewState allocates parsing state for one flow.
	NewState() State

	// CompleteProgress returns the progress value at which the given
	// direction counts as fully done for reclamation purposes. Protocols
	// with richer progress ladders return their top rung.
	CompleteProgress(dir Direction) int

	// Events returns the protocol's anomaly event table.
	Events() *EventTable
}
