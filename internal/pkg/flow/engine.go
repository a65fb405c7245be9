// Package flow pairs packets into bidirectional flows and drives the
// registered protocol state machines with their payloads.
package flow

import (
	"github.com/google/gopacket"

	"github.com/endorses/clawcat/internal/pkg/applayer"
	"github.com/endorses/clawcat/internal/pkg/filesink"
	"github.com/endorses/clawcat/internal/pkg/logger"
)

// Key identifies a bidirectional flow; both directions canonicalize to the
// same key.
type Key struct {
	Net       gopacket.Flow
	Transport gopacket.Flow
}

// fileSinkSetter is implemented by states that can extract file content.
type fileSinkSetter interface {
	SetFileSink(filesink.Sink)
}

type entry struct {
	protoName string
	parser    applayer.Parser
	state     applayer.State

	// orientation: the network/transport flows as the client sends them
	clientNet gopacket.Flow
	clientTr  gopacket.Flow

	// lowest transaction id not yet reported
	nextTx uint64

	// count of state-scope events already reported
	stateEvents int
}

// Stats counts what the engine has seen.
type Stats struct {
	Packets      uint64
	Payloads     uint64
	Flows        uint64
	Transactions uint64
}

// Engine feeds packet payloads through protocol detection into per-flow
// parsing state and reports completed transactions.
type Engine struct {
	registry *applayer.Registry
	sink     filesink.Sink
	flows    map[Key]*entry
	stats    Stats
}

// NewEngine returns an engine over the given parser registry. sink may be nil
// when file extraction is not wanted.
func NewEngine(registry *applayer.Registry, sink filesink.Sink) *Engine {
	return &Engine{
		registry: registry,
		sink:     sink,
		flows:    make(map[Key]*entry),
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats { return e.stats }

// FlowCount returns the number of flows with an attached protocol state.
func (e *Engine) FlowCount() int { return len(e.flows) }

// Close frees all per-flow parsing state.
func (e *Engine) Close() {
	for key, ent := range e.flows {
		ent.state.Free()
		delete(e.flows, key)
	}
}

// Feed processes one packet. Packets without a transport payload are counted
// and dropped.
func (e *Engine) Feed(pkt gopacket.Packet) {
	e.stats.Packets++

	netLayer := pkt.NetworkLayer()
	trLayer := pkt.TransportLayer()
	if netLayer == nil || trLayer == nil {
		return
	}
	payload := trLayer.LayerPayload()
	if len(payload) == 0 {
		return
	}
	e.stats.Payloads++

	netFlow := netLayer.NetworkFlow()
	trFlow := trLayer.TransportFlow()
	key := Key{Net: canonFlow(netFlow), Transport: canonFlow(trFlow)}

	ent := e.flows[key]
	if ent == nil {
		ent = e.openFlow(key, netFlow, trFlow, payload)
		if ent == nil {
			return
		}
	}

	dir := applayer.ToClient
	if netFlow == ent.clientNet && trFlow == ent.clientTr {
		dir = applayer.ToServer
	}
	if err := ent.state.Parse(dir, payload); err != nil {
		logger.Debug("parse error",
			"proto", ent.protoName,
			"dir", dir.String(),
			"err", err)
	}
	e.reportStateEvents(ent)
	e.drain(ent)
}

// reportStateEvents logs anomalies recorded with no transaction to carry them.
func (e *Engine) reportStateEvents(ent *entry) {
	events := ent.state.StateEvents()
	for _, id := range events[ent.stateEvents:] {
		name := ""
		if info, ok := ent.parser.Events().InfoByID(id); ok {
			name = info.Name
		}
		logger.Info("flow anomaly", "proto", ent.protoName, "event", name)
	}
	ent.stateEvents = len(events)
}

// openFlow probes the payload against every registered protocol and sets up
// parsing state on a match. The prober assumes the first payload travels to
// the server; a direction hint from the probe overrides that.
func (e *Engine) openFlow(key Key, netFlow, trFlow gopacket.Flow, payload []byte) *entry {
	id, res := e.registry.Probe(payload, applayer.ToServer)
	if !res.Match {
		return nil
	}
	parser := e.registry.Parser(id)

	ent := &entry{
		protoName: parser.Name(),
		parser:    parser,
		state:     parser.NewState(),
		clientNet: netFlow,
		clientTr:  trFlow,
		nextTx:    1,
	}
	if res.HasDirHint && res.DirHint == applayer.ToClient {
		ent.clientNet = netFlow.Reverse()
		ent.clientTr = trFlow.Reverse()
	}
	if setter, ok := ent.state.(fileSinkSetter); ok && e.sink != nil {
		setter.SetFileSink(e.sink)
	}

	e.flows[key] = ent
	e.stats.Flows++
	logger.Debug("flow opened",
		"proto", ent.protoName,
		"net", netFlow.String(),
		"transport", trFlow.String())
	return ent
}

// drain reports and frees transactions complete in both directions. Only a
// contiguous completed prefix is freed so transaction ids keep their meaning
// for later lookups.
func (e *Engine) drain(ent *entry) {
	for {
		var cursor uint64
		tx, txID, _ := ent.state.TxIterator(ent.nextTx, &cursor)
		if tx == nil || txID != ent.nextTx {
			return
		}
		if tx.Progress(applayer.ToServer) < ent.parser.CompleteProgress(applayer.ToServer) ||
			tx.Progress(applayer.ToClient) < ent.parser.CompleteProgress(applayer.ToClient) {
			return
		}
		e.reportTx(ent, tx)
		ent.state.FreeTx(txID)
		ent.nextTx = txID + 1
		e.stats.Transactions++
	}
}

func (e *Engine) reportTx(ent *entry, tx applayer.Tx) {
	events := tx.Data().Events()
	names := make([]string, 0, len(events))
	for _, id := range events {
		if info, ok := ent.parser.Events().InfoByID(id); ok {
			names = append(names, info.Name)
		}
	}
	logger.Info("transaction complete",
		"proto", ent.protoName,
		"tx_id", tx.TxID(),
		"events", names)
}

// canonFlow maps a flow and its reverse onto one representative.
func canonFlow(f gopacket.Flow) gopacket.Flow {
	src, dst := f.Endpoints()
	if src.LessThan(dst) {
		return f
	}
	return f.Reverse()
}
