package dcerpc

import (
	"errors"

	"github.com/google/uuid"

	"github.com/endorses/clawcat/internal/pkg/applayer"
	"github.com/endorses/clawcat/internal/pkg/logger"
)

// ProtoName is the registered protocol name.
const ProtoName = "dcerpc"

// Transaction correlates the request and response halves of one datagram RPC
// call. Identity on the wire is the (sequence number, activity id) pair.
type Transaction struct {
	id         uint64
	SeqNum     uint32
	ActivityID uuid.UUID
	Opnum      uint16

	ReqStub  []byte
	RespStub []byte

	reqDone  bool
	respDone bool
	data     applayer.TxData
}

func (t *Transaction) TxID() uint64 { return t.id }

func (t *Transaction) Progress(dir applayer.Direction) int {
	if t.done(dir) {
		return applayer.ProgressComplete
	}
	return applayer.ProgressNone
}

func (t *Transaction) Data() *applayer.TxData { return &t.data }

func (t *Transaction) done(dir applayer.Direction) bool {
	if dir == applayer.ToServer {
		return t.reqDone
	}
	return t.respDone
}

func (t *Transaction) markDone(dir applayer.Direction) {
	if dir == applayer.ToServer {
		t.reqDone = true
	} else {
		t.respDone = true
	}
}

func (t *Transaction) stub(dir applayer.Direction) *[]byte {
	if dir == applayer.ToServer {
		return &t.ReqStub
	}
	return &t.RespStub
}

// State tracks the datagram transactions of one UDP flow.
type State struct {
	txs    []*Transaction
	txID   uint64
	maxTx  int
	events *applayer.EventTable

	// anomalies seen before any transaction context existed
	stateEvents []int

	// forced completion resumes scanning where the last scan stopped
	completedIdx int
}

// NewState allocates parsing state for one flow.
func NewState() *State {
	return &State{
		maxTx:  GetConfig().MaxTx,
		events: newEventTable(),
	}
}

// findIncompleteTx returns the oldest transaction with matching identity whose
// given direction has not completed. Completed directions never accept more
// fragments; a reused sequence number starts a fresh transaction.
func (s *State) findIncompleteTx(seqNum uint32, activityID uuid.UUID, dir applayer.Direction) *Transaction {
	for _, tx := range s.txs {
		if tx.SeqNum == seqNum && tx.ActivityID == activityID && !tx.done(dir) {
			return tx
		}
	}
	return nil
}

func (s *State) createTx(hdr *UDPHeader) *Transaction {
	s.txID++
	tx := &Transaction{
		id:         s.txID,
		SeqNum:     hdr.SeqNum,
		ActivityID: hdr.ActivityID,
		Opnum:      hdr.Opnum,
	}
	s.txs = append(s.txs, tx)

	if len(s.txs) > s.maxTx {
		// force-complete the oldest still-open transaction so the table
		// cannot grow without bound on one-sided traffic
		for i := s.completedIdx; i < len(s.txs); i++ {
			old := s.txs[i]
			if !old.reqDone || !old.respDone {
				old.reqDone = true
				old.respDone = true
				s.completedIdx = i
				logger.Debug("dcerpc tx force-completed", "tx_id", old.id)
				break
			}
		}
	}
	return tx
}

// setEvent records an anomaly at flow scope, for records that never reach a
// transaction.
func (s *State) setEvent(id int) {
	s.stateEvents = append(s.stateEvents, id)
}

func (s *State) StateEvents() []int { return s.stateEvents }

// Parse consumes one datagram for the given direction.
func (s *State) Parse(dir applayer.Direction, input []byte) error {
	hdr, err := ParseUDPHeader(input)
	if err != nil {
		// datagrams never continue in a later packet; a short or undecodable
		// header is malformed, not incomplete
		s.setEvent(EventMalformedData)
		return err
	}
	if hdr.RpcVers != 4 {
		s.setEvent(EventMalformedData)
		return errors.New("unsupported rpc version")
	}

	switch hdr.Ptype {
	case PtypeRequest, PtypeResponse:
		return s.handleFragment(&hdr, dir, input[UDPHeaderLen:])
	default:
		// acks, pings and the like carry no stub data
		return nil
	}
}

func (s *State) handleFragment(hdr *UDPHeader, dir applayer.Direction, rest []byte) error {
	tx := s.findIncompleteTx(hdr.SeqNum, hdr.ActivityID, dir)
	if tx == nil {
		tx = s.createTx(hdr)
	}

	if int(hdr.FragLen) > len(rest) {
		tx.data.SetEvent(EventMalformedData)
		return errors.New("fragment length exceeds datagram")
	}
	stub := tx.stub(dir)
	if hdr.Flags1&Flags1Frag == 0 || hdr.FragNum == 0 {
		*stub = append((*stub)[:0], rest[:hdr.FragLen]...)
	} else {
		*stub = append(*stub, rest[:hdr.FragLen]...)
	}
	if hdr.FragDone() {
		tx.markDone(dir)
	}
	return nil
}

func (s *State) GetTx(txID uint64) applayer.Tx {
	for _, tx := range s.txs {
		if tx.id == txID {
			return tx
		}
	}
	return nil
}

func (s *State) TxCount() uint64 { return s.txID }

func (s *State) FreeTx(txID uint64) {
	for i, tx := range s.txs {
		if tx.id == txID {
			tx.data.Release()
			s.txs = append(s.txs[:i], s.txs[i+1:]...)
			// indices shifted; restart the forced-completion scan
			s.completedIdx = 0
			return
		}
	}
}

func (s *State) Free() {
	for _, tx := range s.txs {
		tx.data.Release()
	}
	s.txs = nil
	s.stateEvents = nil
	s.completedIdx = 0
}

func (s *State) TxIterator(minID uint64, cursor *uint64) (applayer.Tx, uint64, bool) {
	for i := int(*cursor); i < len(s.txs); i++ {
		tx := s.txs[i]
		if tx.id < minID {
			continue
		}
		*cursor = uint64(i + 1)
		return tx, tx.id, int(*cursor) < len(s.txs)
	}
	return nil, 0, false
}

// Parser implements protocol registration for datagram DCERPC.
type Parser struct {
	events *applayer.EventTable
}

// NewParser returns the registrable DCERPC protocol module.
func NewParser() *Parser {
	return &Parser{events: newEventTable()}
}

func (p *Parser) Name() string { return ProtoName }

// Probe validates the invariant prefix of the datagram header. A request
// packet type also reveals the true direction of the bytes.
func (p *Parser) Probe(input []byte, dir applayer.Direction) applayer.ProbeResult {
	if len(input) < 7 {
		return applayer.NoMatch
	}
	if input[0] != 4 { // rpc_vers
		return applayer.NoMatch
	}
	if input[3]&0xfc != 0 { // flags2 reserved bits
		return applayer.NoMatch
	}
	if input[4]&0xee != 0 { // drep[0] beyond representation bits
		return applayer.NoMatch
	}
	if input[5] > 3 { // drep[1] float representation
		return applayer.NoMatch
	}
	res := applayer.ProbeResult{Match: true}
	if input[1] == PtypeRequest {
		res.DirHint = applayer.ToServer
		res.HasDirHint = true
	}
	return res
}

func (p *Parser) NewState() applayer.State { return NewState() }

func (p *Parser) CompleteProgress(dir applayer.Direction) int { return applayer.ProgressComplete }

func (p *Parser) Events() *applayer.EventTable { return p.events }
