package dcerpc

import (
	"encoding/binary"
	"errors"

	"github.com/endorses/clawcat/internal/pkg/applayer"
	"github.com/endorses/clawcat/internal/pkg/wire"
)

// COHeaderLen is the fixed prefix of a connection-oriented record.
const COHeaderLen = 16

// requestStubOffset is where stub data starts inside request and response
// records (fixed header plus alloc_hint, context id and opnum or status bytes).
const requestStubOffset = 24

// COHeader is the connection-oriented record header shared by all ptypes.
type COHeader struct {
	RpcVers      uint8
	RpcVersMinor uint8
	Ptype        uint8
	PfcFlags     uint8
	Drep         [4]uint8
	FragLength   uint16
	AuthLength   uint16
	CallID       uint32
}

// ParseCOHeader decodes the 16-byte connection-oriented header.
func ParseCOHeader(input []byte) (COHeader, error) {
	r := wire.NewReader(input)
	var h COHeader
	var err error

	if h.RpcVers, err = r.Uint8(); err != nil {
		return COHeader{}, err
	}
	if h.RpcVersMinor, err = r.Uint8(); err != nil {
		return COHeader{}, err
	}
	if h.Ptype, err = r.Uint8(); err != nil {
		return COHeader{}, err
	}
	if h.PfcFlags, err = r.Uint8(); err != nil {
		return COHeader{}, err
	}
	drep, err := r.Take(4)
	if err != nil {
		return COHeader{}, err
	}
	copy(h.Drep[:], drep)
	if h.Drep[0]&drepLittleEndian != 0 {
		r.SetOrder(binary.LittleEndian)
	}
	if h.FragLength, err = r.Uint16(); err != nil {
		return COHeader{}, err
	}
	if h.AuthLength, err = r.Uint16(); err != nil {
		return COHeader{}, err
	}
	if h.CallID, err = r.Uint32(); err != nil {
		return COHeader{}, err
	}
	if h.RpcVers != 5 {
		return COHeader{}, wire.ErrMalformed
	}
	if int(h.FragLength) < COHeaderLen {
		return COHeader{}, wire.ErrMalformed
	}
	return h, nil
}

// PipeTransaction is one call over a named-pipe tunnel, correlated by call id.
type PipeTransaction struct {
	CallID   uint32
	Opnum    uint16
	ReqStub  []byte
	RespStub []byte
	ReqDone  bool
	RespDone bool
}

// PipeState reassembles connection-oriented records arriving as named-pipe
// payload. The carrier hands over whole write/read payloads per direction; the
// record stream inside may still split across them.
type PipeState struct {
	txs    map[uint32]*PipeTransaction
	order  []uint32
	bufTS  []byte
	bufTC  []byte
	events []int
}

// NewPipeState returns an empty tunnel state.
func NewPipeState() *PipeState {
	return &PipeState{txs: make(map[uint32]*PipeTransaction)}
}

// Events returns anomaly event ids recorded while feeding the tunnel.
func (ps *PipeState) Events() []int { return ps.events }

// Transactions returns tunneled calls in arrival order.
func (ps *PipeState) Transactions() []*PipeTransaction {
	out := make([]*PipeTransaction, 0, len(ps.order))
	for _, id := range ps.order {
		if tx, ok := ps.txs[id]; ok {
			out = append(out, tx)
		}
	}
	return out
}

// Transaction returns the call with the given call id, or nil.
func (ps *PipeState) Transaction(callID uint32) *PipeTransaction {
	return ps.txs[callID]
}

// Feed consumes tunneled bytes for one direction.
func (ps *PipeState) Feed(dir applayer.Direction, input []byte) error {
	buf := &ps.bufTS
	if dir == applayer.ToClient {
		buf = &ps.bufTC
	}
	*buf = append(*buf, input...)

	for len(*buf) >= COHeaderLen {
		hdr, err := ParseCOHeader(*buf)
		if err != nil {
			ps.events = append(ps.events, EventMalformedData)
			*buf = nil
			return err
		}
		if len(*buf) < int(hdr.FragLength) {
			return nil
		}
		record := (*buf)[:hdr.FragLength]
		*buf = (*buf)[hdr.FragLength:]

		if err := ps.handleRecord(&hdr, dir, record); err != nil {
			ps.events = append(ps.events, EventMalformedData)
			return err
		}
	}
	return nil
}

func (ps *PipeState) handleRecord(hdr *COHeader, dir applayer.Direction, record []byte) error {
	switch hdr.Ptype {
	case PtypeRequest:
		if len(record) < requestStubOffset {
			return errors.New("request record too short")
		}
		tx := ps.tx(hdr.CallID)
		order := headerOrder(hdr)
		tx.Opnum = order.Uint16(record[22:24])
		if hdr.PfcFlags&PfcFirstFrag != 0 {
			tx.ReqStub = tx.ReqStub[:0]
		}
		tx.ReqStub = append(tx.ReqStub, ps.stubData(hdr, record)...)
		if hdr.PfcFlags&PfcLastFrag != 0 {
			tx.ReqDone = true
		}
	case PtypeResponse:
		if len(record) < requestStubOffset {
			return errors.New("response record too short")
		}
		tx := ps.tx(hdr.CallID)
		if hdr.PfcFlags&PfcFirstFrag != 0 {
			tx.RespStub = tx.RespStub[:0]
		}
		tx.RespStub = append(tx.RespStub, ps.stubData(hdr, record)...)
		if hdr.PfcFlags&PfcLastFrag != 0 {
			tx.RespDone = true
		}
	case PtypeBind, PtypeBindAck, PtypeFault:
		// negotiation and fault records carry no stub to reassemble
	}
	return nil
}

// stubData strips the fixed prefix and any auth trailer from a record.
func (ps *PipeState) stubData(hdr *COHeader, record []byte) []byte {
	end := len(record)
	if int(hdr.AuthLength) > 0 {
		// auth trailer: 8-byte verifier header plus auth_length bytes
		trailer := int(hdr.AuthLength) + 8
		if end-requestStubOffset >= trailer {
			end -= trailer
		}
	}
	return record[requestStubOffset:end]
}

func (ps *PipeState) tx(callID uint32) *PipeTransaction {
	if tx, ok := ps.txs[callID]; ok {
		return tx
	}
	tx := &PipeTransaction{CallID: callID}
	ps.txs[callID] = tx
	ps.order = append(ps.order, callID)
	return tx
}

func headerOrder(hdr *COHeader) binary.ByteOrder {
	if hdr.Drep[0]&drepLittleEndian != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
