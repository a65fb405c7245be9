package ssh

import (
	"bytes"
	"errors"

	"github.com/endorses/clawcat/internal/pkg/applayer"
	"github.com/endorses/clawcat/internal/pkg/logger"
	"github.com/endorses/clawcat/internal/pkg/wire"
)

// ProtoName is the registered protocol name.
const ProtoName = "ssh"

// Negotiation progress per direction. Values only ever increase.
const (
	StateInProgress = 0
	StateBannerDone = 1
	StateFinished   = 2
)

// Upper bound on a single negotiation-phase packet.
const maxRecordLen = 256 * 1024

// Endpoint is the per-direction half of the negotiation.
type Endpoint struct {
	ProtoVersion    []byte
	SoftwareVersion []byte
	Hassh           string

	progress int
	buf      []byte
}

// Transaction is the single negotiation transaction an SSH flow carries.
type Transaction struct {
	id       uint64
	toServer Endpoint
	toClient Endpoint
	data     applayer.TxData
}

func (t *Transaction) TxID() uint64 { return t.id }

func (t *Transaction) Progress(dir applayer.Direction) int {
	return t.side(dir).progress
}

func (t *Transaction) Data() *applayer.TxData { return &t.data }

// Client returns the to-server half of the negotiation.
func (t *Transaction) Client() *Endpoint { return &t.toServer }

// Server returns the to-client half of the negotiation.
func (t *Transaction) Server() *Endpoint { return &t.toClient }

func (t *Transaction) side(dir applayer.Direction) *Endpoint {
	if dir == applayer.ToClient {
		return &t.toClient
	}
	return &t.toServer
}

// State tracks one SSH flow. Both directions feed the same transaction.
type State struct {
	tx           Transaction
	maxBannerLen int
	freed        bool
}

// NewState allocates parsing state for one flow.
func NewState() *State {
	return &State{
		tx:           Transaction{id: 1},
		maxBannerLen: GetConfig().MaxBannerLen,
	}
}

// Parse buffers and decodes negotiation bytes for one direction.
func (s *State) Parse(dir applayer.Direction, input []byte) error {
	side := s.tx.side(dir)
	if side.progress == StateFinished {
		return nil
	}
	side.buf = append(side.buf, input...)

	if side.progress < StateBannerDone {
		if err := s.parseBanner(side); err != nil {
			return err
		}
		if side.progress < StateBannerDone {
			// banner still incomplete
			return nil
		}
	}
	return s.parseRecords(side, dir)
}

func (s *State) parseBanner(side *Endpoint) error {
	line, rest, err := wire.Line(side.buf)
	if err != nil {
		if len(side.buf) > s.maxBannerLen {
			s.tx.data.SetEvent(EventInvalidBanner)
			side.buf = nil
			side.progress = StateBannerDone
			return errors.New("identification line overlong without terminator")
		}
		return nil
	}
	side.buf = append(side.buf[:0], rest...)
	side.progress = StateBannerDone

	if len(line) > 255 {
		s.tx.data.SetEvent(EventLongBanner)
	}
	banner, err := ParseBanner(line)
	if err != nil {
		s.tx.data.SetEvent(EventInvalidBanner)
		return err
	}
	side.ProtoVersion = append([]byte(nil), banner.ProtoVersion...)
	side.SoftwareVersion = append([]byte(nil), banner.SoftwareVersion...)
	return nil
}

func (s *State) parseRecords(side *Endpoint, dir applayer.Direction) error {
	for len(side.buf) >= 6 {
		hdr, err := ParseRecordHeader(side.buf)
		if err != nil {
			s.tx.data.SetEvent(EventMalformedData)
			side.buf = nil
			return err
		}
		total := 4 + int(hdr.PktLen)
		if total > maxRecordLen {
			s.tx.data.SetEvent(EventMalformedData)
			side.buf = nil
			return errors.New("negotiation record exceeds size limit")
		}
		if len(side.buf) < total {
			return nil
		}
		record := side.buf[:total]
		side.buf = side.buf[total:]

		if err := s.handleRecord(side, dir, hdr, record); err != nil {
			s.tx.data.SetEvent(EventMalformedData)
			return err
		}
		if side.progress == StateFinished {
			side.buf = nil
			return nil
		}
	}
	return nil
}

func (s *State) handleRecord(side *Endpoint, dir applayer.Direction, hdr RecordHeader, record []byte) error {
	switch hdr.MsgCode {
	case MsgKexInit:
		// payload runs from after the 6-byte prefix to the start of padding
		if int(hdr.PktLen)-2 < int(hdr.PaddingLen) {
			return errors.New("padding larger than packet")
		}
		payload := record[6 : 4+int(hdr.PktLen)-int(hdr.PaddingLen)]
		kex, err := ParseKexInit(payload)
		if err != nil {
			return err
		}
		side.Hassh = Fingerprint(&kex, dir)
		logger.Debug("ssh kexinit", "dir", dir.String(), "hassh", side.Hassh)
	case MsgNewKeys:
		side.progress = StateFinished
	}
	return nil
}

// StateEvents is always empty: the flow's single transaction exists from the
// first byte on, so anomalies always have a transaction to attach to.
func (s *State) StateEvents() []int { return nil }

func (s *State) GetTx(txID uint64) applayer.Tx {
	if s.freed || txID != s.tx.id {
		return nil
	}
	return &s.tx
}

func (s *State) TxCount() uint64 { return 1 }

func (s *State) FreeTx(txID uint64) {
	if txID == s.tx.id {
		s.tx.data.Release()
		s.freed = true
	}
}

func (s *State) Free() {
	s.FreeTx(s.tx.id)
}

func (s *State) TxIterator(minID uint64, cursor *uint64) (applayer.Tx, uint64, bool) {
	if s.freed || *cursor > 0 || s.tx.id < minID {
		return nil, 0, false
	}
	*cursor = s.tx.id
	return &s.tx, s.tx.id, false
}

// Parser implements protocol registration for SSH.
type Parser struct {
	events *applayer.EventTable
}

// NewParser returns the registrable SSH protocol module.
func NewParser() *Parser {
	return &Parser{events: newEventTable()}
}

func (p *Parser) Name() string { return ProtoName }

// Probe matches the identification line prefix. Direction carries no extra
// signal here; both peers open with the same prefix.
func (p *Parser) Probe(input []byte, dir applayer.Direction) applayer.ProbeResult {
	if !bytes.HasPrefix(input, bannerPrefix) {
		return applayer.NoMatch
	}
	return applayer.ProbeResult{Match: true}
}

func (p *Parser) NewState() applayer.State { return NewState() }

func (p *Parser) CompleteProgress(dir applayer.Direction) int { return StateFinished }

func (p *Parser) Events() *applayer.EventTable { return p.events }
