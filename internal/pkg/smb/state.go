package smb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/endorses/clawcat/internal/pkg/applayer"
	"github.com/endorses/clawcat/internal/pkg/dcerpc"
	"github.com/endorses/clawcat/internal/pkg/filesink"
	"github.com/endorses/clawcat/internal/pkg/logger"
	"github.com/endorses/clawcat/internal/pkg/wire"
)

// ProtoName is the registered protocol name.
const ProtoName = "smb"

// ipcService is the granted service type that marks a tree as a pipe carrier.
var ipcService = []byte("IPC")

// transPipeName is the named-transaction target that tunnels RPC.
var transPipeName = []byte(`\PIPE\`)

// isPipeTransName reports whether a transaction name addresses the RPC pipe.
// Wide-character names carry NUL padding that must not defeat the comparison.
func isPipeTransName(name []byte) bool {
	trimmed := make([]byte, 0, len(name))
	for _, b := range name {
		if b != 0 {
			trimmed = append(trimmed, b)
		}
	}
	return bytes.Equal(trimmed, transPipeName)
}

// Tree is one connected share. Pipe trees tunnel RPC instead of files.
type Tree struct {
	ID     uint32
	Share  []byte
	IsPipe bool

	pipe *dcerpc.PipeState
}

// Pipe returns the RPC tunnel of a pipe tree, or nil.
func (t *Tree) Pipe() *dcerpc.PipeState { return t.pipe }

// Transaction is one correlated command exchange.
type Transaction struct {
	id  uint64
	key hdrKey

	Command  uint8
	NTStatus uint32
	FileName []byte
	Share    []byte
	Dialects [][]byte

	reqDone  bool
	respDone bool
	data     applayer.TxData
}

func (t *Transaction) TxID() uint64 { return t.id }

func (t *Transaction) Progress(dir applayer.Direction) int {
	done := t.reqDone
	if dir == applayer.ToClient {
		done = t.respDone
	}
	if done {
		return applayer.ProgressComplete
	}
	return applayer.ProgressNone
}

func (t *Transaction) Data() *applayer.TxData { return &t.data }

type pendingRead struct {
	fid    uint16
	offset uint64
}

// State tracks one SMB flow: open transactions, connected trees, file handle
// names and reads awaiting their response.
type State struct {
	txs          []*Transaction
	txID         uint64
	maxTx        int
	completedIdx int

	negotiateSeen bool
	trees         map[hdrKey]*Tree
	guidToName    map[hdrKey][]byte
	fnameStash    map[hdrKey][]byte
	pendingReads  map[hdrKey]pendingRead
	transPipe     map[hdrKey]struct{}

	// anomalies seen before any transaction context existed
	stateEvents []int

	// to-client bytes still owed to an unmatched read response
	skipTC uint32

	sink filesink.Sink
}

// NewState allocates parsing state for one flow.
func NewState() *State {
	return &State{
		maxTx:        GetConfig().MaxTx,
		trees:        make(map[hdrKey]*Tree),
		guidToName:   make(map[hdrKey][]byte),
		fnameStash:   make(map[hdrKey][]byte),
		pendingReads: make(map[hdrKey]pendingRead),
		transPipe:    make(map[hdrKey]struct{}),
	}
}

// setEvent records an anomaly at flow scope, for records that never reach a
// transaction.
func (s *State) setEvent(id int) {
	s.stateEvents = append(s.stateEvents, id)
}

func (s *State) StateEvents() []int { return s.stateEvents }

// SetFileSink attaches the destination for extracted file content.
func (s *State) SetFileSink(sink filesink.Sink) { s.sink = sink }

// Tree returns the connected tree with the given id, or nil.
func (s *State) Tree(ssn uint64, treeID uint32) *Tree {
	return s.trees[treeKey(ssn, treeID)]
}

// Parse consumes one record for the given direction. The response flag inside
// the record decides request/response handling; dir only drives skip
// accounting for left-over read data.
func (s *State) Parse(dir applayer.Direction, input []byte) error {
	if dir == applayer.ToClient && s.skipTC > 0 {
		n := uint32(len(input))
		if n > s.skipTC {
			n = s.skipTC
		}
		s.skipTC -= n
		input = input[n:]
		if len(input) == 0 {
			return nil
		}
	}

	rec, err := ParseRecord(input)
	if err != nil {
		if errors.Is(err, wire.ErrMalformed) {
			s.setEvent(EventMalformedData)
		}
		return err
	}
	if rec.IsResponse() {
		return s.handleResponse(&rec)
	}
	return s.handleRequest(&rec)
}

// noResponseCommand lists commands the server never answers; their response
// side completes at creation so they cannot pin the transaction table.
func noResponseCommand(cmd uint8) bool {
	return cmd == CmdNTCancel || cmd == CmdTrans2Secondary
}

func (s *State) handleRequest(rec *Record) error {
	ssn := uint64(rec.UID)
	tree := uint32(rec.TreeID)
	mid := uint64(rec.MID)

	tx := s.createTx(rec)
	tx.reqDone = true
	if noResponseCommand(rec.Command) {
		tx.respDone = true
	}

	switch rec.Command {
	case CmdNegotiate:
		req, err := ParseNegotiateRequest(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		tx.Dialects = req.Dialects
		if s.negotiateSeen {
			tx.data.SetEvent(EventDuplicateNegotiate)
		}
		s.negotiateSeen = true

	case CmdTreeConnectAndX:
		req, err := ParseTreeConnectRequest(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		tx.Share = req.Path
		// the server assigns the tree id in the response; correlate on
		// session and multiplex id alone
		tx.key = hdrKey{Kind: keyKindTxName, SessionID: ssn, MultiplexID: mid}

	case CmdNTCreateAndX:
		req, err := ParseCreateRequest(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		tx.FileName = req.FileName
		s.fnameStash[filenameKey(ssn)] = req.FileName

	case CmdReadAndX:
		req, err := ParseReadRequest(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		s.pendingReads[offsetKey(ssn, tree, mid)] = pendingRead{fid: req.FID, offset: req.Offset}

	case CmdWriteAndX:
		req, err := ParseWriteRequest(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		s.deliverData(ssn, tree, req.FID, req.Offset, req.Data, applayer.ToServer)

	case CmdTrans:
		req, err := ParseTransRequest(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		t := s.trees[treeKey(ssn, tree)]
		if t == nil || !t.IsPipe || !isPipeTransName(req.Name) {
			return nil
		}
		// remember the exchange so the response payload also reaches the tunnel
		s.transPipe[transKey(ssn, tree, mid)] = struct{}{}
		if err := t.pipe.Feed(applayer.ToServer, req.Data); err != nil {
			logger.Debug("smb pipe payload rejected", "err", err)
		}

	case CmdClose:
		req, err := ParseCloseRequest(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		key := guidKey(ssn, tree, uint64(req.FID))
		if name, ok := s.guidToName[key]; ok {
			tx.FileName = name
			delete(s.guidToName, key)
		}
		if s.sink != nil {
			s.sink.Close(fileHandle(ssn, tree, req.FID))
		}
	}
	return nil
}

func (s *State) handleResponse(rec *Record) error {
	ssn := uint64(rec.UID)
	tree := uint32(rec.TreeID)
	mid := uint64(rec.MID)

	key := genericTxKey(ssn, tree, mid)
	if rec.Command == CmdTreeConnectAndX {
		key = hdrKey{Kind: keyKindTxName, SessionID: ssn, MultiplexID: mid}
	}

	// prefer the oldest still-open exchange with this identity
	tx := s.findIncompleteTx(key)
	if tx == nil {
		tx = s.createTx(rec)
		tx.key = key
	}
	tx.NTStatus = rec.NTStatus
	tx.respDone = true

	switch rec.Command {
	case CmdNegotiate:
		resp, err := ParseNegotiateResponse(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		// the index picks from the dialects the request offered
		if len(tx.Dialects) > 0 && int(resp.DialectIdx) >= len(tx.Dialects) {
			tx.data.SetEvent(EventMalformedData)
		}

	case CmdTreeConnectAndX:
		resp, err := ParseTreeConnectResponse(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		t := &Tree{ID: tree, Share: tx.Share, IsPipe: isPipeShare(tx.Share, resp.Service)}
		if t.IsPipe {
			t.pipe = dcerpc.NewPipeState()
		}
		s.trees[treeKey(ssn, tree)] = t
		logger.Debug("smb tree connected", "share", string(t.Share), "pipe", t.IsPipe)

	case CmdNTCreateAndX:
		resp, err := ParseCreateResponse(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		fnKey := filenameKey(ssn)
		if name, ok := s.fnameStash[fnKey]; ok {
			s.guidToName[guidKey(ssn, tree, uint64(resp.FID))] = name
			delete(s.fnameStash, fnKey)
		}

	case CmdReadAndX:
		resp, err := ParseReadResponse(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		prKey := offsetKey(ssn, tree, mid)
		pr, ok := s.pendingReads[prKey]
		if !ok {
			// response without a request on record; skip whatever data the
			// server still owes so record framing stays aligned
			tx.data.SetEvent(EventUnknownLeftover)
			if int(resp.DataLength) > len(resp.Data) {
				s.skipTC = uint32(int(resp.DataLength) - len(resp.Data))
			} else {
				s.skipTC = 0
			}
			return nil
		}
		delete(s.pendingReads, prKey)
		s.deliverData(ssn, tree, pr.fid, pr.offset, resp.Data, applayer.ToClient)

	case CmdTrans:
		resp, err := ParseTransResponse(rec.Data)
		if err != nil {
			tx.data.SetEvent(EventMalformedData)
			return err
		}
		tKey := transKey(ssn, tree, mid)
		if _, ok := s.transPipe[tKey]; !ok {
			return nil
		}
		delete(s.transPipe, tKey)
		if t := s.trees[treeKey(ssn, tree)]; t != nil && t.IsPipe {
			if err := t.pipe.Feed(applayer.ToClient, resp.Data); err != nil {
				logger.Debug("smb pipe payload rejected", "err", err)
			}
		}
	}
	return nil
}

// deliverData routes read/write payload either into the RPC tunnel of a pipe
// tree or toward the file sink.
func (s *State) deliverData(ssn uint64, tree uint32, fid uint16, offset uint64, data []byte, dir applayer.Direction) {
	if t := s.trees[treeKey(ssn, tree)]; t != nil && t.IsPipe {
		if err := t.pipe.Feed(dir, data); err != nil {
			logger.Debug("smb pipe payload rejected", "err", err)
		}
		return
	}
	if s.sink == nil || len(data) == 0 {
		return
	}
	handle := fileHandle(ssn, tree, fid)
	name := s.guidToName[guidKey(ssn, tree, uint64(fid))]
	s.sink.NewFile(handle, name)
	s.sink.Chunk(handle, offset, data)
}

func fileHandle(ssn uint64, tree uint32, fid uint16) string {
	return fmt.Sprintf("%d/%d/%d", ssn, tree, fid)
}

func isPipeShare(share, service []byte) bool {
	if bytes.Equal(service, ipcService) {
		return true
	}
	return bytes.HasSuffix(bytes.ToUpper(share), []byte("IPC$"))
}

func (s *State) findIncompleteTx(key hdrKey) *Transaction {
	for _, tx := range s.txs {
		if tx.key == key && !tx.respDone {
			return tx
		}
	}
	return nil
}

func (s *State) createTx(rec *Record) *Transaction {
	s.txID++
	tx := &Transaction{
		id:      s.txID,
		key:     genericTxKey(uint64(rec.UID), uint32(rec.TreeID), uint64(rec.MID)),
		Command: rec.Command,
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
				logger.Debug("smb tx force-completed", "tx_id", old.id)
				break
			}
		}
	}
	return tx
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
	clear(s.trees)
	clear(s.guidToName)
	clear(s.fnameStash)
	clear(s.pendingReads)
	clear(s.transPipe)
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

// Parser implements protocol registration for SMB.
type Parser struct {
	events *applayer.EventTable
}

// NewParser returns the registrable SMB protocol module.
func NewParser() *Parser {
	return &Parser{events: newEventTable()}
}

func (p *Parser) Name() string { return ProtoName }

// Probe matches the record magic. The response flag inside the header reveals
// the true direction of the bytes.
func (p *Parser) Probe(input []byte, dir applayer.Direction) applayer.ProbeResult {
	if len(input) < len(smb1Magic) || !bytes.Equal(input[:len(smb1Magic)], smb1Magic) {
		return applayer.NoMatch
	}
	res := applayer.ProbeResult{Match: true}
	if len(input) >= 10 {
		res.HasDirHint = true
		if input[9]&flagsResponse != 0 {
			res.DirHint = applayer.ToClient
		} else {
			res.DirHint = applayer.ToServer
		}
	}
	return res
}

func (p *Parser) NewState() applayer.State { return NewState() }

func (p *Parser) CompleteProgress(dir applayer.Direction) int { return applayer.ProgressComplete }

func (p *Parser) Events() *applayer.EventTable { return p.events }
