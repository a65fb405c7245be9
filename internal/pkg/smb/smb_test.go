package smb

import (
	"encoding/binary"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/clawcat/internal/pkg/applayer"
	"github.com/endorses/clawcat/internal/pkg/detect"
	"github.com/endorses/clawcat/internal/pkg/filesink"
)

type hdrFields struct {
	cmd      uint8
	response bool
	status   uint32
	tid      uint16
	uid      uint16
	mid      uint16
}

func buildRecord(h hdrFields, body []byte) []byte {
	out := make([]byte, HeaderLen)
	copy(out, smb1Magic)
	out[4] = h.cmd
	binary.LittleEndian.PutUint32(out[5:9], h.status)
	if h.response {
		out[9] = flagsResponse
	}
	binary.LittleEndian.PutUint16(out[24:26], h.tid)
	binary.LittleEndian.PutUint16(out[28:30], h.uid)
	binary.LittleEndian.PutUint16(out[30:32], h.mid)
	return append(out, body...)
}

// buildBody assembles a word-count/byte-count command body.
func buildBody(words, byteBlock []byte) []byte {
	out := []byte{uint8(len(words) / 2)}
	out = append(out, words...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(byteBlock)))
	return append(out, byteBlock...)
}

func negotiateReqBody(dialects ...string) []byte {
	var bb []byte
	for _, d := range dialects {
		bb = append(bb, 0x02)
		bb = append(bb, d...)
		bb = append(bb, 0)
	}
	return buildBody(nil, bb)
}

func treeConnectReqBody(path, service string) []byte {
	words := make([]byte, 8) // andx, flags, zero password length
	bb := append([]byte(path), 0)
	bb = append(bb, service...)
	bb = append(bb, 0)
	return buildBody(words, bb)
}

func treeConnectRespBody(service string) []byte {
	return buildBody(nil, append([]byte(service), 0))
}

func createReqBody(filename string) []byte {
	return buildBody(nil, append([]byte(filename), 0))
}

func createRespBody(fid uint16) []byte {
	words := make([]byte, 8)
	binary.LittleEndian.PutUint16(words[5:7], fid)
	return buildBody(words, nil)
}

func readReqBody(fid uint16, offset uint32) []byte {
	words := make([]byte, 10)
	binary.LittleEndian.PutUint16(words[4:6], fid)
	binary.LittleEndian.PutUint32(words[6:10], offset)
	return buildBody(words, nil)
}

func readRespBody(declaredLen uint16, data []byte) []byte {
	words := make([]byte, 12)
	binary.LittleEndian.PutUint16(words[10:12], declaredLen)
	return buildBody(words, data)
}

func writeReqBody(fid uint16, offset uint32, data []byte) []byte {
	words := make([]byte, 22)
	binary.LittleEndian.PutUint16(words[4:6], fid)
	binary.LittleEndian.PutUint32(words[6:10], offset)
	binary.LittleEndian.PutUint16(words[20:22], uint16(len(data)))
	return buildBody(words, data)
}

func transReqBody(name string, data []byte) []byte {
	words := make([]byte, 28)
	binary.LittleEndian.PutUint16(words[22:24], uint16(len(data)))
	bb := append([]byte(name), 0)
	bb = append(bb, data...)
	return buildBody(words, bb)
}

func transRespBody(data []byte) []byte {
	words := make([]byte, 20)
	binary.LittleEndian.PutUint16(words[12:14], uint16(len(data)))
	return buildBody(words, data)
}

func closeReqBody(fid uint16) []byte {
	words := make([]byte, 2)
	binary.LittleEndian.PutUint16(words[:2], fid)
	return buildBody(words, nil)
}

// connectShare runs the tree-connect exchange on s and returns the tree id used.
func connectShare(t *testing.T, s *State, path, service string, tid uint16) {
	t.Helper()
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdTreeConnectAndX, uid: 1, mid: 10}, treeConnectReqBody(path, service))))
	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdTreeConnectAndX, response: true, tid: tid, uid: 1, mid: 10}, treeConnectRespBody(service))))
}

func TestParseRecordHeader(t *testing.T) {
	rec, err := ParseRecord(buildRecord(hdrFields{cmd: CmdNegotiate, status: 0xc0000022, response: true, tid: 3, uid: 7, mid: 9}, []byte{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, uint8(CmdNegotiate), rec.Command)
	assert.Equal(t, uint32(0xc0000022), rec.NTStatus)
	assert.True(t, rec.IsResponse())
	assert.Equal(t, uint16(3), rec.TreeID)
	assert.Equal(t, uint16(7), rec.UID)
	assert.Equal(t, uint16(9), rec.MID)
	assert.Equal(t, []byte{1, 2}, rec.Data)

	_, err = ParseRecord([]byte("\xffSMC garbage........................"))
	assert.Error(t, err)
	_, err = ParseRecord(buildRecord(hdrFields{}, nil)[:20])
	assert.Error(t, err)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "SMB1_COMMAND_NEGOTIATE_PROTOCOL", CommandString(CmdNegotiate))
	assert.Equal(t, "SMB1_COMMAND_0x99", CommandString(0x99))
}

func TestNegotiateExchange(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdNegotiate, uid: 1, mid: 1}, negotiateReqBody("NT LM 0.12", "SMB 2.002"))))

	tx := s.GetTx(1).(*Transaction)
	assert.Equal(t, [][]byte{[]byte("NT LM 0.12"), []byte("SMB 2.002")}, tx.Dialects)
	assert.Equal(t, applayer.ProgressComplete, tx.Progress(applayer.ToServer))
	assert.Equal(t, applayer.ProgressNone, tx.Progress(applayer.ToClient))

	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdNegotiate, response: true, uid: 1, mid: 1}, buildBody([]byte{0, 0}, nil))))
	assert.Equal(t, applayer.ProgressComplete, tx.Progress(applayer.ToClient))
	// response correlated instead of opening a second transaction
	assert.Equal(t, uint64(1), s.TxCount())
}

func TestNegotiateDialectOutOfRange(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdNegotiate, uid: 1, mid: 1}, negotiateReqBody("NT LM 0.12"))))

	// server picks index 5 out of a single offered dialect
	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdNegotiate, response: true, uid: 1, mid: 1}, buildBody([]byte{5, 0}, nil))))
	assert.True(t, s.GetTx(1).Data().HasEvent(EventMalformedData))
}

func TestDuplicateNegotiateEvent(t *testing.T) {
	s := NewState()
	req := buildRecord(hdrFields{cmd: CmdNegotiate, uid: 1, mid: 1}, negotiateReqBody("NT LM 0.12"))
	require.NoError(t, s.Parse(applayer.ToServer, req))
	require.NoError(t, s.Parse(applayer.ToServer, req))

	assert.False(t, s.GetTx(1).Data().HasEvent(EventDuplicateNegotiate))
	assert.True(t, s.GetTx(2).Data().HasEvent(EventDuplicateNegotiate))
}

func TestTreeConnectBindsTree(t *testing.T) {
	s := NewState()
	connectShare(t, s, `\\srv\docs`, "A:", 5)

	tree := s.Tree(1, 5)
	require.NotNil(t, tree)
	assert.Equal(t, []byte(`\\srv\docs`), tree.Share)
	assert.False(t, tree.IsPipe)
	assert.Nil(t, tree.Pipe())
}

func TestTreeConnectIPCIsPipe(t *testing.T) {
	s := NewState()
	connectShare(t, s, `\\srv\IPC$`, "IPC", 2)

	tree := s.Tree(1, 2)
	require.NotNil(t, tree)
	assert.True(t, tree.IsPipe)
	require.NotNil(t, tree.Pipe())
}

func TestFileWriteExtraction(t *testing.T) {
	s := NewState()
	sink := filesink.NewMemorySink()
	s.SetFileSink(sink)
	connectShare(t, s, `\\srv\docs`, "A:", 5)

	// open binds the handle to the requested name
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdNTCreateAndX, tid: 5, uid: 1, mid: 11}, createReqBody("report.pdf"))))
	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdNTCreateAndX, response: true, tid: 5, uid: 1, mid: 11}, createRespBody(0x40))))

	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdWriteAndX, tid: 5, uid: 1, mid: 12}, writeReqBody(0x40, 100, []byte("chunk-a")))))
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdClose, tid: 5, uid: 1, mid: 13}, closeReqBody(0x40))))

	f := sink.File("1/5/64")
	require.NotNil(t, f)
	assert.Equal(t, []byte("report.pdf"), f.Name)
	require.Len(t, f.Chunks, 1)
	assert.Equal(t, uint64(100), f.Chunks[0].Offset)
	assert.Equal(t, []byte("chunk-a"), f.Chunks[0].Data)
	assert.True(t, f.Closed)
}

func TestFileReadExtraction(t *testing.T) {
	s := NewState()
	sink := filesink.NewMemorySink()
	s.SetFileSink(sink)
	connectShare(t, s, `\\srv\docs`, "A:", 5)

	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdReadAndX, tid: 5, uid: 1, mid: 20}, readReqBody(0x40, 4096))))
	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdReadAndX, response: true, tid: 5, uid: 1, mid: 20}, readRespBody(7, []byte("content")))))

	f := sink.File("1/5/64")
	require.NotNil(t, f)
	require.Len(t, f.Chunks, 1)
	// data lands at the offset the request asked for
	assert.Equal(t, uint64(4096), f.Chunks[0].Offset)
	assert.Equal(t, []byte("content"), f.Chunks[0].Data)
}

func TestReadResponseWithoutRequest(t *testing.T) {
	s := NewState()
	connectShare(t, s, `\\srv\docs`, "A:", 5)

	// server declares 100 bytes but the record carries only 7; the missing 93
	// arrive later and must be skipped, not parsed as records
	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdReadAndX, response: true, tid: 5, uid: 1, mid: 99}, readRespBody(100, []byte("leftovr")))))

	var leftoverTx *Transaction
	for _, tx := range s.txs {
		if tx.data.HasEvent(EventUnknownLeftover) {
			leftoverTx = tx
		}
	}
	require.NotNil(t, leftoverTx)
	assert.Equal(t, uint32(93), s.skipTC)

	// the condition rides on a transaction, and its table entry says so
	info, ok := newEventTable().InfoByName("unknown_leftover")
	require.True(t, ok)
	assert.Equal(t, applayer.EventTypeTransaction, info.Type)

	// 93 raw bytes then a valid record; the record still parses
	raw := append(make([]byte, 93),
		buildRecord(hdrFields{cmd: CmdNegotiate, response: true, uid: 1, mid: 1}, buildBody([]byte{0, 0}, nil))...)
	require.NoError(t, s.Parse(applayer.ToClient, raw))
	assert.Equal(t, uint32(0), s.skipTC)
}

func TestReadResponseSkipSaturates(t *testing.T) {
	s := NewState()
	// declared length smaller than what the record carries must not wrap
	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdReadAndX, response: true, tid: 5, uid: 1, mid: 99}, readRespBody(3, []byte("leftovr")))))
	assert.Equal(t, uint32(0), s.skipTC)
}

func TestPipeDelegation(t *testing.T) {
	s := NewState()
	connectShare(t, s, `\\srv\IPC$`, "IPC", 2)

	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdNTCreateAndX, tid: 2, uid: 1, mid: 30}, createReqBody(`\svcctl`))))
	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdNTCreateAndX, response: true, tid: 2, uid: 1, mid: 30}, createRespBody(0x11))))

	// a bound request record rides the write payload into the tunnel
	rpc := buildCORequest(t, 7, 4, []byte("rpc-stub"))
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdWriteAndX, tid: 2, uid: 1, mid: 31}, writeReqBody(0x11, 0, rpc))))

	pipe := s.Tree(1, 2).Pipe()
	require.NotNil(t, pipe)
	tx := pipe.Transaction(7)
	require.NotNil(t, tx)
	assert.Equal(t, uint16(4), tx.Opnum)
	assert.Equal(t, []byte("rpc-stub"), tx.ReqStub)
	assert.True(t, tx.ReqDone)
}

// buildCORequest serializes a little-endian connection-oriented RPC request.
func buildCORequest(t *testing.T, callID uint32, opnum uint16, stub []byte) []byte {
	t.Helper()
	out := make([]byte, 24)
	out[0] = 5 // rpc_vers
	out[2] = 0 // request
	out[3] = 0x01 | 0x02
	out[4] = 0x10 // little-endian drep
	binary.LittleEndian.PutUint16(out[8:10], uint16(24+len(stub)))
	binary.LittleEndian.PutUint32(out[12:16], callID)
	binary.LittleEndian.PutUint16(out[22:24], opnum)
	return append(out, stub...)
}

// buildCOResponse serializes a little-endian connection-oriented RPC response.
func buildCOResponse(t *testing.T, callID uint32, stub []byte) []byte {
	t.Helper()
	out := make([]byte, 24)
	out[0] = 5 // rpc_vers
	out[2] = 2 // response
	out[3] = 0x01 | 0x02
	out[4] = 0x10 // little-endian drep
	binary.LittleEndian.PutUint16(out[8:10], uint16(24+len(stub)))
	binary.LittleEndian.PutUint32(out[12:16], callID)
	return append(out, stub...)
}

func TestTransPipeDelegation(t *testing.T) {
	s := NewState()
	connectShare(t, s, `\\srv\IPC$`, "IPC", 2)

	// the request payload rides straight into the tunnel
	rpc := buildCORequest(t, 9, 2, []byte("trans-in"))
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdTrans, tid: 2, uid: 1, mid: 50}, transReqBody(`\PIPE\`, rpc))))

	pipe := s.Tree(1, 2).Pipe()
	require.NotNil(t, pipe)
	tx := pipe.Transaction(9)
	require.NotNil(t, tx)
	assert.Equal(t, uint16(2), tx.Opnum)
	assert.Equal(t, []byte("trans-in"), tx.ReqStub)
	assert.True(t, tx.ReqDone)

	// the response correlates on the stored exchange and feeds the other side
	resp := buildCOResponse(t, 9, []byte("trans-out"))
	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdTrans, response: true, tid: 2, uid: 1, mid: 50}, transRespBody(resp))))
	assert.Equal(t, []byte("trans-out"), tx.RespStub)
	assert.True(t, tx.RespDone)
}

func TestTransIgnoresOtherNames(t *testing.T) {
	s := NewState()
	connectShare(t, s, `\\srv\IPC$`, "IPC", 2)

	rpc := buildCORequest(t, 3, 1, []byte("x"))
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdTrans, tid: 2, uid: 1, mid: 51}, transReqBody(`\PIPE\LANMAN`, rpc))))
	assert.Nil(t, s.Tree(1, 2).Pipe().Transaction(3))
}

func TestMalformedRecordStateEvent(t *testing.T) {
	s := NewState()
	bad := buildRecord(hdrFields{cmd: CmdNegotiate, uid: 1, mid: 1}, nil)
	bad[1] = 'X' // breaks the magic
	assert.Error(t, s.Parse(applayer.ToServer, bad))

	// no transaction exists to carry the anomaly; it lands on the flow
	assert.Equal(t, uint64(0), s.TxCount())
	assert.Equal(t, []int{EventMalformedData}, s.StateEvents())

	// a short header is incomplete, never an anomaly
	assert.Error(t, s.Parse(applayer.ToServer, buildRecord(hdrFields{}, nil)[:20]))
	assert.Len(t, s.StateEvents(), 1)
}

func TestNoResponseCommands(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdNTCancel, uid: 1, mid: 40}, buildBody(nil, nil))))
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdTrans2Secondary, uid: 1, mid: 41}, buildBody(nil, nil))))

	for id := uint64(1); id <= 2; id++ {
		tx := s.GetTx(id)
		assert.Equal(t, applayer.ProgressComplete, tx.Progress(applayer.ToClient), "tx %d", id)
	}
}

func TestOldestIncompleteMatchWins(t *testing.T) {
	s := NewState()
	req := buildRecord(hdrFields{cmd: CmdNegotiate, uid: 1, mid: 7}, negotiateReqBody("NT LM 0.12"))
	require.NoError(t, s.Parse(applayer.ToServer, req))
	require.NoError(t, s.Parse(applayer.ToServer, req))

	resp := buildRecord(hdrFields{cmd: CmdNegotiate, response: true, uid: 1, mid: 7, status: 1}, buildBody([]byte{0, 0}, nil))
	require.NoError(t, s.Parse(applayer.ToClient, resp))

	first := s.GetTx(1).(*Transaction)
	second := s.GetTx(2).(*Transaction)
	assert.True(t, first.respDone)
	assert.False(t, second.respDone)
	assert.Equal(t, uint32(1), first.NTStatus)
}

func TestForcedCompletion(t *testing.T) {
	viper.Set("smb.max_tx", 3)
	t.Cleanup(func() { viper.Set("smb.max_tx", DefaultMaxTx) })

	s := NewState()
	for mid := uint16(0); mid < 5; mid++ {
		require.NoError(t, s.Parse(applayer.ToServer,
			buildRecord(hdrFields{cmd: CmdNegotiate, uid: 1, mid: mid}, negotiateReqBody("NT LM 0.12"))))
	}
	assert.Equal(t, uint64(5), s.TxCount())

	open := 0
	for _, tx := range s.txs {
		if !tx.respDone {
			open++
		}
	}
	assert.LessOrEqual(t, open, 3)
	assert.True(t, s.txs[0].respDone)
}

func TestLifecycle(t *testing.T) {
	s := NewState()
	for mid := uint16(1); mid <= 3; mid++ {
		require.NoError(t, s.Parse(applayer.ToServer,
			buildRecord(hdrFields{cmd: CmdNegotiate, uid: 1, mid: mid}, negotiateReqBody("NT LM 0.12"))))
	}

	var cursor uint64
	seen := []uint64{}
	for {
		tx, id, more := s.TxIterator(2, &cursor)
		if tx == nil {
			break
		}
		// iterator and direct lookup agree on identity
		assert.Equal(t, tx, s.GetTx(id))
		seen = append(seen, id)
		if !more {
			break
		}
	}
	assert.Equal(t, []uint64{2, 3}, seen)

	s.FreeTx(2)
	assert.Nil(t, s.GetTx(2))
	assert.Equal(t, uint64(3), s.TxCount())
	assert.Equal(t, 0, s.completedIdx)
}

func TestMatchPredicates(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Parse(applayer.ToServer,
		buildRecord(hdrFields{cmd: CmdNegotiate, uid: 1, mid: 1}, negotiateReqBody("NT LM 0.12"))))
	tx := s.GetTx(1).(*Transaction)

	c, err := detect.ParseCriterion("114") // 0x72
	require.NoError(t, err)
	assert.True(t, MatchCommand(tx, c))

	require.NoError(t, s.Parse(applayer.ToClient,
		buildRecord(hdrFields{cmd: CmdNegotiate, response: true, uid: 1, mid: 1, status: 5}, buildBody([]byte{0, 0}, nil))))
	c, err = detect.ParseCriterion("!5")
	require.NoError(t, err)
	assert.False(t, MatchNTStatus(tx, c))
}

func TestFreeState(t *testing.T) {
	s := NewState()
	connectShare(t, s, `\\srv\docs`, "A:", 5)
	s.Free()
	assert.Nil(t, s.GetTx(1))
	assert.Nil(t, s.Tree(1, 5))
}

func TestProbe(t *testing.T) {
	p := NewParser()

	req := buildRecord(hdrFields{cmd: CmdNegotiate, uid: 1, mid: 1}, nil)
	res := p.Probe(req, applayer.ToClient)
	assert.True(t, res.Match)
	require.True(t, res.HasDirHint)
	assert.Equal(t, applayer.ToServer, res.DirHint)

	resp := buildRecord(hdrFields{cmd: CmdNegotiate, response: true, uid: 1, mid: 1}, nil)
	res = p.Probe(resp, applayer.ToServer)
	require.True(t, res.HasDirHint)
	assert.Equal(t, applayer.ToClient, res.DirHint)

	assert.False(t, p.Probe([]byte("SSH-2.0-x"), applayer.ToServer).Match)
}
