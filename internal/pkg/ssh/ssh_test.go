package ssh

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/clawcat/internal/pkg/applayer"
)

func TestParseBanner(t *testing.T) {
	b, err := ParseBanner([]byte("SSH-2.0-OpenSSH_8.1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2.0"), b.ProtoVersion)
	assert.Equal(t, []byte("OpenSSH_8.1"), b.SoftwareVersion)
}

func TestParseBannerComments(t *testing.T) {
	b, err := ParseBanner([]byte("SSH-1.99-OpenSSH_3.9p1 Debian trailing"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1.99"), b.ProtoVersion)
	assert.Equal(t, []byte("OpenSSH_3.9p1"), b.SoftwareVersion)
}

func TestParseBannerRejects(t *testing.T) {
	_, err := ParseBanner([]byte("HTTP/1.1 200 OK"))
	assert.Error(t, err)

	// missing the dash between version fields
	_, err = ParseBanner([]byte("SSH-2.0"))
	assert.Error(t, err)
}

func TestParseRecordHeader(t *testing.T) {
	hdr, err := ParseRecordHeader([]byte{0, 0, 0, 12, 4, 20})
	require.NoError(t, err)
	assert.Equal(t, uint32(12), hdr.PktLen)
	assert.Equal(t, uint8(4), hdr.PaddingLen)
	assert.Equal(t, uint8(MsgKexInit), hdr.MsgCode)

	// packet lengths 0 and 1 cannot hold the mandatory fields
	_, err = ParseRecordHeader([]byte{0, 0, 0, 1, 0, 0})
	assert.Error(t, err)
	_, err = ParseRecordHeader([]byte{0, 0, 0, 0, 0, 0})
	assert.Error(t, err)

	_, err = ParseRecordHeader([]byte{0, 0, 0})
	assert.Error(t, err)
}

// kexLists is the order ParseKexInit consumes name-lists in.
type kexLists struct {
	kex, shk         string
	encrC2S, encrS2C string
	macC2S, macS2C   string
	compC2S, compS2C string
	langC2S, langS2C string
}

func buildKexInitPayload(l kexLists) []byte {
	out := make([]byte, 16) // zero cookie
	for _, s := range []string{
		l.kex, l.shk, l.encrC2S, l.encrS2C,
		l.macC2S, l.macS2C, l.compC2S, l.compS2C,
		l.langC2S, l.langS2C,
	} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(s)))
		out = append(out, s...)
	}
	out = append(out, 0)          // first_kex_packet_follows
	out = append(out, 0, 0, 0, 0) // reserved
	return out
}

// buildRecord wraps a message code and payload into one binary packet.
func buildRecord(msgCode byte, payload []byte, paddingLen int) []byte {
	pktLen := 2 + len(payload) + paddingLen
	out := binary.BigEndian.AppendUint32(nil, uint32(pktLen))
	out = append(out, byte(paddingLen), msgCode)
	out = append(out, payload...)
	out = append(out, make([]byte, paddingLen)...)
	return out
}

var testLists = kexLists{
	kex:     "curve25519-sha256",
	shk:     "ssh-ed25519",
	encrC2S: "aes128-ctr",
	encrS2C: "aes256-ctr",
	macC2S:  "hmac-sha2-256",
	macS2C:  "hmac-sha2-512",
	compC2S: "none",
	compS2C: "none",
}

func TestParseKexInit(t *testing.T) {
	k, err := ParseKexInit(buildKexInitPayload(testLists))
	require.NoError(t, err)
	assert.Equal(t, []byte("curve25519-sha256"), k.KexAlgs)
	assert.Equal(t, []byte("aes128-ctr"), k.EncrAlgsClientToServer)
	assert.Equal(t, []byte("hmac-sha2-512"), k.MacAlgsServerToClient)
	assert.Empty(t, k.LangsClientToServer)

	_, err = ParseKexInit(buildKexInitPayload(testLists)[:20])
	assert.Error(t, err)
}

func TestFingerprintGolden(t *testing.T) {
	k, err := ParseKexInit(buildKexInitPayload(testLists))
	require.NoError(t, err)

	// md5("curve25519-sha256;aes128-ctr;hmac-sha2-256;none")
	assert.Equal(t, "curve25519-sha256;aes128-ctr;hmac-sha2-256;none",
		string(FingerprintString(&k, applayer.ToServer)))
	assert.Equal(t, "e97d07603350d1111ec2b64bf25413c9",
		Fingerprint(&k, applayer.ToServer))
}

func TestFingerprintDirectionalLists(t *testing.T) {
	k, err := ParseKexInit(buildKexInitPayload(kexLists{
		kex:     "curve25519-sha256,ecdh-sha2-nistp256",
		encrS2C: "chacha20-poly1305@openssh.com,aes256-gcm@openssh.com",
		macS2C:  "hmac-sha2-256",
		compS2C: "none,zlib@openssh.com",
	}))
	require.NoError(t, err)
	assert.Equal(t, "b10994f44d23c22ccf2df7ae98a7ba73",
		Fingerprint(&k, applayer.ToClient))
}

func TestFingerprintDeterministic(t *testing.T) {
	k, err := ParseKexInit(buildKexInitPayload(testLists))
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(&k, applayer.ToClient), Fingerprint(&k, applayer.ToClient))
	assert.NotEqual(t, Fingerprint(&k, applayer.ToServer), Fingerprint(&k, applayer.ToClient))
}

func TestStateBannerThenKexInit(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Parse(applayer.ToServer, []byte("SSH-2.0-OpenSSH_8.1\r\n")))

	tx := s.GetTx(1)
	require.NotNil(t, tx)
	assert.Equal(t, StateBannerDone, tx.Progress(applayer.ToServer))
	assert.Equal(t, StateInProgress, tx.Progress(applayer.ToClient))
	assert.Equal(t, []byte("2.0"), s.tx.Client().ProtoVersion)
	assert.Equal(t, []byte("OpenSSH_8.1"), s.tx.Client().SoftwareVersion)

	rec := buildRecord(MsgKexInit, buildKexInitPayload(testLists), 4)
	require.NoError(t, s.Parse(applayer.ToServer, rec))
	assert.Equal(t, "e97d07603350d1111ec2b64bf25413c9", s.tx.Client().Hassh)

	require.NoError(t, s.Parse(applayer.ToServer, buildRecord(MsgNewKeys, nil, 6)))
	assert.Equal(t, StateFinished, tx.Progress(applayer.ToServer))
}

func TestStateChunkedDelivery(t *testing.T) {
	s := NewState()
	full := append([]byte("SSH-2.0-srv\n"), buildRecord(MsgKexInit, buildKexInitPayload(testLists), 4)...)

	// one byte at a time, no chunk boundary may matter
	for i := range full {
		require.NoError(t, s.Parse(applayer.ToClient, full[i:i+1]))
	}
	assert.Equal(t, "9c57946ab365c9be9627c40ff6066798", s.tx.Server().Hassh)
	assert.Equal(t, StateBannerDone, s.tx.Progress(applayer.ToClient))
}

func TestStateLoneTrailingCR(t *testing.T) {
	s := NewState()
	// a trailing CR may be half of a CRLF still in flight
	require.NoError(t, s.Parse(applayer.ToServer, []byte("SSH-2.0-srv\r")))
	assert.Equal(t, StateInProgress, s.tx.Progress(applayer.ToServer))

	require.NoError(t, s.Parse(applayer.ToServer, []byte("\n")))
	assert.Equal(t, StateBannerDone, s.tx.Progress(applayer.ToServer))
	assert.Equal(t, []byte("srv"), s.tx.Client().SoftwareVersion)
}

func TestStateInvalidBannerEvent(t *testing.T) {
	s := NewState()
	err := s.Parse(applayer.ToServer, []byte("GET / HTTP/1.1\r\n"))
	assert.Error(t, err)
	assert.True(t, s.tx.Data().HasEvent(EventInvalidBanner))
}

func TestStateMalformedRecordEvent(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Parse(applayer.ToServer, []byte("SSH-2.0-x\n")))

	// pkt_len of 1 cannot hold padding length and message code
	err := s.Parse(applayer.ToServer, []byte{0, 0, 0, 1, 0, 0})
	assert.Error(t, err)
	assert.True(t, s.tx.Data().HasEvent(EventMalformedData))
}

func TestStateLifecycle(t *testing.T) {
	s := NewState()
	assert.Equal(t, uint64(1), s.TxCount())

	var cursor uint64
	tx, id, hasMore := s.TxIterator(0, &cursor)
	require.NotNil(t, tx)
	assert.Equal(t, uint64(1), id)
	assert.False(t, hasMore)

	tx2, _, _ := s.TxIterator(0, &cursor)
	assert.Nil(t, tx2)

	s.FreeTx(1)
	assert.Nil(t, s.GetTx(1))

	s2 := NewState()
	s2.Free()
	assert.Nil(t, s2.GetTx(1))
}

func TestProbe(t *testing.T) {
	p := NewParser()
	assert.True(t, p.Probe([]byte("SSH-2.0-OpenSSH_8.1\r\n"), applayer.ToServer).Match)
	assert.True(t, p.Probe([]byte("SSH-"), applayer.ToClient).Match)
	assert.False(t, p.Probe([]byte("SSH"), applayer.ToServer).Match)
	assert.False(t, p.Probe([]byte("\x05\x00\x0b"), applayer.ToServer).Match)
}

func TestEventNameRoundTrip(t *testing.T) {
	table := NewParser().Events()
	for id := 0; id < table.Len(); id++ {
		info, ok := table.InfoByID(id)
		require.True(t, ok)
		back, ok := table.InfoByName(info.Name)
		require.True(t, ok)
		assert.Equal(t, id, back.ID)
	}
	_, ok := table.InfoByName("no_such_event")
	assert.False(t, ok)
}
