// Package ssh parses the cleartext prelude of SSH flows: the identification
// banner and the key-exchange negotiation, enough to fingerprint both peers
// before the channel goes opaque.
package ssh

import (
	"bytes"

	"github.com/endorses/clawcat/internal/pkg/wire"
)

// Message codes for the binary packet stage.
const (
	MsgDisconnect     = 1
	MsgIgnore         = 2
	MsgUnimplemented  = 3
	MsgDebug          = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6
	MsgKexInit        = 20
	MsgNewKeys        = 21
	MsgKexdhInit      = 30
	MsgKexdhReply     = 31
)

var bannerPrefix = []byte("SSH-")

// Banner is a decoded identification line.
type Banner struct {
	ProtoVersion    []byte
	SoftwareVersion []byte
}

// ParseBanner decodes an identification line of the form
// "SSH-protoversion-softwareversion comments". The line must already be
// stripped of its terminator (see wire.Line). Anything after the first space
// is comments and is discarded.
func ParseBanner(line []byte) (Banner, error) {
	if !bytes.HasPrefix(line, bannerPrefix) {
		return Banner{}, wire.ErrMalformed
	}
	rest := line[len(bannerPrefix):]

	dash := bytes.IndexByte(rest, '-')
	if dash < 0 {
		return Banner{}, wire.ErrMalformed
	}
	proto := rest[:dash]
	sw := rest[dash+1:]

	if sp := bytes.IndexByte(sw, ' '); sp >= 0 {
		sw = sw[:sp]
	}
	return Banner{ProtoVersion: proto, SoftwareVersion: sw}, nil
}

// RecordHeader is the fixed prefix of one binary packet.
type RecordHeader struct {
	PktLen     uint32
	PaddingLen uint8
	MsgCode    uint8
}

// ParseRecordHeader decodes the 6-byte binary packet prefix. Packet lengths of
// 0 and 1 cannot hold the mandatory padding-length and message-code bytes and
// are rejected as malformed.
func ParseRecordHeader(input []byte) (RecordHeader, error) {
	r := wire.NewReader(input)

	pktLen, err := r.Uint32()
	if err != nil {
		return RecordHeader{}, err
	}
	if pktLen <= 1 {
		return RecordHeader{}, wire.ErrMalformed
	}
	padding, err := r.Uint8()
	if err != nil {
		return RecordHeader{}, err
	}
	code, err := r.Uint8()
	if err != nil {
		return RecordHeader{}, err
	}
	return RecordHeader{PktLen: pktLen, PaddingLen: padding, MsgCode: code}, nil
}

// KexInit is a decoded SSH_MSG_KEXINIT payload: the algorithm name-lists both
// sides advertise during negotiation.
type KexInit struct {
	Cookie                 [16]byte
	KexAlgs                []byte
	ServerHostKeyAlgs      []byte
	EncrAlgsClientToServer []byte
	EncrAlgsServerToClient []byte
	MacAlgsClientToServer  []byte
	MacAlgsServerToClient  []byte
	CompAlgsClientToServer []byte
	CompAlgsServerToClient []byte
	LangsClientToServer    []byte
	LangsServerToClient    []byte
	FirstKexPacketFollows  uint8
}

// ParseKexInit decodes the kexinit payload starting after the message code.
func ParseKexInit(input []byte) (KexInit, error) {
	r := wire.NewReader(input)
	var k KexInit

	cookie, err := r.Take(16)
	if err != nil {
		return KexInit{}, err
	}
	copy(k.Cookie[:], cookie)

	lists := []*[]byte{
		&k.KexAlgs,
		&k.ServerHostKeyAlgs,
		&k.EncrAlgsClientToServer,
		&k.EncrAlgsServerToClient,
		&k.MacAlgsClientToServer,
		&k.MacAlgsServerToClient,
		&k.CompAlgsClientToServer,
		&k.CompAlgsServerToClient,
		&k.LangsClientToServer,
		&k.LangsServerToClient,
	}
	for _, dst := range lists {
		v, err := r.String32()
		if err != nil {
			return KexInit{}, err
		}
		*dst = v
	}

	if k.FirstKexPacketFollows, err = r.Uint8(); err != nil {
		return KexInit{}, err
	}
	// 4 reserved bytes close the payload
	if err := r.Skip(4); err != nil {
		return KexInit{}, err
	}
	return k, nil
}
