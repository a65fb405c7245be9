// Package dcerpc parses DCERPC: the connectionless datagram variant seen over
// UDP and the connection-oriented variant tunneled through named pipes.
package dcerpc

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/endorses/clawcat/internal/pkg/wire"
)

// Packet types shared by both transport variants.
const (
	PtypeRequest  = 0
	PtypePing     = 1
	PtypeResponse = 2
	PtypeFault    = 3
	PtypeAck      = 7
	PtypeFack     = 9
	PtypeBind     = 11
	PtypeBindAck  = 12
)

// flags1 bits of the datagram header.
const (
	Flags1LastFrag = 0x02
	Flags1Frag     = 0x04
)

// pfc_flags bits of the connection-oriented header.
const (
	PfcFirstFrag = 0x01
	PfcLastFrag  = 0x02
)

// UDPHeaderLen is the fixed size of the datagram header.
const UDPHeaderLen = 80

// drepLittleEndian in drep[0] selects little-endian integer representation
// for every numeric field that follows the drep bytes.
const drepLittleEndian = 0x10

// UDPHeader is the fixed 80-byte datagram header.
type UDPHeader struct {
	RpcVers    uint8
	Ptype      uint8
	Flags1     uint8
	Flags2     uint8
	Drep       [3]uint8
	SerialHi   uint8
	ObjectUUID uuid.UUID
	IfID       uuid.UUID
	ActivityID uuid.UUID
	ServerBoot uint32
	IfVers     uint32
	SeqNum     uint32
	Opnum      uint16
	IHint      uint16
	AHint      uint16
	FragLen    uint16
	FragNum    uint16
	AuthProto  uint8
	SerialLo   uint8
}

// ParseUDPHeader decodes the datagram header. The drep byte decides the byte
// order of everything numeric after it.
func ParseUDPHeader(input []byte) (UDPHeader, error) {
	r := wire.NewReader(input)
	var h UDPHeader
	var err error

	if h.RpcVers, err = r.Uint8(); err != nil {
		return UDPHeader{}, err
	}
	if h.Ptype, err = r.Uint8(); err != nil {
		return UDPHeader{}, err
	}
	if h.Flags1, err = r.Uint8(); err != nil {
		return UDPHeader{}, err
	}
	if h.Flags2, err = r.Uint8(); err != nil {
		return UDPHeader{}, err
	}
	drep, err := r.Take(3)
	if err != nil {
		return UDPHeader{}, err
	}
	copy(h.Drep[:], drep)
	if h.Drep[0]&drepLittleEndian != 0 {
		r.SetOrder(binary.LittleEndian)
	}
	if h.SerialHi, err = r.Uint8(); err != nil {
		return UDPHeader{}, err
	}

	for _, dst := range []*uuid.UUID{&h.ObjectUUID, &h.IfID, &h.ActivityID} {
		raw, err := r.Take(16)
		if err != nil {
			return UDPHeader{}, err
		}
		u, err := uuid.FromBytes(raw)
		if err != nil {
			return UDPHeader{}, wire.ErrMalformed
		}
		*dst = u
	}

	if h.ServerBoot, err = r.Uint32(); err != nil {
		return UDPHeader{}, err
	}
	if h.IfVers, err = r.Uint32(); err != nil {
		return UDPHeader{}, err
	}
	if h.SeqNum, err = r.Uint32(); err != nil {
		return UDPHeader{}, err
	}
	if h.Opnum, err = r.Uint16(); err != nil {
		return UDPHeader{}, err
	}
	if h.IHint, err = r.Uint16(); err != nil {
		return UDPHeader{}, err
	}
	if h.AHint, err = r.Uint16(); err != nil {
		return UDPHeader{}, err
	}
	if h.FragLen, err = r.Uint16(); err != nil {
		return UDPHeader{}, err
	}
	if h.FragNum, err = r.Uint16(); err != nil {
		return UDPHeader{}, err
	}
	if h.AuthProto, err = r.Uint8(); err != nil {
		return UDPHeader{}, err
	}
	if h.SerialLo, err = r.Uint8(); err != nil {
		return UDPHeader{}, err
	}
	return h, nil
}

// FragDone reports whether this fragment completes its direction: unfragmented
// datagrams and last fragments both close the stub.
func (h *UDPHeader) FragDone() bool {
	return h.Flags1&Flags1Frag == 0 || h.Flags1&Flags1LastFrag != 0
}
