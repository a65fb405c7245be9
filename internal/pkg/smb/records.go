// Package smb parses SMB1 record streams: command/response correlation across
// multiplexed exchanges, named-pipe tunneling toward the RPC layer, and file
// content extraction.
package smb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/endorses/clawcat/internal/pkg/wire"
)

// SMB1 command codes.
const (
	CmdClose           = 0x04
	CmdTrans           = 0x25
	CmdReadAndX        = 0x2e
	CmdWriteAndX       = 0x2f
	CmdTrans2Secondary = 0x33
	CmdTreeDisconnect  = 0x71
	CmdNegotiate       = 0x72
	CmdSessionSetupAnd = 0x73
	CmdTreeConnectAndX = 0x75
	CmdNTCreateAndX    = 0xa2
	CmdNTCancel        = 0xa4
)

// flags bit marking a record as a response.
const flagsResponse = 0x80

// HeaderLen is the fixed SMB1 header size including the magic.
const HeaderLen = 32

var smb1Magic = []byte{0xff, 'S', 'M', 'B'}

var commandNames = map[uint8]string{
	CmdClose:           "SMB1_COMMAND_CLOSE",
	CmdTrans:           "SMB1_COMMAND_TRANS",
	CmdReadAndX:        "SMB1_COMMAND_READ_ANDX",
	CmdWriteAndX:       "SMB1_COMMAND_WRITE_ANDX",
	CmdTrans2Secondary: "SMB1_COMMAND_TRANS2_SECONDARY",
	CmdTreeDisconnect:  "SMB1_COMMAND_TREE_DISCONNECT",
	CmdNegotiate:       "SMB1_COMMAND_NEGOTIATE_PROTOCOL",
	CmdSessionSetupAnd: "SMB1_COMMAND_SESSION_SETUP_ANDX",
	CmdTreeConnectAndX: "SMB1_COMMAND_TREE_CONNECT_ANDX",
	CmdNTCreateAndX:    "SMB1_COMMAND_NT_CREATE_ANDX",
	CmdNTCancel:        "SMB1_COMMAND_NT_CANCEL",
}

// CommandString names a command code for logs and rule writers.
func CommandString(cmd uint8) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("SMB1_COMMAND_0x%02x", cmd)
}

// Header is the fixed SMB1 record header.
type Header struct {
	Command  uint8
	NTStatus uint32
	Flags    uint8
	Flags2   uint16
	TreeID   uint16
	PID      uint32
	UID      uint16
	MID      uint16
}

// IsResponse reports the direction the record claims for itself.
func (h *Header) IsResponse() bool {
	return h.Flags&flagsResponse != 0
}

// Record is one parsed SMB1 record: the fixed header plus the command-specific
// remainder.
type Record struct {
	Header
	Data []byte
}

// ParseRecord decodes the 32-byte header and hands back the rest untouched.
// All numerics are little-endian.
func ParseRecord(input []byte) (Record, error) {
	if len(input) < len(smb1Magic) {
		return Record{}, wire.ErrIncomplete
	}
	if !bytes.Equal(input[:len(smb1Magic)], smb1Magic) {
		return Record{}, wire.ErrMalformed
	}

	r := wire.NewReader(input[len(smb1Magic):])
	r.SetOrder(binary.LittleEndian)

	var rec Record
	var err error
	if rec.Command, err = r.Uint8(); err != nil {
		return Record{}, err
	}
	if rec.NTStatus, err = r.Uint32(); err != nil {
		return Record{}, err
	}
	if rec.Flags, err = r.Uint8(); err != nil {
		return Record{}, err
	}
	if rec.Flags2, err = r.Uint16(); err != nil {
		return Record{}, err
	}
	pidHigh, err := r.Uint16()
	if err != nil {
		return Record{}, err
	}
	// 8 bytes security features + 2 reserved
	if err := r.Skip(10); err != nil {
		return Record{}, err
	}
	if rec.TreeID, err = r.Uint16(); err != nil {
		return Record{}, err
	}
	pidLow, err := r.Uint16()
	if err != nil {
		return Record{}, err
	}
	rec.PID = uint32(pidHigh)<<16 | uint32(pidLow)
	if rec.UID, err = r.Uint16(); err != nil {
		return Record{}, err
	}
	if rec.MID, err = r.Uint16(); err != nil {
		return Record{}, err
	}
	rec.Data = r.Rest()
	return rec, nil
}
