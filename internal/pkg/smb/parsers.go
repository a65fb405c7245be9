package smb

import (
	"encoding/binary"

	"github.com/endorses/clawcat/internal/pkg/wire"
)

// splitWordsBytes carves a command body into its parameter-word block and its
// byte block. Word count is in 2-byte units; the byte count is little-endian.
func splitWordsBytes(data []byte) (words, byteBlock []byte, err error) {
	r := wire.NewReader(data)
	r.SetOrder(binary.LittleEndian)

	wct, err := r.Uint8()
	if err != nil {
		return nil, nil, err
	}
	if words, err = r.Take(2 * int(wct)); err != nil {
		return nil, nil, err
	}
	bcc, err := r.Uint16()
	if err != nil {
		return nil, nil, err
	}
	if byteBlock, err = r.Take(int(bcc)); err != nil {
		return nil, nil, err
	}
	return words, byteBlock, nil
}

// NegotiateRequest lists the dialects a client offers.
type NegotiateRequest struct {
	Dialects [][]byte
}

// ParseNegotiateRequest decodes the dialect list: each entry is a 0x02 marker
// followed by a NUL-terminated name.
func ParseNegotiateRequest(data []byte) (NegotiateRequest, error) {
	_, bb, err := splitWordsBytes(data)
	if err != nil {
		return NegotiateRequest{}, err
	}
	r := wire.NewReader(bb)
	var req NegotiateRequest
	for r.Len() > 0 {
		marker, err := r.Uint8()
		if err != nil {
			return NegotiateRequest{}, err
		}
		if marker != 0x02 {
			return NegotiateRequest{}, wire.ErrMalformed
		}
		name, err := r.CString()
		if err != nil {
			return NegotiateRequest{}, err
		}
		req.Dialects = append(req.Dialects, name)
	}
	return req, nil
}

// NegotiateResponse carries the index of the dialect the server picked.
type NegotiateResponse struct {
	DialectIdx uint16
}

func ParseNegotiateResponse(data []byte) (NegotiateResponse, error) {
	words, _, err := splitWordsBytes(data)
	if err != nil {
		return NegotiateResponse{}, err
	}
	if len(words) < 2 {
		return NegotiateResponse{}, wire.ErrMalformed
	}
	return NegotiateResponse{DialectIdx: binary.LittleEndian.Uint16(words[:2])}, nil
}

// TreeConnectRequest names the share a client attaches to.
type TreeConnectRequest struct {
	Path    []byte
	Service []byte
}

func ParseTreeConnectRequest(data []byte) (TreeConnectRequest, error) {
	words, bb, err := splitWordsBytes(data)
	if err != nil {
		return TreeConnectRequest{}, err
	}
	// andx block, flags, then the password length
	if len(words) < 8 {
		return TreeConnectRequest{}, wire.ErrMalformed
	}
	pwdLen := binary.LittleEndian.Uint16(words[6:8])

	r := wire.NewReader(bb)
	if err := r.Skip(int(pwdLen)); err != nil {
		return TreeConnectRequest{}, err
	}
	var req TreeConnectRequest
	if req.Path, err = r.CString(); err != nil {
		return TreeConnectRequest{}, err
	}
	if req.Service, err = r.CString(); err != nil {
		return TreeConnectRequest{}, err
	}
	return req, nil
}

// TreeConnectResponse carries the service type the server granted.
type TreeConnectResponse struct {
	Service []byte
}

func ParseTreeConnectResponse(data []byte) (TreeConnectResponse, error) {
	_, bb, err := splitWordsBytes(data)
	if err != nil {
		return TreeConnectResponse{}, err
	}
	r := wire.NewReader(bb)
	var resp TreeConnectResponse
	if resp.Service, err = r.CString(); err != nil {
		return TreeConnectResponse{}, err
	}
	return resp, nil
}

// CreateRequest names the file being opened or created.
type CreateRequest struct {
	FileName []byte
}

func ParseCreateRequest(data []byte) (CreateRequest, error) {
	_, bb, err := splitWordsBytes(data)
	if err != nil {
		return CreateRequest{}, err
	}
	r := wire.NewReader(bb)
	var req CreateRequest
	if req.FileName, err = r.CString(); err != nil {
		return CreateRequest{}, err
	}
	return req, nil
}

// CreateResponse carries the granted file handle.
type CreateResponse struct {
	FID uint16
}

func ParseCreateResponse(data []byte) (CreateResponse, error) {
	words, _, err := splitWordsBytes(data)
	if err != nil {
		return CreateResponse{}, err
	}
	// andx block and oplock level precede the handle
	if len(words) < 7 {
		return CreateResponse{}, wire.ErrMalformed
	}
	return CreateResponse{FID: binary.LittleEndian.Uint16(words[5:7])}, nil
}

// ReadRequest asks for a byte range of an open handle.
type ReadRequest struct {
	FID    uint16
	Offset uint64
}

func ParseReadRequest(data []byte) (ReadRequest, error) {
	words, _, err := splitWordsBytes(data)
	if err != nil {
		return ReadRequest{}, err
	}
	if len(words) < 10 {
		return ReadRequest{}, wire.ErrMalformed
	}
	return ReadRequest{
		FID:    binary.LittleEndian.Uint16(words[4:6]),
		Offset: uint64(binary.LittleEndian.Uint32(words[6:10])),
	}, nil
}

// ReadResponse returns file or pipe data. DataLength is what the server
// declares; Data is what this record actually carries, which can be less when
// the rest rides in later segments.
type ReadResponse struct {
	DataLength uint16
	Data       []byte
}

func ParseReadResponse(data []byte) (ReadResponse, error) {
	words, bb, err := splitWordsBytes(data)
	if err != nil {
		return ReadResponse{}, err
	}
	if len(words) < 12 {
		return ReadResponse{}, wire.ErrMalformed
	}
	return ReadResponse{
		DataLength: binary.LittleEndian.Uint16(words[10:12]),
		Data:       bb,
	}, nil
}

// WriteRequest pushes data to an open handle.
type WriteRequest struct {
	FID        uint16
	Offset     uint64
	DataLength uint16
	Data       []byte
}

func ParseWriteRequest(data []byte) (WriteRequest, error) {
	words, bb, err := splitWordsBytes(data)
	if err != nil {
		return WriteRequest{}, err
	}
	if len(words) < 22 {
		return WriteRequest{}, wire.ErrMalformed
	}
	return WriteRequest{
		FID:        binary.LittleEndian.Uint16(words[4:6]),
		Offset:     uint64(binary.LittleEndian.Uint32(words[6:10])),
		DataLength: binary.LittleEndian.Uint16(words[20:22]),
		Data:       bb,
	}, nil
}

// TransRequest is a named transaction. Name addresses the target; Data is the
// payload carried toward it.
type TransRequest struct {
	Name []byte
	Data []byte
}

func ParseTransRequest(data []byte) (TransRequest, error) {
	words, bb, err := splitWordsBytes(data)
	if err != nil {
		return TransRequest{}, err
	}
	// 14 fixed words plus the setup words
	if len(words) < 28 {
		return TransRequest{}, wire.ErrMalformed
	}
	dataCount := binary.LittleEndian.Uint16(words[22:24])
	if setup := int(words[26]); len(words) < 28+2*setup {
		return TransRequest{}, wire.ErrMalformed
	}

	r := wire.NewReader(bb)
	var req TransRequest
	if req.Name, err = r.CString(); err != nil {
		return TransRequest{}, err
	}
	rest := r.Rest()
	if int(dataCount) > len(rest) {
		return TransRequest{}, wire.ErrMalformed
	}
	// parameters and pad bytes precede the payload
	req.Data = rest[len(rest)-int(dataCount):]
	return req, nil
}

// TransResponse carries the payload coming back from a named transaction.
type TransResponse struct {
	Data []byte
}

func ParseTransResponse(data []byte) (TransResponse, error) {
	words, bb, err := splitWordsBytes(data)
	if err != nil {
		return TransResponse{}, err
	}
	if len(words) < 20 {
		return TransResponse{}, wire.ErrMalformed
	}
	dataCount := binary.LittleEndian.Uint16(words[12:14])
	if int(dataCount) > len(bb) {
		return TransResponse{}, wire.ErrMalformed
	}
	return TransResponse{Data: bb[len(bb)-int(dataCount):]}, nil
}

// CloseRequest releases a file handle.
type CloseRequest struct {
	FID uint16
}

func ParseCloseRequest(data []byte) (CloseRequest, error) {
	words, _, err := splitWordsBytes(data)
	if err != nil {
		return CloseRequest{}, err
	}
	if len(words) < 2 {
		return CloseRequest{}, wire.ErrMalformed
	}
	return CloseRequest{FID: binary.LittleEndian.Uint16(words[:2])}, nil
}
