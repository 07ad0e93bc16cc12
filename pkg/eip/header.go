package eip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed encapsulation header length.
const HeaderSize = 24

// SessionHandle identifies a registered encapsulation session. Handles are
// slot-index + 1, so zero is never a valid handle.
type SessionHandle uint32

// EncapsulationHeader represents the 24-byte EIP header.
type EncapsulationHeader struct {
	Command       Command
	Length        uint16 // length of the data following the header
	SessionHandle SessionHandle
	Status        uint32
	SenderContext [8]byte
	Options       uint32
}

// Encode writes the header to the writer.
func (h *EncapsulationHeader) Encode(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, h)
}

// Decode reads the header from the reader.
func (h *EncapsulationHeader) Decode(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, h)
}

// Bytes returns the byte slice of the header.
func (h *EncapsulationHeader) Bytes() []byte {
	buf := new(bytes.Buffer)
	h.Encode(buf)
	return buf.Bytes()
}

// String returns a string representation of the header.
func (h *EncapsulationHeader) String() string {
	return fmt.Sprintf("Cmd: %s (0x%04X), Len: %d, Session: 0x%08X, Status: 0x%08X",
		h.Command, uint16(h.Command), h.Length, h.SessionHandle, h.Status)
}

// DecodeFrame splits a full encapsulation frame into header and payload. The
// payload length must match the header length field exactly.
func DecodeFrame(frame []byte) (*EncapsulationHeader, []byte, error) {
	if len(frame) < HeaderSize {
		return nil, nil, fmt.Errorf("eip: frame shorter than header: %d bytes", len(frame))
	}
	h := &EncapsulationHeader{}
	if err := h.Decode(bytes.NewReader(frame[:HeaderSize])); err != nil {
		return nil, nil, err
	}
	if int(h.Length) != len(frame)-HeaderSize {
		return nil, nil, fmt.Errorf("eip: header length %d does not match payload %d",
			h.Length, len(frame)-HeaderSize)
	}
	return h, frame[HeaderSize:], nil
}
