package eip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncapsulationHeader_RoundTrip(t *testing.T) {
	h := &EncapsulationHeader{
		Command:       CommandSendRRData,
		Length:        10,
		SessionHandle: 0x01020304,
		Status:        StatusSuccess,
		SenderContext: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}

	raw := h.Bytes()
	require.Len(t, raw, HeaderSize)

	decoded := &EncapsulationHeader{}
	require.NoError(t, decoded.Decode(bytes.NewReader(raw)))
	assert.Equal(t, h, decoded)
}

func TestEncapsulationHeader_WireLayout(t *testing.T) {
	h := &EncapsulationHeader{
		Command:       CommandRegisterSession,
		Length:        4,
		SessionHandle: 0xAABBCCDD,
		Status:        0x64,
	}
	raw := h.Bytes()

	// command and length are little-endian
	assert.Equal(t, []byte{0x65, 0x00}, raw[0:2])
	assert.Equal(t, []byte{0x04, 0x00}, raw[2:4])
	assert.Equal(t, []byte{0xDD, 0xCC, 0xBB, 0xAA}, raw[4:8])
	assert.Equal(t, []byte{0x64, 0x00, 0x00, 0x00}, raw[8:12])
}

func TestDecodeFrame(t *testing.T) {
	h := &EncapsulationHeader{Command: CommandListIdentity, Length: 2}
	frame := append(h.Bytes(), 0xAB, 0xCD)

	decoded, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, CommandListIdentity, decoded.Command)
	assert.Equal(t, []byte{0xAB, 0xCD}, payload)
}

func TestDecodeFrame_Errors(t *testing.T) {
	t.Run("short frame", func(t *testing.T) {
		_, _, err := DecodeFrame(make([]byte, 10))
		assert.Error(t, err)
	})

	t.Run("length mismatch", func(t *testing.T) {
		h := &EncapsulationHeader{Command: CommandNop, Length: 5}
		_, _, err := DecodeFrame(h.Bytes())
		assert.Error(t, err)
	})
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "RegisterSession", CommandRegisterSession.String())
	assert.Equal(t, "SendUnitData", CommandSendUnitData.String())
	assert.Contains(t, Command(0x1234).String(), "0x1234")
}
