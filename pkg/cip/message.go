package cip

import (
	"bytes"
	"encoding/binary"
)

// MessageRouterRequest represents a request to the Message Router Object.
type MessageRouterRequest struct {
	Service     USINT
	RequestPath Path
	RequestData []byte
}

// Encode encodes the request into a byte slice.
func (r *MessageRouterRequest) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(r.Service))
	buf.WriteByte(r.RequestPath.LenWords())
	buf.Write(r.RequestPath.Bytes())
	buf.Write(r.RequestData)
	return buf.Bytes(), nil
}

// DecodeMessageRouterRequest decodes a byte slice into a MessageRouterRequest.
func DecodeMessageRouterRequest(data []byte) (*MessageRouterRequest, error) {
	if len(data) < 2 {
		return nil, Error{Status: StatusNotEnoughData}
	}
	r := &MessageRouterRequest{Service: USINT(data[0])}
	pathLen := int(data[1]) * 2
	if len(data) < 2+pathLen {
		return nil, Error{Status: StatusInvalidPathSize}
	}
	r.RequestPath = Path(append([]byte(nil), data[2:2+pathLen]...))
	if rest := data[2+pathLen:]; len(rest) > 0 {
		r.RequestData = append([]byte(nil), rest...)
	}
	return r, nil
}

// MessageRouterResponse represents a response from the Message Router Object.
type MessageRouterResponse struct {
	Service       USINT // reply service (request service | 0x80)
	Reserved      USINT
	GeneralStatus USINT
	ExtStatus     []UINT
	ResponseData  []byte
}

// Encode encodes the response into a byte slice.
func (r *MessageRouterResponse) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(r.Service))
	buf.WriteByte(byte(r.Reserved))
	buf.WriteByte(byte(r.GeneralStatus))
	buf.WriteByte(byte(len(r.ExtStatus)))
	for _, ext := range r.ExtStatus {
		binary.Write(buf, binary.LittleEndian, ext)
	}
	buf.Write(r.ResponseData)
	return buf.Bytes()
}

// DecodeMessageRouterResponse decodes a byte slice into a MessageRouterResponse.
func DecodeMessageRouterResponse(data []byte) (*MessageRouterResponse, error) {
	if len(data) < 4 {
		return nil, Error{Status: StatusNotEnoughData}
	}
	r := &MessageRouterResponse{
		Service:       USINT(data[0]),
		Reserved:      USINT(data[1]),
		GeneralStatus: USINT(data[2]),
	}
	extCount := int(data[3])
	if len(data) < 4+extCount*2 {
		return nil, Error{Status: StatusNotEnoughData}
	}
	for i := 0; i < extCount; i++ {
		r.ExtStatus = append(r.ExtStatus, UINT(binary.LittleEndian.Uint16(data[4+i*2:])))
	}
	if rest := data[4+extCount*2:]; len(rest) > 0 {
		r.ResponseData = append([]byte(nil), rest...)
	}
	return r, nil
}

// IsSuccess checks if the response indicates success.
func (r *MessageRouterResponse) IsSuccess() bool {
	return r.GeneralStatus == StatusSuccess
}

// Error returns a structured error if the response failed.
func (r *MessageRouterResponse) Error() error {
	if r.IsSuccess() {
		return nil
	}
	return Error{Status: r.GeneralStatus, ExtStatus: r.ExtStatus}
}

// FailureResponse builds an error response for the given request service.
func FailureResponse(service USINT, err error) *MessageRouterResponse {
	resp := &MessageRouterResponse{Service: service | 0x80}
	if cipErr, ok := err.(Error); ok {
		resp.GeneralStatus = cipErr.Status
		resp.ExtStatus = cipErr.ExtStatus
	} else {
		resp.GeneralStatus = StatusServiceNotSupported
	}
	return resp
}
