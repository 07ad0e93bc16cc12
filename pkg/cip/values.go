package cip

import (
	"bytes"
	"encoding/binary"
)

// EncodeValue writes the wire representation of the attribute storage pointed
// to by data, dispatching on the type tag.
func EncodeValue(buf *bytes.Buffer, t DataType, data any) error {
	switch t {
	case TypeBOOL:
		v, ok := data.(*bool)
		if !ok {
			return Error{Status: StatusInvalidAttributeValue}
		}
		if *v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TypeSINT, TypeUSINT, TypeBYTE:
		return binary.Write(buf, binary.LittleEndian, data)
	case TypeINT, TypeUINT, TypeWORD:
		return binary.Write(buf, binary.LittleEndian, data)
	case TypeDINT, TypeUDINT, TypeDWORD, TypeREAL:
		return binary.Write(buf, binary.LittleEndian, data)
	case TypeLINT, TypeULINT, TypeLWORD, TypeLREAL:
		return binary.Write(buf, binary.LittleEndian, data)
	case TypeSHORT_STRING:
		v, ok := data.(*ShortString)
		if !ok {
			return Error{Status: StatusInvalidAttributeValue}
		}
		buf.WriteByte(byte(len(*v)))
		buf.WriteString(string(*v))
	case TypeSTRING:
		v, ok := data.(*string)
		if !ok {
			return Error{Status: StatusInvalidAttributeValue}
		}
		binary.Write(buf, binary.LittleEndian, uint16(len(*v)))
		buf.WriteString(*v)
		if len(*v)%2 != 0 {
			buf.WriteByte(0)
		}
	case TypeEPATH:
		v, ok := data.(*Path)
		if !ok {
			return Error{Status: StatusInvalidAttributeValue}
		}
		buf.WriteByte(v.LenWords())
		buf.Write(v.Bytes())
	case TypeByteArray:
		v, ok := data.(*ByteArray)
		if !ok {
			return Error{Status: StatusInvalidAttributeValue}
		}
		buf.Write(v.Data)
	case TypeRevision:
		v, ok := data.(*Revision)
		if !ok {
			return Error{Status: StatusInvalidAttributeValue}
		}
		buf.WriteByte(byte(v.Major))
		buf.WriteByte(byte(v.Minor))
	default:
		return Error{Status: StatusAttributeNotSupported}
	}
	return nil
}

// DecodeValue parses the wire representation in raw into the attribute
// storage pointed to by data. It returns the number of bytes consumed.
func DecodeValue(t DataType, data any, raw []byte) (int, error) {
	need := func(n int) error {
		if len(raw) < n {
			return Error{Status: StatusNotEnoughData}
		}
		return nil
	}
	switch t {
	case TypeBOOL:
		v, ok := data.(*bool)
		if !ok {
			return 0, Error{Status: StatusInvalidAttributeValue}
		}
		if err := need(1); err != nil {
			return 0, err
		}
		*v = raw[0] != 0
		return 1, nil
	case TypeSINT, TypeUSINT, TypeBYTE:
		if err := need(1); err != nil {
			return 0, err
		}
		return 1, binary.Read(bytes.NewReader(raw[:1]), binary.LittleEndian, data)
	case TypeINT, TypeUINT, TypeWORD:
		if err := need(2); err != nil {
			return 0, err
		}
		return 2, binary.Read(bytes.NewReader(raw[:2]), binary.LittleEndian, data)
	case TypeDINT, TypeUDINT, TypeDWORD, TypeREAL:
		if err := need(4); err != nil {
			return 0, err
		}
		return 4, binary.Read(bytes.NewReader(raw[:4]), binary.LittleEndian, data)
	case TypeLINT, TypeULINT, TypeLWORD, TypeLREAL:
		if err := need(8); err != nil {
			return 0, err
		}
		return 8, binary.Read(bytes.NewReader(raw[:8]), binary.LittleEndian, data)
	case TypeSHORT_STRING:
		v, ok := data.(*ShortString)
		if !ok {
			return 0, Error{Status: StatusInvalidAttributeValue}
		}
		if err := need(1); err != nil {
			return 0, err
		}
		n := int(raw[0])
		if err := need(1 + n); err != nil {
			return 0, err
		}
		*v = ShortString(raw[1 : 1+n])
		return 1 + n, nil
	case TypeByteArray:
		v, ok := data.(*ByteArray)
		if !ok {
			return 0, Error{Status: StatusInvalidAttributeValue}
		}
		if len(raw) != len(v.Data) {
			if len(raw) < len(v.Data) {
				return 0, Error{Status: StatusNotEnoughData}
			}
			return 0, Error{Status: StatusTooMuchData}
		}
		copy(v.Data, raw)
		return len(raw), nil
	default:
		return 0, Error{Status: StatusAttributeNotSupported}
	}
}
