package eip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// CPF Item IDs
const (
	ItemIDNullAddress       uint16 = 0x0000
	ItemIDListIdentity      uint16 = 0x000C
	ItemIDConnectedAddress  uint16 = 0x00A1
	ItemIDConnectedData     uint16 = 0x00B1
	ItemIDUnconnectedData   uint16 = 0x00B2
	ItemIDListServices      uint16 = 0x0100
	ItemIDSockaddrInfoOtoT  uint16 = 0x8000
	ItemIDSockaddrInfoTtoO  uint16 = 0x8001
	ItemIDSequencedAddress  uint16 = 0x8002
)

// CPFItem represents a single item in the Common Packet Format.
type CPFItem struct {
	TypeID uint16
	Length uint16
	Data   []byte
}

// NewCPFItem creates a new CPF item.
func NewCPFItem(typeID uint16, data []byte) CPFItem {
	return CPFItem{
		TypeID: typeID,
		Length: uint16(len(data)),
		Data:   data,
	}
}

// NewConnectedAddressItem builds a Connected Address item carrying the
// connection identifier.
func NewConnectedAddressItem(connectionID uint32) CPFItem {
	data := binary.LittleEndian.AppendUint32(nil, connectionID)
	return NewCPFItem(ItemIDConnectedAddress, data)
}

// NewSequencedAddressItem builds a Sequenced Address item carrying the
// connection identifier and the EIP-level sequence number.
func NewSequencedAddressItem(connectionID, sequence uint32) CPFItem {
	data := binary.LittleEndian.AppendUint32(nil, connectionID)
	data = binary.LittleEndian.AppendUint32(data, sequence)
	return NewCPFItem(ItemIDSequencedAddress, data)
}

// ConnectionID extracts the connection identifier from a Connected or
// Sequenced Address item.
func (item *CPFItem) ConnectionID() (uint32, error) {
	if len(item.Data) < 4 {
		return 0, fmt.Errorf("eip: address item too short: %d bytes", len(item.Data))
	}
	return binary.LittleEndian.Uint32(item.Data[:4]), nil
}

// SequenceNumber extracts the EIP sequence number from a Sequenced Address item.
func (item *CPFItem) SequenceNumber() (uint32, error) {
	if item.TypeID != ItemIDSequencedAddress || len(item.Data) < 8 {
		return 0, fmt.Errorf("eip: not a sequenced address item")
	}
	return binary.LittleEndian.Uint32(item.Data[4:8]), nil
}

// Encode writes the CPF item to the writer.
func (item *CPFItem) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, item.TypeID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, item.Length); err != nil {
		return err
	}
	if item.Length > 0 {
		if _, err := w.Write(item.Data); err != nil {
			return err
		}
	}
	return nil
}

// SockAddr is the 16-byte socket address info carried in sockaddr items.
// Unlike the rest of the encapsulation, its fields are big-endian.
type SockAddr struct {
	Family uint16
	Port   uint16
	Addr   [4]byte
}

// NewSockAddrItem encodes a sockaddr info item for the given direction.
func NewSockAddrItem(typeID uint16, sa SockAddr) CPFItem {
	data := make([]byte, 16)
	binary.BigEndian.PutUint16(data[0:2], sa.Family)
	binary.BigEndian.PutUint16(data[2:4], sa.Port)
	copy(data[4:8], sa.Addr[:])
	return NewCPFItem(typeID, data)
}

// DecodeSockAddr parses the payload of a sockaddr info item.
func DecodeSockAddr(data []byte) (SockAddr, error) {
	var sa SockAddr
	if len(data) < 16 {
		return sa, fmt.Errorf("eip: sockaddr item too short: %d bytes", len(data))
	}
	sa.Family = binary.BigEndian.Uint16(data[0:2])
	sa.Port = binary.BigEndian.Uint16(data[2:4])
	copy(sa.Addr[:], data[4:8])
	return sa, nil
}

// UDPAddr converts the sockaddr to a net.UDPAddr.
func (sa SockAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(sa.Addr[:]), Port: int(sa.Port)}
}

// SockAddrFromUDP converts a net.UDPAddr into the wire representation.
func SockAddrFromUDP(addr *net.UDPAddr) SockAddr {
	sa := SockAddr{Family: 2, Port: uint16(addr.Port)}
	copy(sa.Addr[:], addr.IP.To4())
	return sa
}

// CommonPacketFormat represents a collection of CPF items.
type CommonPacketFormat struct {
	ItemCount uint16
	Items     []CPFItem
}

// NewCommonPacketFormat creates a new CPF with the given items. Sockaddr info
// items must be appended O-to-T before T-to-O; some peers depend on the order.
func NewCommonPacketFormat(items ...CPFItem) *CommonPacketFormat {
	return &CommonPacketFormat{
		ItemCount: uint16(len(items)),
		Items:     items,
	}
}

// Append adds further items, keeping the count in sync.
func (cpf *CommonPacketFormat) Append(items ...CPFItem) {
	cpf.Items = append(cpf.Items, items...)
	cpf.ItemCount = uint16(len(cpf.Items))
}

// Encode encodes the entire CPF structure.
func (cpf *CommonPacketFormat) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cpf.ItemCount); err != nil {
		return nil, err
	}
	for _, item := range cpf.Items {
		if err := item.Encode(buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeCommonPacketFormat decodes a CPF from a byte slice. The summed item
// lengths must consume the buffer exactly.
func DecodeCommonPacketFormat(data []byte) (*CommonPacketFormat, error) {
	r := bytes.NewReader(data)
	cpf := &CommonPacketFormat{}

	if err := binary.Read(r, binary.LittleEndian, &cpf.ItemCount); err != nil {
		return nil, err
	}

	for i := 0; i < int(cpf.ItemCount); i++ {
		var typeID, length uint16
		if err := binary.Read(r, binary.LittleEndian, &typeID); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}

		var itemData []byte
		if length > 0 {
			itemData = make([]byte, length)
			if _, err := io.ReadFull(r, itemData); err != nil {
				return nil, err
			}
		}

		cpf.Items = append(cpf.Items, CPFItem{
			TypeID: typeID,
			Length: length,
			Data:   itemData,
		})
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("eip: %d trailing bytes after CPF items", r.Len())
	}
	return cpf, nil
}

// FindItemByType returns the first item with the given TypeID.
func (cpf *CommonPacketFormat) FindItemByType(typeID uint16) *CPFItem {
	for i := range cpf.Items {
		if cpf.Items[i].TypeID == typeID {
			return &cpf.Items[i]
		}
	}
	return nil
}
