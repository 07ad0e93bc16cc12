package eip

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
)

// DeviceIdentity is the identity data advertised by ListIdentity. The engine
// fills it from the identity object at startup.
type DeviceIdentity struct {
	VendorID     uint16
	DeviceType   uint16
	ProductCode  uint16
	Revision     [2]byte // major, minor
	Status       uint16
	SerialNumber uint32
	ProductName  string // max 32 chars
	State        uint8
	IP           net.IP
	Port         uint16
}

// ListIdentityItem represents an item in the ListIdentity response.
type ListIdentityItem struct {
	TypeID        uint16
	Length        uint16
	EncapsVersion uint16
	SocketAddr    SockAddr
	VendorID      uint16
	DeviceType    uint16
	ProductCode   uint16
	Revision      [2]byte
	Status        uint16
	SerialNumber  uint32
	ProductName   string
	State         uint8
}

// EncodeListIdentityResponse builds the full ListIdentity payload: item
// count 1 followed by one identity item.
func EncodeListIdentityResponse(id DeviceIdentity) []byte {
	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, ProtocolVersion)
	// sockaddr of the encapsulation listener, big-endian per sockaddr rules
	sa := SockAddr{Family: 2, Port: id.Port}
	copy(sa.Addr[:], id.IP.To4())
	binary.Write(body, binary.BigEndian, sa.Family)
	binary.Write(body, binary.BigEndian, sa.Port)
	body.Write(sa.Addr[:])
	body.Write(make([]byte, 8)) // sin_zero
	binary.Write(body, binary.LittleEndian, id.VendorID)
	binary.Write(body, binary.LittleEndian, id.DeviceType)
	binary.Write(body, binary.LittleEndian, id.ProductCode)
	body.WriteByte(id.Revision[0])
	body.WriteByte(id.Revision[1])
	binary.Write(body, binary.LittleEndian, id.Status)
	binary.Write(body, binary.LittleEndian, id.SerialNumber)
	body.WriteByte(byte(len(id.ProductName)))
	body.WriteString(id.ProductName)
	body.WriteByte(id.State)

	out := new(bytes.Buffer)
	binary.Write(out, binary.LittleEndian, uint16(1)) // item count
	binary.Write(out, binary.LittleEndian, ItemIDListIdentity)
	binary.Write(out, binary.LittleEndian, uint16(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

// DecodeListIdentityResponse decodes the full response data from ListIdentity.
func DecodeListIdentityResponse(data []byte) ([]ListIdentityItem, error) {
	r := bytes.NewReader(data)
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	items := make([]ListIdentityItem, 0, count)
	for i := 0; i < int(count); i++ {
		var typeID, length uint16
		if err := binary.Read(r, binary.LittleEndian, &typeID); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}

		if typeID != ItemIDListIdentity {
			skip := make([]byte, length)
			if _, err := io.ReadFull(r, skip); err != nil {
				return nil, err
			}
			continue
		}

		item := ListIdentityItem{TypeID: typeID, Length: length}
		if err := binary.Read(r, binary.LittleEndian, &item.EncapsVersion); err != nil {
			return nil, err
		}
		saBuf := make([]byte, 16)
		if _, err := io.ReadFull(r, saBuf); err != nil {
			return nil, err
		}
		sa, err := DecodeSockAddr(saBuf)
		if err != nil {
			return nil, err
		}
		item.SocketAddr = sa
		if err := binary.Read(r, binary.LittleEndian, &item.VendorID); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &item.DeviceType); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &item.ProductCode); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &item.Revision); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &item.Status); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &item.SerialNumber); err != nil {
			return nil, err
		}
		var nameLen uint8
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return nil, err
		}
		item.ProductName = string(nameBytes)
		if err := binary.Read(r, binary.LittleEndian, &item.State); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ListServicesItem represents an item in the ListServices response.
type ListServicesItem struct {
	TypeID          uint16
	Length          uint16
	Version         uint16
	CapabilityFlags uint16
	Name            string // 16 bytes fixed
}

// EncodeListServicesResponse builds the ListServices payload advertising the
// communications service with the given capability flags.
func EncodeListServicesResponse(capabilities uint16) []byte {
	out := new(bytes.Buffer)
	binary.Write(out, binary.LittleEndian, uint16(1)) // item count
	binary.Write(out, binary.LittleEndian, ItemIDListServices)
	binary.Write(out, binary.LittleEndian, uint16(4+16)) // version + flags + name
	binary.Write(out, binary.LittleEndian, ProtocolVersion)
	binary.Write(out, binary.LittleEndian, capabilities)
	name := make([]byte, 16)
	copy(name, "Communications")
	out.Write(name)
	return out.Bytes()
}

// DecodeListServicesResponse decodes the full response data from ListServices.
func DecodeListServicesResponse(data []byte) ([]ListServicesItem, error) {
	r := bytes.NewReader(data)
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	items := make([]ListServicesItem, 0, count)
	for i := 0; i < int(count); i++ {
		item := ListServicesItem{}
		if err := binary.Read(r, binary.LittleEndian, &item.TypeID); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &item.Length); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &item.Version); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &item.CapabilityFlags); err != nil {
			return nil, err
		}
		nameBytes := make([]byte, 16)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return nil, err
		}
		item.Name = string(bytes.TrimRight(nameBytes, "\x00"))
		items = append(items, item)
	}
	return items, nil
}
