package cip

import (
	"encoding/binary"
	"fmt"
)

// Path Segment Types (bits 5-7 of the first segment byte)
const (
	SegmentTypePort     byte = 0x00
	SegmentTypeLogical  byte = 0x20
	SegmentTypeNetwork  byte = 0x40
	SegmentTypeSymbolic byte = 0x60
	SegmentTypeData     byte = 0x80
	SegmentTypeDataType byte = 0xA0
	SegmentTypeElemType byte = 0xC0
	SegmentTypeReserved byte = 0xE0

	segmentTypeMask byte = 0xE0
)

// Logical Segment Types (bits 2-4)
const (
	LogicalTypeClass     byte = 0x00
	LogicalTypeInstance  byte = 0x04
	LogicalTypeMember    byte = 0x08
	LogicalTypePoint     byte = 0x0C
	LogicalTypeAttribute byte = 0x10
	LogicalTypeSpecial   byte = 0x14
	LogicalTypeService   byte = 0x18
	LogicalTypeExtended  byte = 0x1C

	logicalTypeMask byte = 0x1C
)

// Logical Segment Formats (bits 0-1)
const (
	LogicalFormat8Bit  byte = 0x00
	LogicalFormat16Bit byte = 0x01
	LogicalFormat32Bit byte = 0x02

	logicalFormatMask byte = 0x03
)

// Network Segment Subtypes (bits 0-4)
const (
	NetworkSegmentSchedule byte = 0x01
	NetworkSegmentFixedTag byte = 0x02
	NetworkSegmentPITMs    byte = 0x03
	NetworkSegmentSafety   byte = 0x10
	NetworkSegmentPITUs    byte = 0x11
	NetworkSegmentExtended byte = 0x1F
)

// Electronic key segment: logical special, format 4.
const (
	segmentElectronicKey byte = 0x34
	keyFormatTable       byte = 0x04
)

// Data segment subtypes.
const (
	segmentSimpleData byte = 0x80
	segmentANSISymbol byte = 0x91
)

// Path represents an encoded CIP EPATH.
type Path []byte

// NewPath creates a new empty path.
func NewPath() Path {
	return make(Path, 0)
}

func (p *Path) addLogical(logicalType byte, value UDINT) {
	switch {
	case value <= 0xFF:
		*p = append(*p, SegmentTypeLogical|logicalType|LogicalFormat8Bit, byte(value))
	case value <= 0xFFFF:
		*p = append(*p, SegmentTypeLogical|logicalType|LogicalFormat16Bit, 0x00)
		*p = binary.LittleEndian.AppendUint16(*p, uint16(value))
	default:
		*p = append(*p, SegmentTypeLogical|logicalType|LogicalFormat32Bit, 0x00)
		*p = binary.LittleEndian.AppendUint32(*p, uint32(value))
	}
}

// AddClass appends a Class ID segment.
func (p *Path) AddClass(classID UDINT) { p.addLogical(LogicalTypeClass, classID) }

// AddInstance appends an Instance ID segment.
func (p *Path) AddInstance(instanceID UDINT) { p.addLogical(LogicalTypeInstance, instanceID) }

// AddAttribute appends an Attribute ID segment.
func (p *Path) AddAttribute(attributeID UDINT) { p.addLogical(LogicalTypeAttribute, attributeID) }

// AddConnectionPoint appends a Connection Point segment.
func (p *Path) AddConnectionPoint(point UDINT) { p.addLogical(LogicalTypePoint, point) }

// AddElectronicKey appends an electronic key segment.
func (p *Path) AddElectronicKey(key KeyData) {
	*p = append(*p, segmentElectronicKey, keyFormatTable)
	*p = binary.LittleEndian.AppendUint16(*p, uint16(key.VendorID))
	*p = binary.LittleEndian.AppendUint16(*p, uint16(key.DeviceType))
	*p = binary.LittleEndian.AppendUint16(*p, uint16(key.ProductCode))
	major := byte(key.MajorRevision)
	if key.Compatibility {
		major |= 0x80
	}
	*p = append(*p, major, byte(key.MinorRevision))
}

// AddSimpleDataSegment appends a simple data segment; data must have even length.
func (p *Path) AddSimpleDataSegment(data []byte) {
	*p = append(*p, segmentSimpleData, byte(len(data)/2))
	*p = append(*p, data...)
}

// Bytes returns the raw path bytes.
func (p Path) Bytes() []byte { return []byte(p) }

// LenWords returns the path length in 16-bit words.
func (p Path) LenWords() byte { return byte((len(p) + 1) / 2) }

func (p Path) String() string { return fmt.Sprintf("%X", []byte(p)) }

// KeyData is the electronic key carried in a connection path. A zero field
// acts as a wildcard during validation.
type KeyData struct {
	VendorID      UINT
	DeviceType    UINT
	ProductCode   UINT
	MajorRevision USINT
	MinorRevision USINT
	Compatibility bool
}

// RequestPath is the decoded form of a message-router request path.
type RequestPath struct {
	ClassID      UDINT
	InstanceID   UDINT
	AttributeID  UDINT
	HasInstance  bool
	HasAttribute bool
}

// readPaddedLogical consumes a logical segment value. 16- and 32-bit formats
// carry one pad byte between the segment byte and the value.
func readPaddedLogical(data []byte) (value UDINT, consumed int, err error) {
	if len(data) < 2 {
		return 0, 0, Error{Status: StatusPathSegmentError}
	}
	switch data[0] & logicalFormatMask {
	case LogicalFormat8Bit:
		return UDINT(data[1]), 2, nil
	case LogicalFormat16Bit:
		if len(data) < 4 {
			return 0, 0, Error{Status: StatusPathSegmentError}
		}
		return UDINT(binary.LittleEndian.Uint16(data[2:4])), 4, nil
	case LogicalFormat32Bit:
		if len(data) < 6 {
			return 0, 0, Error{Status: StatusPathSegmentError}
		}
		return UDINT(binary.LittleEndian.Uint32(data[2:6])), 6, nil
	default:
		return 0, 0, Error{Status: StatusPathSegmentError}
	}
}

// ParseRequestPath decodes a class/instance/attribute request path.
func ParseRequestPath(p Path) (RequestPath, error) {
	var out RequestPath
	data := p.Bytes()
	if len(data) == 0 {
		return out, Error{Status: StatusPathSegmentError}
	}

	seenClass := false
	for len(data) > 0 {
		seg := data[0]
		if seg&segmentTypeMask != SegmentTypeLogical {
			return out, Error{Status: StatusPathSegmentError}
		}
		value, n, err := readPaddedLogical(data)
		if err != nil {
			return out, err
		}
		switch seg & logicalTypeMask {
		case LogicalTypeClass:
			if seenClass {
				return out, Error{Status: StatusPathSegmentError}
			}
			out.ClassID = value
			seenClass = true
		case LogicalTypeInstance, LogicalTypePoint:
			out.InstanceID = value
			out.HasInstance = true
		case LogicalTypeAttribute:
			out.AttributeID = value
			out.HasAttribute = true
		default:
			return out, Error{Status: StatusPathSegmentError}
		}
		data = data[n:]
	}
	if !seenClass {
		return out, Error{Status: StatusPathSegmentError}
	}
	return out, nil
}

// ConnectionPath is the decoded form of a forward-open connection path.
type ConnectionPath struct {
	ClassID     UDINT
	ConfigPoint UDINT
	HasConfig   bool
	// Points holds the application paths in wire order: consumption first
	// when both directions are present.
	Points []UDINT

	HasKey bool
	Key    KeyData

	// ProductionInhibitUs is the production inhibit time in microseconds;
	// HasPIT reports whether any PIT segment was present.
	HasPIT              bool
	ProductionInhibitUs UDINT

	ConfigData []byte
}

// Extended status codes produced during path parsing. The remaining
// connection-manager codes live with the connection manager.
const (
	ExtStatusInvalidSegmentInPath  UINT = 0x0315
	ExtStatusInvalidConnectionPoint UINT = 0x0117
)

// ParseConnectionPath decodes a forward-open connection path. Segment order
// follows the common [key] [PIT] class config-instance points [data] pattern
// but any order consistent with the segment semantics is accepted.
func ParseConnectionPath(data []byte) (*ConnectionPath, error) {
	cp := &ConnectionPath{}
	seenClass := false

	for len(data) > 0 {
		seg := data[0]
		switch {
		case seg == segmentElectronicKey:
			if cp.HasKey || len(data) < 10 {
				return nil, ConnErr(ExtStatusInvalidSegmentInPath)
			}
			if data[1] != keyFormatTable {
				return nil, ConnErr(ExtStatusInvalidSegmentInPath)
			}
			cp.Key = KeyData{
				VendorID:      UINT(binary.LittleEndian.Uint16(data[2:4])),
				DeviceType:    UINT(binary.LittleEndian.Uint16(data[4:6])),
				ProductCode:   UINT(binary.LittleEndian.Uint16(data[6:8])),
				MajorRevision: USINT(data[8] & 0x7F),
				MinorRevision: USINT(data[9]),
				Compatibility: data[8]&0x80 != 0,
			}
			cp.HasKey = true
			data = data[10:]

		case seg&segmentTypeMask == SegmentTypeNetwork:
			switch seg & ^segmentTypeMask {
			case NetworkSegmentPITMs:
				if len(data) < 2 {
					return nil, ConnErr(ExtStatusInvalidSegmentInPath)
				}
				cp.ProductionInhibitUs = UDINT(data[1]) * 1000
				cp.HasPIT = true
				data = data[2:]
			case NetworkSegmentPITUs:
				// subtype, data word count (2), 32-bit value
				if len(data) < 6 || data[1] != 0x02 {
					return nil, ConnErr(ExtStatusInvalidSegmentInPath)
				}
				cp.ProductionInhibitUs = UDINT(binary.LittleEndian.Uint32(data[2:6]))
				cp.HasPIT = true
				data = data[6:]
			default:
				return nil, ConnErr(ExtStatusInvalidSegmentInPath)
			}

		case seg&segmentTypeMask == SegmentTypeLogical:
			value, n, err := readPaddedLogical(data)
			if err != nil {
				return nil, ConnErr(ExtStatusInvalidSegmentInPath)
			}
			switch seg & logicalTypeMask {
			case LogicalTypeClass:
				if seenClass {
					return nil, ConnErr(ExtStatusInvalidSegmentInPath)
				}
				cp.ClassID = value
				seenClass = true
			case LogicalTypeInstance:
				if !cp.HasConfig {
					cp.ConfigPoint = value
					cp.HasConfig = true
				} else {
					cp.Points = append(cp.Points, value)
				}
			case LogicalTypePoint:
				cp.Points = append(cp.Points, value)
			default:
				return nil, ConnErr(ExtStatusInvalidSegmentInPath)
			}
			data = data[n:]

		case seg == segmentSimpleData:
			if len(data) < 2 {
				return nil, ConnErr(ExtStatusInvalidSegmentInPath)
			}
			n := int(data[1]) * 2
			if len(data) < 2+n {
				return nil, ConnErr(ExtStatusInvalidSegmentInPath)
			}
			cp.ConfigData = append([]byte(nil), data[2:2+n]...)
			data = data[2+n:]

		default:
			return nil, ConnErr(ExtStatusInvalidSegmentInPath)
		}

		if len(cp.Points) > 2 {
			return nil, ConnErr(ExtStatusInvalidConnectionPoint)
		}
	}

	if !seenClass {
		return nil, ConnErr(ExtStatusInvalidSegmentInPath)
	}
	return cp, nil
}

// Electronic key validation extended statuses.
const (
	ExtStatusVendorOrProductCodeError UINT = 0x0114
	ExtStatusVendorOrProductTypeError UINT = 0x0115
	ExtStatusRevisionMismatch         UINT = 0x0116
)

// CheckElectronicKey validates a received key against the device identity.
// Zero-valued key fields match anything. With the compatibility bit clear the
// revision must match exactly; with it set the stored major must equal the
// device major and the stored minor must not exceed the device minor.
func CheckElectronicKey(key KeyData, vendorID, deviceType, productCode UINT, rev Revision) error {
	if (key.VendorID != 0 && key.VendorID != vendorID) ||
		(key.ProductCode != 0 && key.ProductCode != productCode) {
		return ConnErr(ExtStatusVendorOrProductCodeError)
	}
	if key.DeviceType != 0 && key.DeviceType != deviceType {
		return ConnErr(ExtStatusVendorOrProductTypeError)
	}
	if key.MajorRevision == 0 {
		// accept any revision combination
		return nil
	}
	minor := key.MinorRevision
	if minor == 0 {
		minor = rev.Minor
	}
	if key.MajorRevision == rev.Major && minor == rev.Minor {
		return nil
	}
	if key.Compatibility && key.MajorRevision == rev.Major && minor <= rev.Minor {
		return nil
	}
	return ConnErr(ExtStatusRevisionMismatch)
}
