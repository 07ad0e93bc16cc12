package ethernetlink

import (
	"github.com/eipstack/adapter/pkg/cip"
)

// Object implements the CIP Ethernet Link Object (class 0xF6), a leaf data
// holder describing the physical port.
type Object struct {
	InterfaceSpeed cip.UDINT // Mbit/s
	InterfaceFlags cip.UDINT
	MACAddress     cip.ByteArray
}

// Register registers the ethernet link class with instance 1.
func Register(registry *cip.Registry, speedMbit uint32, mac []byte) (*Object, error) {
	o := &Object{
		InterfaceSpeed: cip.UDINT(speedMbit),
		InterfaceFlags: 0x0F, // link up, full duplex, negotiation complete
		MACAddress:     cip.ByteArray{Data: make([]byte, 6)},
	}
	copy(o.MACAddress.Data, mac)

	c := cip.NewClass(cip.ClassEthernetLink, "Ethernet link", 1, 3, 0, 0x0E)
	inst := c.AddInstance(1)
	inst.InsertAttribute(1, cip.TypeUDINT, &o.InterfaceSpeed, cip.AccessGetable)
	inst.InsertAttribute(2, cip.TypeUDINT, &o.InterfaceFlags, cip.AccessGetable)
	inst.InsertAttribute(3, cip.TypeByteArray, &o.MACAddress, cip.AccessGetable)
	return o, registry.Register(c)
}
