package tcpip

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/eipstack/adapter/pkg/cip"
)

// InterfaceConfiguration is the attribute-5 composite of the TCP/IP
// interface object.
type InterfaceConfiguration struct {
	IPAddress   net.IP
	NetworkMask net.IP
	Gateway     net.IP
}

// Object implements the CIP TCP/IP Interface Object (class 0xF5). The CIP
// multicast base address for I/O production is derived from the interface
// configuration, not configured directly.
type Object struct {
	Status        cip.UDINT
	Capability    cip.UDINT
	ConfigControl cip.UDINT
	HostName      cip.ShortString

	Config    InterfaceConfiguration
	Multicast net.IP

	encoded cip.ByteArray // wire image of attribute 5
}

// Register configures the interface addresses, derives the multicast group
// and registers the class.
func Register(registry *cip.Registry, ipAddr, netmask, gateway string) (*Object, error) {
	o := &Object{
		Status:     1, // configuration from non-volatile storage
		Capability: 0x04,
	}
	ip := net.ParseIP(ipAddr).To4()
	mask := net.ParseIP(netmask).To4()
	if ip == nil || mask == nil {
		return nil, fmt.Errorf("tcpip: bad interface configuration %q/%q", ipAddr, netmask)
	}
	gw := net.ParseIP(gateway).To4()
	if gw == nil {
		gw = net.IPv4zero.To4()
	}
	o.Config = InterfaceConfiguration{IPAddress: ip, NetworkMask: mask, Gateway: gw}
	o.Multicast = MulticastAddress(ip, mask)
	o.encoded = cip.ByteArray{Data: o.encodeInterfaceConfiguration()}

	c := cip.NewClass(cip.ClassTCPIPInterface, "TCP/IP interface", 4, 6, 0, 0x6E)
	inst := c.AddInstance(1)
	inst.InsertAttribute(1, cip.TypeUDINT, &o.Status, cip.AccessGetable)
	inst.InsertAttribute(2, cip.TypeUDINT, &o.Capability, cip.AccessGetable)
	inst.InsertAttribute(3, cip.TypeUDINT, &o.ConfigControl, cip.AccessGetable|cip.AccessSettable)
	inst.InsertAttribute(5, cip.TypeByteArray, &o.encoded, cip.AccessGetable)
	inst.InsertAttribute(6, cip.TypeSHORT_STRING, &o.HostName, cip.AccessGetable)
	return o, registry.Register(c)
}

// encodeInterfaceConfiguration emits attribute 5: IP, netmask, gateway, two
// name servers and an empty domain name, all little-endian dwords.
func (o *Object) encodeInterfaceConfiguration() []byte {
	out := make([]byte, 0, 22)
	for _, ip := range []net.IP{o.Config.IPAddress, o.Config.NetworkMask, o.Config.Gateway} {
		out = binary.LittleEndian.AppendUint32(out, ipToHostOrder(ip))
	}
	out = binary.LittleEndian.AppendUint32(out, 0) // name server
	out = binary.LittleEndian.AppendUint32(out, 0) // name server 2
	out = binary.LittleEndian.AppendUint16(out, 0) // domain name length
	return out
}

func ipToHostOrder(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

// MulticastAddress derives the device's CIP multicast group from its IP and
// netmask: 239.192.1.0 + ((host_id - 1) & 0x3FF) << 5.
func MulticastAddress(ip, mask net.IP) net.IP {
	hostID := ipToHostOrder(ip) &^ ipToHostOrder(mask)
	hostID = (hostID - 1) & 0x3FF
	base := binary.BigEndian.Uint32(net.IPv4(239, 192, 1, 0).To4())
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, base+hostID<<5)
	return out
}
