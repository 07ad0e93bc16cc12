package identity

import (
	"github.com/eipstack/adapter/pkg/cip"
)

// Device identity status word bits.
const (
	StatusOwned             cip.WORD = 0x0001
	StatusConfigured        cip.WORD = 0x0004
	StatusMinorRecoverable  cip.WORD = 0x0100
	StatusMinorUnrecoverable cip.WORD = 0x0200
)

// Identity implements the CIP Identity Object (class 0x01). It is a leaf
// data holder; the encapsulation layer and electronic-key validation read
// from it.
type Identity struct {
	VendorID     cip.UINT
	DeviceType   cip.UINT
	ProductCode  cip.UINT
	Revision     cip.Revision
	Status       cip.WORD
	SerialNumber cip.UDINT
	ProductName  cip.ShortString
	State        cip.USINT

	class *cip.Class
}

// Register creates the identity class with the standard attribute set and
// registers instance 1.
func Register(registry *cip.Registry, id *Identity) error {
	// attributes 1-7 participate in GetAttributeAll
	c := cip.NewClass(cip.ClassIdentity, "identity", 1, 7, 0, 0xFE)
	inst := c.AddInstance(1)
	inst.InsertAttribute(1, cip.TypeUINT, &id.VendorID, cip.AccessGetable)
	inst.InsertAttribute(2, cip.TypeUINT, &id.DeviceType, cip.AccessGetable)
	inst.InsertAttribute(3, cip.TypeUINT, &id.ProductCode, cip.AccessGetable)
	inst.InsertAttribute(4, cip.TypeRevision, &id.Revision, cip.AccessGetable)
	inst.InsertAttribute(5, cip.TypeWORD, &id.Status, cip.AccessGetable)
	inst.InsertAttribute(6, cip.TypeUDINT, &id.SerialNumber, cip.AccessGetable)
	inst.InsertAttribute(7, cip.TypeSHORT_STRING, &id.ProductName, cip.AccessGetable)
	c.InsertService(cip.ServiceReset, resetService(id), "Reset")
	id.class = c
	return registry.Register(c)
}

// resetService implements the identity Reset service. The adapter has no
// persistent state to roll back, so both reset types behave alike.
func resetService(id *Identity) cip.ServiceFunc {
	return func(inst *cip.Instance, req *cip.MessageRouterRequest, path cip.RequestPath, resp *cip.MessageRouterResponse) error {
		if len(req.RequestData) > 1 {
			return cip.Error{Status: cip.StatusTooMuchData}
		}
		if len(req.RequestData) == 1 && req.RequestData[0] > 1 {
			return cip.Error{Status: cip.StatusInvalidAttributeValue}
		}
		id.Status &^= StatusMinorRecoverable | StatusMinorUnrecoverable
		return nil
	}
}
