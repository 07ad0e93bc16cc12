package cip

import (
	"bytes"
	"fmt"
)

// AccessFlag enumerates attribute access rights.
type AccessFlag uint8

const (
	AccessGetableSingle AccessFlag = 1 << iota
	AccessGetableAll
	AccessSettable
	AccessNVPersisted

	AccessGetable = AccessGetableSingle | AccessGetableAll
)

// Attribute binds an attribute number to its typed backing storage. Data is a
// pointer into application-owned state; the registry never copies it.
type Attribute struct {
	Number UINT
	Type   DataType
	Flags  AccessFlag
	Data   any
}

// ServiceFunc handles one service invocation on an instance. Implementations
// fill resp; returning an error produces a failure response instead.
type ServiceFunc func(inst *Instance, req *MessageRouterRequest, path RequestPath, resp *MessageRouterResponse) error

// Instance is one instance of a CIP class. Attribute slots are fixed at
// creation; unused slots stay zero.
type Instance struct {
	ID         UDINT
	class      *Class
	attributes []Attribute
	highest    UINT
}

// Class returns the owning class.
func (i *Instance) Class() *Class { return i.class }

// InsertAttribute places the attribute into the first empty slot.
func (i *Instance) InsertAttribute(number UINT, t DataType, data any, flags AccessFlag) error {
	for n := range i.attributes {
		if i.attributes[n].Number == 0 {
			i.attributes[n] = Attribute{Number: number, Type: t, Flags: flags, Data: data}
			if number > i.highest {
				i.highest = number
			}
			return nil
		}
	}
	return fmt.Errorf("cip: class %q instance %d: no free attribute slot for %d",
		i.class.Name, i.ID, number)
}

// Attribute looks up an attribute by number.
func (i *Instance) Attribute(number UINT) *Attribute {
	for n := range i.attributes {
		if i.attributes[n].Number == number {
			return &i.attributes[n]
		}
	}
	return nil
}

// Class describes a registered CIP class: its instances, services and the
// shadow meta-class carrying class-level attributes and services.
type Class struct {
	ID         UDINT
	Name       string
	Revision   UINT
	GetAllMask uint32

	instances    []*Instance
	services     map[USINT]ServiceFunc
	serviceNames map[USINT]string
	attrSlots    int

	// meta holds the class-level view addressed with instance 0.
	meta *Instance

	highestInstance UDINT
	instanceCount   UINT
}

// NewClass creates a class with fixed instance-attribute capacity and the
// standard class attributes (revision, max instance, instance count) on its
// meta-class. The common attribute services are pre-bound.
func NewClass(id UDINT, name string, revision UINT, attrSlots, classAttrSlots int, getAllMask uint32) *Class {
	c := &Class{
		ID:           id,
		Name:         name,
		Revision:     revision,
		GetAllMask:   getAllMask,
		services:     make(map[USINT]ServiceFunc),
		serviceNames: make(map[USINT]string),
		attrSlots:    attrSlots,
	}
	c.meta = &Instance{ID: 0, class: c, attributes: make([]Attribute, classAttrSlots+3)}
	c.meta.InsertAttribute(1, TypeUINT, &c.Revision, AccessGetable)
	c.meta.InsertAttribute(2, TypeUDINT, &c.highestInstance, AccessGetable)
	c.meta.InsertAttribute(3, TypeUINT, &c.instanceCount, AccessGetable)

	c.InsertService(ServiceGetAttributeSingle, GetAttributeSingle, "GetAttributeSingle")
	c.InsertService(ServiceSetAttributeSingle, SetAttributeSingle, "SetAttributeSingle")
	c.InsertService(ServiceGetAttributeAll, GetAttributeAll, "GetAttributeAll")
	return c
}

// AddInstance creates and registers a new instance.
func (c *Class) AddInstance(id UDINT) *Instance {
	inst := &Instance{ID: id, class: c, attributes: make([]Attribute, c.attrSlots)}
	c.instances = append(c.instances, inst)
	if id > c.highestInstance {
		c.highestInstance = id
	}
	c.instanceCount++
	return inst
}

// Instance looks up an instance; instance 0 addresses the meta-class.
func (c *Class) Instance(id UDINT) *Instance {
	if id == 0 {
		return c.meta
	}
	for _, inst := range c.instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// Instances returns all registered instances.
func (c *Class) Instances() []*Instance { return c.instances }

// InsertService binds a service handler to a service code.
func (c *Class) InsertService(code USINT, fn ServiceFunc, name string) {
	c.services[code] = fn
	c.serviceNames[code] = name
}

// Service looks up the handler bound to a service code.
func (c *Class) Service(code USINT) ServiceFunc { return c.services[code] }

// GetAttributeSingle encodes the addressed attribute.
func GetAttributeSingle(inst *Instance, req *MessageRouterRequest, path RequestPath, resp *MessageRouterResponse) error {
	if !path.HasAttribute {
		return Error{Status: StatusPathSegmentError}
	}
	attr := inst.Attribute(UINT(path.AttributeID))
	if attr == nil {
		return Error{Status: StatusAttributeNotSupported}
	}
	if attr.Flags&AccessGetableSingle == 0 {
		return Error{Status: StatusAttributeNotSupported}
	}
	buf := new(bytes.Buffer)
	if err := EncodeValue(buf, attr.Type, attr.Data); err != nil {
		return err
	}
	resp.ResponseData = buf.Bytes()
	return nil
}

// SetAttributeSingle decodes the payload into the addressed attribute,
// consulting the access flags.
func SetAttributeSingle(inst *Instance, req *MessageRouterRequest, path RequestPath, resp *MessageRouterResponse) error {
	if !path.HasAttribute {
		return Error{Status: StatusPathSegmentError}
	}
	attr := inst.Attribute(UINT(path.AttributeID))
	if attr == nil {
		return Error{Status: StatusAttributeNotSupported}
	}
	if attr.Flags&AccessSettable == 0 {
		return Error{Status: StatusAttributeNotSettable}
	}
	if _, err := DecodeValue(attr.Type, attr.Data, req.RequestData); err != nil {
		return err
	}
	return nil
}

// GetAttributeAll emits the present attributes in attribute-number order,
// gated by the class get-all mask.
func GetAttributeAll(inst *Instance, req *MessageRouterRequest, path RequestPath, resp *MessageRouterResponse) error {
	buf := new(bytes.Buffer)
	for number := UINT(1); number <= inst.highest; number++ {
		if inst.class.GetAllMask&(1<<uint(number)) == 0 {
			continue
		}
		attr := inst.Attribute(number)
		if attr == nil || attr.Flags&AccessGetableAll == 0 {
			continue
		}
		if err := EncodeValue(buf, attr.Type, attr.Data); err != nil {
			return err
		}
	}
	resp.ResponseData = buf.Bytes()
	return nil
}

// Registry maps class ids to registered classes. Classes are registered only
// during startup; the registry lives for the process lifetime.
type Registry struct {
	classes map[UDINT]*Class
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[UDINT]*Class)}
}

// Register adds a class; registering the same id twice is a startup bug.
func (r *Registry) Register(c *Class) error {
	if _, dup := r.classes[c.ID]; dup {
		return fmt.Errorf("cip: class 0x%02X already registered", c.ID)
	}
	r.classes[c.ID] = c
	return nil
}

// Class looks up a registered class.
func (r *Registry) Class(id UDINT) *Class {
	return r.classes[id]
}
