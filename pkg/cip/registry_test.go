package cip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAttribute_FirstEmptySlot(t *testing.T) {
	c := NewClass(0x64, "test", 1, 3, 0, 0)
	inst := c.AddInstance(1)

	var a, b UINT = 1, 2
	require.NoError(t, inst.InsertAttribute(5, TypeUINT, &a, AccessGetable))
	require.NoError(t, inst.InsertAttribute(1, TypeUINT, &b, AccessGetable))

	assert.NotNil(t, inst.Attribute(5))
	assert.NotNil(t, inst.Attribute(1))
	assert.Nil(t, inst.Attribute(2))

	var x UINT
	require.NoError(t, inst.InsertAttribute(2, TypeUINT, &x, AccessGetable))
	assert.Error(t, inst.InsertAttribute(3, TypeUINT, &x, AccessGetable), "slots exhausted")
}

func TestClassInstanceLookup(t *testing.T) {
	c := NewClass(0x64, "test", 1, 2, 0, 0)
	c.AddInstance(1)
	c.AddInstance(7)

	assert.NotNil(t, c.Instance(1))
	assert.NotNil(t, c.Instance(7))
	assert.Nil(t, c.Instance(2))

	// instance 0 addresses the meta-class
	meta := c.Instance(0)
	require.NotNil(t, meta)
	assert.NotNil(t, meta.Attribute(1), "class revision attribute")
}

func TestGetAttributeSingle(t *testing.T) {
	c := NewClass(0x64, "test", 1, 2, 0, 0)
	inst := c.AddInstance(1)
	value := UINT(0x1234)
	require.NoError(t, inst.InsertAttribute(3, TypeUINT, &value, AccessGetable))

	req := &MessageRouterRequest{Service: ServiceGetAttributeSingle}
	resp := &MessageRouterResponse{}
	path := RequestPath{ClassID: 0x64, InstanceID: 1, AttributeID: 3, HasInstance: true, HasAttribute: true}

	require.NoError(t, GetAttributeSingle(inst, req, path, resp))
	assert.Equal(t, []byte{0x34, 0x12}, resp.ResponseData)
}

func TestGetAttributeSingle_Errors(t *testing.T) {
	c := NewClass(0x64, "test", 1, 2, 0, 0)
	inst := c.AddInstance(1)
	value := UINT(1)
	require.NoError(t, inst.InsertAttribute(3, TypeUINT, &value, AccessSettable))

	resp := &MessageRouterResponse{}
	req := &MessageRouterRequest{Service: ServiceGetAttributeSingle}

	err := GetAttributeSingle(inst, req, RequestPath{HasAttribute: true, AttributeID: 9}, resp)
	assert.Equal(t, StatusAttributeNotSupported, err.(Error).Status)

	// present but not getable
	err = GetAttributeSingle(inst, req, RequestPath{HasAttribute: true, AttributeID: 3}, resp)
	assert.Equal(t, StatusAttributeNotSupported, err.(Error).Status)

	// no attribute in path
	err = GetAttributeSingle(inst, req, RequestPath{}, resp)
	assert.Equal(t, StatusPathSegmentError, err.(Error).Status)
}

func TestSetAttributeSingle(t *testing.T) {
	c := NewClass(0x64, "test", 1, 2, 0, 0)
	inst := c.AddInstance(1)
	value := UDINT(0)
	readOnly := UINT(7)
	require.NoError(t, inst.InsertAttribute(3, TypeUDINT, &value, AccessGetable|AccessSettable))
	require.NoError(t, inst.InsertAttribute(4, TypeUINT, &readOnly, AccessGetable))

	resp := &MessageRouterResponse{}
	req := &MessageRouterRequest{Service: ServiceSetAttributeSingle, RequestData: []byte{0xEF, 0xBE, 0xAD, 0xDE}}
	path := RequestPath{AttributeID: 3, HasAttribute: true}

	require.NoError(t, SetAttributeSingle(inst, req, path, resp))
	assert.Equal(t, UDINT(0xDEADBEEF), value)

	req.RequestData = []byte{0x01, 0x00}
	err := SetAttributeSingle(inst, req, RequestPath{AttributeID: 4, HasAttribute: true}, resp)
	assert.Equal(t, StatusAttributeNotSettable, err.(Error).Status)
}

func TestGetAttributeAll_MaskAndOrder(t *testing.T) {
	// attributes 1-3 present, mask excludes attribute 2
	c := NewClass(0x64, "test", 1, 3, 0, 0b1010)
	inst := c.AddInstance(1)
	a1 := UINT(0x1111)
	a2 := UINT(0x2222)
	a3 := UINT(0x3333)
	// inserted out of order; emission is by attribute number
	require.NoError(t, inst.InsertAttribute(3, TypeUINT, &a3, AccessGetable))
	require.NoError(t, inst.InsertAttribute(1, TypeUINT, &a1, AccessGetable))
	require.NoError(t, inst.InsertAttribute(2, TypeUINT, &a2, AccessGetable))

	resp := &MessageRouterResponse{}
	require.NoError(t, GetAttributeAll(inst, &MessageRouterRequest{}, RequestPath{}, resp))
	assert.Equal(t, []byte{0x11, 0x11, 0x33, 0x33}, resp.ResponseData)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	c := NewClass(0x64, "test", 1, 0, 0, 0)
	require.NoError(t, r.Register(c))
	assert.Error(t, r.Register(c), "duplicate registration")
	assert.Equal(t, c, r.Class(0x64))
	assert.Nil(t, r.Class(0x65))
}

func TestShortStringValue(t *testing.T) {
	c := NewClass(0x64, "test", 1, 1, 0, 0)
	inst := c.AddInstance(1)
	name := ShortString("Go EIP Adapter")
	require.NoError(t, inst.InsertAttribute(7, TypeSHORT_STRING, &name, AccessGetable))

	resp := &MessageRouterResponse{}
	path := RequestPath{AttributeID: 7, HasAttribute: true}
	require.NoError(t, GetAttributeSingle(inst, &MessageRouterRequest{}, path, resp))

	want := append([]byte{byte(len(name))}, []byte(name)...)
	assert.Equal(t, want, resp.ResponseData)
}
