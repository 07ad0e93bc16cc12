package assembly

import (
	"go.uber.org/zap"

	"github.com/eipstack/adapter/pkg/cip"
)

// Event is an I/O connection lifecycle notification.
type Event int

const (
	EventOpened Event = iota
	EventTimedOut
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventOpened:
		return "opened"
	case EventTimedOut:
		return "timed out"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Application is the callback contract towards the application owning the
// assembly data buffers.
type Application interface {
	// AfterAssemblyDataReceived is called after consumed data has been
	// written to the instance buffer. An error rejects the data
	// semantically without surfacing a protocol-level failure.
	AfterAssemblyDataReceived(inst *Instance) error
	// BeforeAssemblyDataSend is called before each produced frame; true
	// reports that the data changed since the last production.
	BeforeAssemblyDataSend(inst *Instance) bool
	// IoConnectionEvent reports connection lifecycle changes for the
	// assembly pair.
	IoConnectionEvent(outputAssembly, inputAssembly uint32, event Event)
	// RunIdleChanged reports a change of the 4-byte run/idle header.
	RunIdleChanged(runIdle uint32)
}

// NopApplication ignores all callbacks and accepts all data.
type NopApplication struct{}

func (NopApplication) AfterAssemblyDataReceived(*Instance) error      { return nil }
func (NopApplication) BeforeAssemblyDataSend(*Instance) bool          { return false }
func (NopApplication) IoConnectionEvent(uint32, uint32, Event)        {}
func (NopApplication) RunIdleChanged(uint32)                          {}

// Instance is one assembly instance. The data buffer is owned by the
// application; the object holds it for its whole lifetime and never resizes.
type Instance struct {
	ID   uint32
	Data *cip.ByteArray
	size cip.UINT
}

// Object implements the CIP Assembly Object (class 0x04).
type Object struct {
	class     *cip.Class
	app       Application
	instances map[uint32]*Instance
	logger    *zap.Logger
}

// New registers the assembly class and returns the object.
func New(registry *cip.Registry, app Application, logger *zap.Logger) (*Object, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if app == nil {
		app = NopApplication{}
	}
	o := &Object{
		class:     cip.NewClass(cip.ClassAssembly, "assembly", 2, 2, 0, 0),
		app:       app,
		instances: make(map[uint32]*Instance),
		logger:    logger,
	}
	if err := registry.Register(o.class); err != nil {
		return nil, err
	}
	return o, nil
}

// Class returns the registered CIP class.
func (o *Object) Class() *cip.Class { return o.class }

// Application returns the application callback sink.
func (o *Object) Application() Application { return o.app }

// RegisterInstance creates an assembly instance with a fixed-size buffer.
// Attribute 3 carries the data, attribute 4 the size.
func (o *Object) RegisterInstance(instanceID uint32, size int) (*Instance, error) {
	inst := &Instance{
		ID:   instanceID,
		Data: &cip.ByteArray{Data: make([]byte, size)},
		size: cip.UINT(size),
	}
	ci := o.class.AddInstance(cip.UDINT(instanceID))
	if err := ci.InsertAttribute(3, cip.TypeByteArray, inst.Data,
		cip.AccessGetable|cip.AccessSettable); err != nil {
		return nil, err
	}
	if err := ci.InsertAttribute(4, cip.TypeUINT, &inst.size, cip.AccessGetable); err != nil {
		return nil, err
	}
	o.instances[instanceID] = inst
	return inst, nil
}

// Instance looks up a registered assembly instance.
func (o *Object) Instance(instanceID uint32) *Instance {
	return o.instances[instanceID]
}

// WriteConsumed copies received connection data into the instance buffer and
// notifies the application. The length must match the buffer exactly.
func (o *Object) WriteConsumed(inst *Instance, data []byte) error {
	if len(data) != len(inst.Data.Data) {
		return cip.Error{Status: cip.StatusInvalidAttributeValue}
	}
	copy(inst.Data.Data, data)
	if err := o.app.AfterAssemblyDataReceived(inst); err != nil {
		// rejected by the application; the connection stays healthy
		o.logger.Debug("application rejected assembly data",
			zap.Uint32("instance", inst.ID), zap.Error(err))
		return err
	}
	return nil
}

// ProducedData returns the bytes to produce for the instance after asking the
// application whether the data changed.
func (o *Object) ProducedData(inst *Instance) (data []byte, changed bool) {
	changed = o.app.BeforeAssemblyDataSend(inst)
	return inst.Data.Data, changed
}
