package cip

import (
	"go.uber.org/zap"
)

// MessageRouter dispatches service requests to registered class objects by
// class-id lookup (Message Router Object, class 0x02).
type MessageRouter struct {
	registry *Registry
	logger   *zap.Logger
}

// NewMessageRouter creates a router over the given registry.
func NewMessageRouter(registry *Registry, logger *zap.Logger) *MessageRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageRouter{registry: registry, logger: logger}
}

// Registry returns the backing class registry.
func (mr *MessageRouter) Registry() *Registry { return mr.registry }

// Dispatch routes a request to the addressed class and service. Failures are
// folded into the response; Dispatch never returns nil.
func (mr *MessageRouter) Dispatch(req *MessageRouterRequest) *MessageRouterResponse {
	path, err := ParseRequestPath(req.RequestPath)
	if err != nil {
		return FailureResponse(req.Service, err)
	}

	class := mr.registry.Class(path.ClassID)
	if class == nil {
		mr.logger.Debug("request for unknown class", zap.Uint32("class", uint32(path.ClassID)))
		return FailureResponse(req.Service, Error{Status: StatusPathDestinationUnknown})
	}

	instanceID := UDINT(0)
	if path.HasInstance {
		instanceID = path.InstanceID
	}
	inst := class.Instance(instanceID)
	if inst == nil {
		return FailureResponse(req.Service, Error{Status: StatusPathDestinationUnknown})
	}

	handler := class.Service(req.Service)
	if handler == nil {
		mr.logger.Debug("unsupported service",
			zap.String("class", class.Name), zap.Uint8("service", uint8(req.Service)))
		return FailureResponse(req.Service, Error{Status: StatusServiceNotSupported})
	}

	resp := &MessageRouterResponse{Service: req.Service | 0x80}
	if err := handler(inst, req, path, resp); err != nil {
		return FailureResponse(req.Service, err)
	}
	return resp
}
