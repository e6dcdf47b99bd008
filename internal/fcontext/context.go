package fcontext

import (
	"context"
)

type (
	requestID struct{}
	deviceID  struct{}
)

// WithRequestID adds request id to ctx
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestID{}, rid)
}

// RequestID gets request id from context. Empty if none was set.
func RequestID(ctx context.Context) string {
	rid, _ := ctx.Value(requestID{}).(string)
	return rid
}

// WithDeviceID marks ctx as working on behalf of the device.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceID{}, id)
}

// DeviceID returns device id stored by WithDeviceID.
func DeviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceID{}).(string)
	return id
}
