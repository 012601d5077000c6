// Package device holds what emulated peripherals share with the bus.
package device

import (
	"context"

	"github.com/Alia5/vkey/usbip"
)

type contextKey int

const (
	ExportMetaKey contextKey = iota
)

// WithDeviceMeta returns a copy of ctx carrying the device's export metadata.
func WithDeviceMeta(ctx context.Context, meta *usbip.ExportMeta) context.Context {
	return context.WithValue(ctx, ExportMetaKey, meta)
}

// GetDeviceMeta extracts the device metadata from a device context.
// Returns nil if the context doesn't contain device metadata.
func GetDeviceMeta(ctx context.Context) *usbip.ExportMeta {
	if meta, ok := ctx.Value(ExportMetaKey).(*usbip.ExportMeta); ok {
		return meta
	}
	return nil
}
