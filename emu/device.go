// Package emu is the endpoint synchronization engine of an emulated USB
// peripheral.
//
// A Device sits between the bus goroutine, which answers USB transactions
// and must never wait on the backend, and a worker goroutine that runs a
// Backend on its own schedule. IN payloads staged by the backend are
// drained by the bus in transaction-sized chunks; OUT payloads are copied
// into sinks the backend registered. Anything not ready yet is answered
// with a NAK and retried by the bus.
package emu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Alia5/vkey/usb"
)

// ErrInit wraps backend construction failures returned by New.
var ErrInit = errors.New("emu: backend init failed")

// Device couples a Backend to the bus. It implements usb.Device for the
// bus side and Core for the backend side.
type Device struct {
	backend Backend
	logger  *slog.Logger

	in  [NumEndpoints]inEndpoint
	out [NumEndpoints]outEndpoint

	// mu and cond pair the bus goroutine with the worker.
	mu         sync.Mutex
	cond       *sync.Cond
	state      taskState
	pending    bool
	inRequests uint32 // bit n: IN endpoint n asked for a payload
	resets     uint64 // bumped on every bus reset

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var (
	_ usb.Device = (*Device)(nil)
	_ Core       = (*Device)(nil)
)

// New initializes backend and starts the worker goroutine. The worker runs
// until Close.
func New(backend Backend, logger *slog.Logger) (*Device, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrInit)
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		backend: backend,
		logger:  logger,
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	if err := backend.Init(d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}

	go d.run()
	return d, nil
}

// GetDescriptor implements usb.Device.
func (d *Device) GetDescriptor() *usb.Descriptor {
	return d.backend.Descriptor()
}

// Close stops the worker, waits for an in-flight iteration to return and
// then closes the backend if it implements io.Closer. It is safe to call
// more than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.stop()
		<-d.done
		if c, ok := d.backend.(io.Closer); ok {
			d.closeErr = c.Close()
		}
		d.logger.Debug("emulated device closed")
	})
	return d.closeErr
}
