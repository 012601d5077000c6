package emu_test

import (
	"bytes"
	"sync"

	"github.com/Alia5/vkey/emu"
	"github.com/Alia5/vkey/usb"
)

type outCall struct {
	ep   uint8
	data []byte
}

type record struct {
	resets     int
	setups     []usb.SetupPacket
	outs       []outCall
	inRequests []uint8
	iterations int
	closed     bool
}

// fakeBackend records every callback. Hooks run on the goroutine that
// invoked the callback, outside the recorder lock.
type fakeBackend struct {
	mu      sync.Mutex
	core    emu.Core
	initErr error
	rec     record

	onIteration func(core emu.Core)
	onInRequest func(core emu.Core, ep uint8)
	onOut       func(core emu.Core, ep uint8)
}

func (f *fakeBackend) Init(core emu.Core) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.core = core
	return f.initErr
}

func (f *fakeBackend) Descriptor() *usb.Descriptor { return &usb.Descriptor{} }

func (f *fakeBackend) OnReset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.resets++
}

func (f *fakeBackend) OnSetup(setup usb.SetupPacket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.setups = append(f.rec.setups, setup)
}

func (f *fakeBackend) OnOutData(ep uint8, data []byte) {
	f.mu.Lock()
	var cp []byte
	if data != nil {
		cp = bytes.Clone(data)
	}
	f.rec.outs = append(f.rec.outs, outCall{ep: ep, data: cp})
	hook, core := f.onOut, f.core
	f.mu.Unlock()
	if hook != nil {
		hook(core, ep)
	}
}

func (f *fakeBackend) OnInDataRequest(ep uint8) {
	f.mu.Lock()
	f.rec.inRequests = append(f.rec.inRequests, ep)
	hook, core := f.onInRequest, f.core
	f.mu.Unlock()
	if hook != nil {
		hook(core, ep)
	}
}

func (f *fakeBackend) ProcessIteration() {
	f.mu.Lock()
	f.rec.iterations++
	hook, core := f.onIteration, f.core
	f.mu.Unlock()
	if hook != nil {
		hook(core)
	}
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.closed = true
	return nil
}

func (f *fakeBackend) snapshot() record {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rec
	r.setups = append([]usb.SetupPacket(nil), f.rec.setups...)
	r.outs = append([]outCall(nil), f.rec.outs...)
	r.inRequests = append([]uint8(nil), f.rec.inRequests...)
	return r
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
