package emu_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vkey/emu"
	"github.com/Alia5/vkey/internal/log"
	"github.com/Alia5/vkey/usb"
	"github.com/Alia5/vkey/usbip"
)

func newDevice(t *testing.T, b *fakeBackend) *emu.Device {
	t.Helper()
	d, err := emu.New(b, log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func inPacket(ep uint8, capacity int) *usb.Packet {
	return &usb.Packet{Ep: ep, Dir: usbip.DirIn, Data: make([]byte, capacity)}
}

func outPacket(ep uint8, data []byte) *usb.Packet {
	return &usb.Packet{Ep: ep, Dir: usbip.DirOut, Data: data}
}

// retry re-submits p through submit until it is no longer NAKed.
func retry(t *testing.T, p *usb.Packet, submit func(*usb.Packet)) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	submit(p)
	for p.Status == usb.StatusNAK {
		if time.Now().After(deadline) {
			t.Fatalf("endpoint %d still NAKing", p.Ep)
		}
		time.Sleep(time.Millisecond)
		p.Reset()
		submit(p)
	}
}

func TestChunkedInDelivery(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		capacities []int
		wantTx     int
	}{
		{name: "130 bytes over 8 byte transactions", size: 130, capacities: []int{8}, wantTx: 17},
		{name: "exact fit", size: 64, capacities: []int{64}, wantTx: 1},
		{name: "capacity larger than payload", size: 10, capacities: []int{512}, wantTx: 1},
		{name: "mixed capacities", size: 300, capacities: []int{1, 7, 100, 64}, wantTx: 8},
		{name: "full buffer", size: emu.InBufferSize, capacities: []int{512}, wantTx: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDevice(t, &fakeBackend{})
			want := payload(tt.size)
			d.StageIn(0x81, want)

			var got []byte
			tx := 0
			for len(got) < len(want) && tx < 1000 {
				p := inPacket(1, tt.capacities[tx%len(tt.capacities)])
				d.HandleData(p)
				require.Equal(t, usb.StatusOK, p.Status)
				tx++
				got = append(got, p.Data[:p.Actual]...)
				if len(got) < len(want) {
					assert.Equal(t, emu.StatusReady, d.InStatus(1))
					assert.Equal(t, len(got), d.Cursor(1))
				}
			}

			assert.Equal(t, tt.wantTx, tx)
			assert.Equal(t, want, got)
			assert.Equal(t, emu.StatusWaiting, d.InStatus(1))
			assert.Equal(t, 0, d.Cursor(1))
		})
	}
}

func TestStallDeliveredOnce(t *testing.T) {
	d := newDevice(t, &fakeBackend{})
	d.StageIn(1, payload(20))
	d.Stall(1)
	require.Equal(t, emu.StatusStalled, d.InStatus(1))

	p := inPacket(1, 64)
	d.HandleData(p)
	assert.Equal(t, usb.StatusStall, p.Status)
	assert.Equal(t, 0, p.Actual)
	assert.Equal(t, emu.StatusWaiting, d.InStatus(1))

	p = inPacket(1, 64)
	d.HandleData(p)
	assert.Equal(t, usb.StatusNAK, p.Status)
	assert.Equal(t, 0, p.Actual)
}

func TestOutExceedingSinkIsNAKed(t *testing.T) {
	b := &fakeBackend{}
	d := newDevice(t, b)

	sink := bytes.Repeat([]byte{0xAA}, 64)
	d.RegisterOutSink(2, sink)

	data := payload(100)
	p := outPacket(2, data)
	d.HandleData(p)
	assert.Equal(t, usb.StatusNAK, p.Status)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 64), sink)
	assert.Equal(t, 0, d.OutSize(2))
	assert.Empty(t, b.snapshot().outs)

	bigger := make([]byte, 128)
	d.RegisterOutSink(2, bigger)
	p.Reset()
	d.HandleData(p)
	require.Equal(t, usb.StatusOK, p.Status)
	assert.Equal(t, 100, p.Actual)
	assert.Equal(t, data, bigger[:100])
	assert.Equal(t, 100, d.OutSize(2))

	rec := b.snapshot()
	require.Len(t, rec.outs, 1)
	assert.Equal(t, uint8(2), rec.outs[0].ep)
	assert.Nil(t, rec.outs[0].data)
}

func TestOutWithoutSinkIsNAKed(t *testing.T) {
	b := &fakeBackend{}
	d := newDevice(t, b)

	p := outPacket(2, []byte{1})
	d.HandleData(p)
	assert.Equal(t, usb.StatusNAK, p.Status)

	d.RegisterOutSink(2, make([]byte, 8))
	d.RegisterOutSink(2, nil)
	p.Reset()
	d.HandleData(p)
	assert.Equal(t, usb.StatusNAK, p.Status)
	assert.Empty(t, b.snapshot().outs)
}

func TestResetDiscardsPartialTransfer(t *testing.T) {
	b := &fakeBackend{}
	d := newDevice(t, b)
	d.StageIn(1, payload(130))
	d.StageIn(2, payload(4))

	p := inPacket(1, 8)
	d.HandleData(p)
	require.Equal(t, usb.StatusOK, p.Status)
	require.Equal(t, 8, d.Cursor(1))

	d.HandleReset()
	for ep := uint8(0); ep < emu.NumEndpoints; ep++ {
		assert.Equal(t, emu.StatusWaiting, d.InStatus(ep), "ep %d", ep)
		assert.Equal(t, 0, d.Cursor(ep), "ep %d", ep)
	}
	assert.Equal(t, 1, b.snapshot().resets)

	p = inPacket(1, 8)
	d.HandleData(p)
	assert.Equal(t, usb.StatusNAK, p.Status)
}

func TestInRequestServedByWorker(t *testing.T) {
	b := &fakeBackend{
		onInRequest: func(core emu.Core, ep uint8) {
			core.StageIn(ep, []byte{ep, 0xBE, 0xEF})
		},
	}
	d := newDevice(t, b)

	p := inPacket(1, 64)
	retry(t, p, d.HandleData)
	require.Equal(t, usb.StatusOK, p.Status)
	assert.Equal(t, []byte{1, 0xBE, 0xEF}, p.Data[:p.Actual])
	assert.Contains(t, b.snapshot().inRequests, uint8(1))
}

func TestPartialTransferDoesNotRequestPayload(t *testing.T) {
	b := &fakeBackend{}
	d := newDevice(t, b)
	d.StageIn(1, payload(24))

	for i := 0; i < 3; i++ {
		p := inPacket(1, 8)
		d.HandleData(p)
		require.Equal(t, usb.StatusOK, p.Status)
	}
	// Give a wrongly queued request time to surface.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, b.snapshot().inRequests)
}

func TestControlIn(t *testing.T) {
	b := &fakeBackend{
		onIteration: func(core emu.Core) {
			if core.InStatus(0) == emu.StatusWaiting {
				core.StageIn(0, []byte("hello"))
			}
		},
	}
	d := newDevice(t, b)
	setup := usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RequestTypeVendor, Request: 0x01, Length: 64}

	p := inPacket(0, int(setup.Length))
	retry(t, p, func(p *usb.Packet) { d.HandleControl(p, setup) })
	require.Equal(t, usb.StatusOK, p.Status)
	assert.Equal(t, []byte("hello"), p.Data[:p.Actual])

	rec := b.snapshot()
	require.Len(t, rec.setups, 1, "retries must not re-deliver the setup stage")
	assert.Equal(t, setup, rec.setups[0])
}

func TestControlInStall(t *testing.T) {
	b := &fakeBackend{onIteration: func(core emu.Core) { core.Stall(0) }}
	d := newDevice(t, b)
	setup := usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RequestTypeVendor, Request: 0x7f, Length: 8}

	p := inPacket(0, 8)
	retry(t, p, func(p *usb.Packet) { d.HandleControl(p, setup) })
	assert.Equal(t, usb.StatusStall, p.Status)
}

func TestControlOut(t *testing.T) {
	tests := []struct {
		name       string
		sink       []byte
		data       []byte
		wantStatus usb.Status
		wantSize   int
	}{
		{name: "no sink registered", data: []byte{9, 8}, wantStatus: usb.StatusOK},
		{name: "fits sink", sink: make([]byte, 4), data: []byte{9, 8}, wantStatus: usb.StatusOK, wantSize: 2},
		{name: "exceeds sink", sink: make([]byte, 1), data: []byte{9, 8}, wantStatus: usb.StatusNAK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{}
			d := newDevice(t, b)
			if tt.sink != nil {
				d.RegisterOutSink(0, tt.sink)
			}
			setup := usb.SetupPacket{RequestType: usb.RequestTypeVendor, Request: 0x02, Length: uint16(len(tt.data))}

			p := outPacket(0, tt.data)
			d.HandleControl(p, setup)
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.Equal(t, tt.wantSize, d.OutSize(0))

			rec := b.snapshot()
			assert.Len(t, rec.setups, 1)
			if tt.wantStatus == usb.StatusOK {
				require.Len(t, rec.outs, 1)
				assert.Equal(t, outCall{ep: 0, data: tt.data}, rec.outs[0])
				if tt.sink != nil {
					assert.Equal(t, tt.data, tt.sink[:len(tt.data)])
				}
			} else {
				assert.Empty(t, rec.outs)
			}
		})
	}
}

func TestEndpointOutOfRangeStalls(t *testing.T) {
	d := newDevice(t, &fakeBackend{})
	for _, p := range []*usb.Packet{inPacket(0, 8), inPacket(emu.NumEndpoints, 8), outPacket(7, []byte{1})} {
		d.HandleData(p)
		assert.Equal(t, usb.StatusStall, p.Status, "ep %d", p.Ep)
	}
}

func TestEndpointStateStaysConsistent(t *testing.T) {
	d := newDevice(t, &fakeBackend{})
	valid := []emu.Status{emu.StatusWaiting, emu.StatusReady, emu.StatusStalled}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%7 == 0 {
				d.Stall(1)
			} else {
				d.StageIn(1, payload(i%200))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			assert.Contains(t, valid, d.InStatus(1))
			c := d.Cursor(1)
			assert.True(t, c >= 0 && c < emu.InBufferSize, "cursor %d", c)
		}
	}()

	for i := 0; i < 2000; i++ {
		p := inPacket(1, 16)
		d.HandleData(p)
		assert.Contains(t, []usb.Status{usb.StatusOK, usb.StatusNAK, usb.StatusStall}, p.Status)
		assert.LessOrEqual(t, p.Actual, 16)
	}
	close(stop)
	wg.Wait()
}

func TestEndpointsProgressIndependently(t *testing.T) {
	d := newDevice(t, &fakeBackend{})

	release := d.HoldIn(1)
	defer release()

	result := make(chan *usb.Packet, 1)
	go func() {
		d.StageIn(2, payload(32))
		p := inPacket(2, 64)
		d.HandleData(p)
		result <- p
	}()

	select {
	case p := <-result:
		assert.Equal(t, usb.StatusOK, p.Status)
		assert.Equal(t, payload(32), p.Data[:p.Actual])
	case <-time.After(time.Second):
		t.Fatal("endpoint 2 blocked while endpoint 1 was locked")
	}
}

func TestNewSetupDiscardsAbandonedAnswer(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{}
	// Answer each new setup with its request code, once the gate opens.
	answered := 0
	b.onIteration = func(core emu.Core) {
		<-gate
		setups := b.snapshot().setups
		if len(setups) > answered {
			answered = len(setups)
			core.StageIn(0, []byte{setups[len(setups)-1].Request})
		}
	}
	d := newDevice(t, b)

	first := usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RequestTypeVendor, Request: 0x01, Length: 8}
	p := inPacket(0, 8)
	d.HandleControl(p, first)
	require.Equal(t, usb.StatusNAK, p.Status)

	// The host abandons the transfer; the answer shows up afterwards.
	close(gate)
	require.Eventually(t, func() bool { return d.InStatus(0) == emu.StatusReady }, time.Second, time.Millisecond)

	second := usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RequestTypeVendor, Request: 0x02, Length: 8}
	p = inPacket(0, 8)
	retry(t, p, func(p *usb.Packet) { d.HandleControl(p, second) })
	require.Equal(t, usb.StatusOK, p.Status)
	assert.Equal(t, []byte{0x02}, p.Data[:p.Actual])
	assert.Equal(t, emu.StatusWaiting, d.InStatus(0))
}

func TestResetVoidsPickedUpInRequests(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	b := &fakeBackend{
		onIteration: func(emu.Core) {
			once.Do(func() {
				close(entered)
				<-gate
			})
		},
	}
	d := newDevice(t, b)

	p := inPacket(1, 8)
	d.HandleData(p)
	require.Equal(t, usb.StatusNAK, p.Status)

	// The worker holds the request for endpoint 1 while the bus resets.
	<-entered
	d.HandleReset()
	close(gate)

	require.Eventually(t, func() bool { return b.snapshot().iterations >= 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, b.snapshot().inRequests)
	assert.Equal(t, 1, b.snapshot().resets)
}

func TestControlOutRetryNotifiesOnce(t *testing.T) {
	tests := []struct {
		name   string
		resize []byte
	}{
		{name: "sink enlarged", resize: make([]byte, 16)},
		{name: "sink withdrawn", resize: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{}
			d := newDevice(t, b)
			d.RegisterOutSink(0, make([]byte, 2))

			data := []byte{1, 2, 3, 4}
			setup := usb.SetupPacket{RequestType: usb.RequestTypeVendor, Request: 0x02, Length: uint16(len(data))}
			p := outPacket(0, data)
			d.HandleControl(p, setup)
			require.Equal(t, usb.StatusNAK, p.Status)

			d.RegisterOutSink(0, tt.resize)
			p.Reset()
			d.HandleControl(p, setup)
			require.Equal(t, usb.StatusOK, p.Status)
			assert.Equal(t, len(data), p.Actual)

			rec := b.snapshot()
			assert.Len(t, rec.setups, 1)
			require.Len(t, rec.outs, 1)
			assert.Equal(t, outCall{ep: 0, data: data}, rec.outs[0])
			if tt.resize != nil {
				assert.Equal(t, data, tt.resize[:len(data)])
			}
		})
	}
}

func TestOutNotificationsKeepArrivalOrder(t *testing.T) {
	sink := make([]byte, 8)
	var (
		mu  sync.Mutex
		got [][]byte
	)
	b := &fakeBackend{
		onOut: func(core emu.Core, ep uint8) {
			if ep == 0 {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			got = append(got, bytes.Clone(sink[:core.OutSize(ep)]))
		},
	}
	d := newDevice(t, b)
	d.RegisterOutSink(2, sink)

	ctrl := usb.SetupPacket{RequestType: usb.RequestTypeVendor, Request: 0x02, Length: 1}
	steps := []*usb.Packet{
		outPacket(2, []byte{1}),
		outPacket(0, []byte{2}),
		outPacket(2, []byte{3, 3}),
		outPacket(2, []byte{4}),
	}
	for _, p := range steps {
		if p.Ep == 0 {
			d.HandleControl(p, ctrl)
		} else {
			d.HandleData(p)
		}
		require.Equal(t, usb.StatusOK, p.Status)
	}

	rec := b.snapshot()
	require.Len(t, rec.outs, 4)
	var eps []uint8
	for _, o := range rec.outs {
		eps = append(eps, o.ep)
	}
	assert.Equal(t, []uint8{2, 0, 2, 2}, eps)
	assert.Equal(t, []byte{2}, rec.outs[1].data)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]byte{{1}, {3, 3}, {4}}, got)
}
