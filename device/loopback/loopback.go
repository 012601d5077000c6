// Package loopback is a vendor-class test peripheral. Frames written to the
// bulk OUT endpoint come back on bulk IN, transformed by the current mode;
// the interrupt endpoint reports state changes.
package loopback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Alia5/vkey/emu"
	"github.com/Alia5/vkey/internal/store"
	"github.com/Alia5/vkey/usb"
)

// State is what survives a restart.
type State struct {
	// ID identifies the device instance; the USB serial number is derived
	// from it unless overridden.
	ID     string `yaml:"id"`
	Mode   Mode   `yaml:"mode"`
	Frames uint32 `yaml:"frames"`
}

// Options configures a Loopback. A zero value runs without persistence.
type Options struct {
	StatePath  string
	Passphrase string
	Logger     *slog.Logger
	Serial     string
}

// Loopback implements emu.Backend. Callbacks from the bus goroutine only
// record what happened; all production runs on the worker.
type Loopback struct {
	opts       Options
	logger     *slog.Logger
	descriptor usb.Descriptor
	core       emu.Core

	// frame is the bulk OUT sink. The dispatcher writes it while it is
	// registered, the worker reads it while it is withdrawn.
	frame []byte

	mu          sync.Mutex
	state       State
	setups      []usb.SetupPacket
	frameLen    int
	frameReady  bool
	statusDirty bool
}

var _ emu.Backend = (*Loopback)(nil)

// New returns an uninitialized Loopback; emu.New calls Init.
func New(o Options) *Loopback {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loopback{
		opts:       o,
		logger:     logger,
		descriptor: defaultDescriptor,
		frame:      make([]byte, MaxFrameSize),
	}
	l.descriptor.Strings = map[uint8]string{
		1: "vkey",
		2: "Loopback",
		3: o.Serial,
	}
	return l
}

// Init loads the persisted state. A missing file starts fresh; an
// unreadable one fails.
func (l *Loopback) Init(core emu.Core) error {
	l.core = core
	if l.opts.StatePath != "" {
		var st State
		err := store.Load(l.opts.StatePath, l.opts.Passphrase, &st)
		switch {
		case errors.Is(err, store.ErrNotExist):
			l.logger.Info("no state file, starting fresh", "path", l.opts.StatePath)
		case err != nil:
			return err
		default:
			if !st.Mode.Valid() {
				return fmt.Errorf("%w: invalid mode %d", store.ErrCorrupt, st.Mode)
			}
			if st.ID != "" {
				if _, err := uuid.Parse(st.ID); err != nil {
					return fmt.Errorf("%w: invalid id: %w", store.ErrCorrupt, err)
				}
			}
			l.state = st
		}
	}
	if l.state.ID == "" {
		l.state.ID = uuid.NewString()
	}
	if l.opts.Serial == "" {
		l.descriptor.Strings[3] = SerialFromID(l.state.ID)
	}
	l.statusDirty = true
	core.RegisterOutSink(FrameOutEP, l.frame)
	return nil
}

// Descriptor returns the descriptors the bus enumerates.
func (l *Loopback) Descriptor() *usb.Descriptor {
	return &l.descriptor
}

// Snapshot returns the current state.
func (l *Loopback) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnReset drops queued requests and any frame not yet sent back, and
// hands the frame sink back to the bus.
func (l *Loopback) OnReset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setups = nil
	l.frameReady = false
	l.frameLen = 0
	l.statusDirty = true
	l.core.RegisterOutSink(FrameOutEP, l.frame)
}

func (l *Loopback) OnSetup(setup usb.SetupPacket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setups = append(l.setups, setup)
}

func (l *Loopback) OnOutData(ep uint8, _ []byte) {
	if ep != FrameOutEP {
		return
	}
	// Withdraw the sink so the host is NAKed until this frame went out.
	n := l.core.OutSize(ep)
	l.core.RegisterOutSink(ep, nil)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.frameLen = n
	l.frameReady = true
}

// ProcessIteration answers pending control requests in arrival order.
// OUT requests complete on the bus before the worker sees them, so several
// may queue up behind each other. Only the last IN request is answered;
// the host gave up on the earlier ones when it sent a new setup.
func (l *Loopback) ProcessIteration() {
	l.mu.Lock()
	setups := l.setups
	l.setups = nil
	l.mu.Unlock()

	lastIn := -1
	for i, setup := range setups {
		if setup.IsIn() {
			lastIn = i
		}
	}
	for i, setup := range setups {
		if setup.IsIn() && i != lastIn {
			continue
		}
		l.handleSetup(setup)
	}
}

func (l *Loopback) handleSetup(setup usb.SetupPacket) {
	switch {
	case setup.IsStandard():
		if setup.IsIn() {
			l.core.Stall(0)
		}
	case setup.IsIn() && setup.Request == ReqGetInfo:
		info := l.info()
		l.core.StageIn(0, info[:min(len(info), int(setup.Length))])
	case !setup.IsIn() && setup.Request == ReqSetMode:
		l.setMode(Mode(setup.Value))
	case setup.IsIn():
		l.logger.Debug("stalling unknown request", "setup", setup)
		l.core.Stall(0)
	default:
		l.logger.Warn("ignoring unknown request", "setup", setup)
	}
}

// OnInDataRequest produces the next frame or status report.
func (l *Loopback) OnInDataRequest(ep uint8) {
	switch ep | 0x80 {
	case FrameInEP:
		l.flushFrame()
	case StatusEP:
		l.mu.Lock()
		dirty := l.statusDirty
		l.statusDirty = false
		l.mu.Unlock()
		if dirty {
			info := l.info()
			l.core.StageIn(StatusEP, info[:])
		}
	}
}

// Close persists the state.
func (l *Loopback) Close() error {
	return l.save()
}

// flushFrame holds mu throughout so a concurrent reset either comes
// before the frame is staged or after the sink is handed back.
func (l *Loopback) flushFrame() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.frameReady {
		return
	}
	l.core.StageIn(FrameInEP, l.state.Mode.Apply(l.frame[:l.frameLen]))
	l.frameReady = false
	l.state.Frames++
	l.statusDirty = true
	l.core.RegisterOutSink(FrameOutEP, l.frame)
}

func (l *Loopback) setMode(m Mode) {
	if !m.Valid() {
		l.logger.Warn("ignoring invalid mode", "mode", m)
		return
	}
	l.mu.Lock()
	changed := l.state.Mode != m
	l.state.Mode = m
	if changed {
		l.statusDirty = true
	}
	l.mu.Unlock()

	if !changed {
		return
	}
	l.logger.Info("mode changed", "mode", m)
	if err := l.save(); err != nil {
		l.logger.Error("failed to persist state", "error", err)
	}
}

// SerialFromID derives a 12 digit USB serial number from a device id.
func SerialFromID(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%X", u[:6])
}

func (l *Loopback) info() [InfoSize]byte {
	l.mu.Lock()
	st := l.state
	l.mu.Unlock()

	var b [InfoSize]byte
	b[0] = byte(st.Mode)
	b[1] = Version
	binary.LittleEndian.PutUint16(b[2:4], MaxFrameSize)
	binary.LittleEndian.PutUint32(b[4:8], st.Frames)
	return b
}

func (l *Loopback) save() error {
	if l.opts.StatePath == "" {
		return nil
	}
	st := l.Snapshot()
	return store.Save(l.opts.StatePath, l.opts.Passphrase, st)
}

var defaultDescriptor = usb.Descriptor{
	Device: usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BDeviceClass:       0xff,
		BDeviceSubClass:    0x00,
		BDeviceProtocol:    0x00,
		BMaxPacketSize0:    MaxPacketSize,
		IDVendor:           0x1209,
		IDProduct:          0x0001,
		BcdDevice:          0x0100,
		IManufacturer:      0x01,
		IProduct:           0x02,
		ISerialNumber:      0x03,
		BNumConfigurations: 0x01,
		Speed:              2, // Full speed
	},
	Interfaces: []usb.InterfaceConfig{
		{
			Descriptor: usb.InterfaceDescriptor{
				BInterfaceNumber:   0x00,
				BAlternateSetting:  0x00,
				BNumEndpoints:      0x03,
				BInterfaceClass:    0xff,
				BInterfaceSubClass: 0x00,
				BInterfaceProtocol: 0x00,
				IInterface:         0x00,
			},
			Endpoints: []usb.EndpointDescriptor{
				{
					BEndpointAddress: StatusEP,
					BMAttributes:     usb.EndpointInterrupt,
					WMaxPacketSize:   InfoSize,
					BInterval:        10,
				},
				{
					BEndpointAddress: FrameOutEP,
					BMAttributes:     usb.EndpointBulk,
					WMaxPacketSize:   MaxPacketSize,
				},
				{
					BEndpointAddress: FrameInEP,
					BMAttributes:     usb.EndpointBulk,
					WMaxPacketSize:   MaxPacketSize,
				},
			},
		},
	},
}
