package testing

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/vkey/device"
	"github.com/Alia5/vkey/internal/log"
	"github.com/Alia5/vkey/internal/server/usb"
	vusb "github.com/Alia5/vkey/usb"
	"github.com/Alia5/vkey/virtualbus"
)

type MockServer struct {
	UsbServer *usb.Server
	Bus       *virtualbus.VirtualBus
	Addr      string
}

func TestServerConfig(t testing.TB) usb.ServerConfig {
	t.Helper()

	return usb.ServerConfig{
		Addr:              "localhost:0",
		ConnectionTimeout: 1 * time.Second,
		NakRetryInterval:  500 * time.Microsecond,
	}
}

// NewTestServer starts a USB-IP server on a free localhost port with one
// bus. Everything is torn down with the test.
func NewTestServer(t testing.TB) *MockServer {
	t.Helper()
	return NewTestServerWithConfig(t, TestServerConfig(t))
}

func NewTestServerWithConfig(t testing.TB, cfg usb.ServerConfig) *MockServer {
	t.Helper()

	usbServer := usb.New(cfg, log.Discard(), nil)

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbServer.ListenAndServe()
	}()
	select {
	case <-usbServer.Ready():
		// ok
	case err := <-usbErrCh:
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		t.Fatalf("USB server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("USB server did not become ready")
	}

	bus := virtualbus.New()
	require.NoError(t, usbServer.AddBus(bus))

	t.Cleanup(func() {
		_ = usbServer.RemoveBus(bus.BusID())
		_ = usbServer.Close()
		<-usbErrCh
	})

	return &MockServer{
		UsbServer: usbServer,
		Bus:       bus,
		Addr:      usbServer.Addr().String(),
	}
}

// AddDevice registers dev on the server's bus and returns its bus id.
func (s *MockServer) AddDevice(t testing.TB, dev vusb.Device) string {
	t.Helper()
	ctx, err := s.Bus.Add(dev)
	require.NoError(t, err)
	meta := device.GetDeviceMeta(ctx)
	require.NotNil(t, meta)
	return meta.BusIDString()
}
