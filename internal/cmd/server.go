package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Alia5/vkey/device"
	"github.com/Alia5/vkey/device/loopback"
	"github.com/Alia5/vkey/emu"
	"github.com/Alia5/vkey/internal/configpaths"
	"github.com/Alia5/vkey/internal/log"
	"github.com/Alia5/vkey/internal/server/usb"
	"github.com/Alia5/vkey/internal/store"
	"github.com/Alia5/vkey/virtualbus"
)

type Server struct {
	UsbServerConfig   usb.ServerConfig `embed:"" prefix:"usb."`
	ConnectionTimeout time.Duration    `help:"Timeout for a client to finish the USB-IP handshake" default:"30s" env:"VKEY_CONNECTION_TIMEOUT"`
	BusID             uint32           `help:"USB-IP bus number the device is exported on" default:"1" env:"VKEY_BUS_ID"`
	Serial            string           `help:"USB serial number string (defaults to one derived from the device id)" env:"VKEY_SERIAL"`
	StateFile         string           `help:"Persisted device state (defaults to state.yaml in the config directory)" type:"path" env:"VKEY_STATE_FILE"`
	Passphrase        string           `help:"Passphrase of a sealed state file" env:"VKEY_STATE_PASSPHRASE"`
	Ephemeral         bool             `help:"Keep device state in memory only"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.UsbServerConfig.ConnectionTimeout = s.ConnectionTimeout

	opts := loopback.Options{
		Logger: logger.With("device", "loopback"),
		Serial: s.Serial,
	}
	if !s.Ephemeral {
		path, passphrase, err := s.resolveState()
		if err != nil {
			return err
		}
		opts.StatePath = path
		opts.Passphrase = passphrase
	}

	dev, err := emu.New(loopback.New(opts), opts.Logger)
	if err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}

	bus, err := virtualbus.NewWithBusId(s.BusID)
	if err != nil {
		_ = dev.Close()
		return err
	}
	devCtx, err := bus.Add(dev)
	if err != nil {
		_ = dev.Close()
		_ = bus.Close()
		return err
	}

	logger.Info("Starting vkey USB-IP server", "addr", s.UsbServerConfig.Addr)
	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger)
	if err := usbSrv.AddBus(bus); err != nil {
		_ = bus.Close()
		return err
	}

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()

	select {
	case err := <-usbErrCh:
		_ = usbSrv.RemoveBus(bus.BusID())
		return err
	case <-usbSrv.Ready():
	}

	meta := device.GetDeviceMeta(devCtx)
	if meta != nil {
		logger.Info("Device exported", "busid", meta.BusIDString())
		logger.Info(fmt.Sprintf("Attach with: usbip attach -r <host> -b %s", meta.BusIDString()))
	}

	var runErr error
	select {
	case <-ctx.Done():
		_ = usbSrv.Close()
		<-usbErrCh
	case runErr = <-usbErrCh:
	}

	// Detaching closes the device, which persists its state.
	if meta != nil {
		if err := usbSrv.RemoveDeviceByID(bus.BusID(), strconv.FormatUint(uint64(meta.DevId), 10)); err != nil {
			logger.Error("failed to detach device", "error", err)
			runErr = errors.Join(runErr, err)
		}
	}
	if err := usbSrv.RemoveBus(bus.BusID()); err != nil {
		logger.Error("failed to shut down device", "error", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func (s *Server) resolveState() (path, passphrase string, err error) {
	path = s.StateFile
	if path == "" {
		if path, err = configpaths.DefaultStatePath(); err != nil {
			return "", "", fmt.Errorf("failed to resolve state file path: %w", err)
		}
	}
	passphrase = s.Passphrase
	if passphrase != "" {
		return path, passphrase, nil
	}

	sealed, err := store.IsSealed(path)
	if errors.Is(err, store.ErrNotExist) {
		return path, "", nil
	}
	if err != nil {
		return "", "", err
	}
	if sealed {
		if passphrase, err = promptPassphrase("State file passphrase: "); err != nil {
			return "", "", err
		}
	}
	return path, passphrase, nil
}
