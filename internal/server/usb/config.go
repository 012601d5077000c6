package usb

import "time"

// ServerConfig represents the server subcommand configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3241" env:"VKEY_USB_ADDR"`
	ConnectionTimeout time.Duration `kong:"-"`
	NakRetryInterval  time.Duration `help:"Interval at which NAKed URBs are re-submitted to the device" default:"1ms" env:"VKEY_USB_NAK_RETRY_INTERVAL"`
}

const defaultNakRetryInterval = time.Millisecond
