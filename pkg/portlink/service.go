// Package portlink is the transport implementation over a serial device
// node, typically the rfcomm tty of a paired meter.
package portlink

import (
	"context"
	"fmt"

	"github.com/jacobsa/go-serial/serial"
	log "github.com/sirupsen/logrus"

	"github.com/hydroware/water_meter_link/pkg/session"
)

func NewLink(baudrate uint) *Link {
	return &Link{baudrate: baudrate}
}

// Open opens the serial device at target. go-serial has no native
// cancellation, so a ctx cancelled mid-open closes the port as soon as
// it comes up and reports the cancellation instead.
func (l *Link) Open(ctx context.Context, target string) (session.Channel, error) {
	options := serial.OpenOptions{
		PortName:        target,
		BaudRate:        l.baudrate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	}

	port, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	if ctx.Err() != nil {
		port.Close()
		return nil, ctx.Err()
	}

	log.Infof("Opened meter link on %s", target)
	ch := &serialChannel{port: port}
	ch.open.Store(true)
	return ch, nil
}

func (c *serialChannel) Read(p []byte) (int, error) {
	return c.port.Read(p)
}

func (c *serialChannel) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *serialChannel) IsOpen() bool {
	return c.open.Load()
}

func (c *serialChannel) Close() error {
	if !c.open.Swap(false) {
		return nil
	}
	log.Info("Closed meter link")
	return c.port.Close()
}
