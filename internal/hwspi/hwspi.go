// Package hwspi discovers an FTDI FT2232H and connects its MPSSE engine
// as a SPI master, for tools that talk to a bare JEDEC-compatible NOR
// flash chip wired directly to the FT2232H's ADBUS pins rather than
// sitting behind an FPGA. It is adapted from gentam/gice's device bring
// up: that package also resets and reads the CDONE status of an
// attached iCE40 FPGA, concerns a standalone flash programmer has no
// use for, so only the SPI/CS half survives here.
package hwspi

import (
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

const (
	vendorIDFTDI    = 0x0403
	productIDFT2232 = 0x6010
)

var hostInitialized atomic.Bool

// Conn bundles the two handles jedecspi.New needs, plus the underlying
// FTDI device so callers that want EEPROM/identification details (an
// "info" subcommand, for example) can still reach it.
type Conn struct {
	FTDI *ftdi.FT232H
	SPI  spi.Conn
	CS   gpio.PinIO
}

// Clock is the SPI clock gentam/gice's own bring-up uses: comfortably
// inside both the FT2232H MPSSE divisor range and typical NOR flash
// maximum clock ratings.
const Clock = 30 * physic.MegaHertz

// Open finds the first attached FT2232H, connects its SPI port at
// Clock in SPI mode 0, and returns chip-select on ADBUS4 -- the same
// pin gentam/gice wires to its flash's CS. Callers needing a different
// CS line should use FindFT2232H and FT232H.D0..D7 directly.
func Open() (*Conn, error) {
	ft, err := FindFT2232H()
	if err != nil {
		return nil, err
	}
	conn, err := connectSPI(ft)
	if err != nil {
		return nil, err
	}
	return &Conn{FTDI: ft, SPI: conn, CS: ft.D4}, nil
}

// FindFT2232H initializes the periph.io host driver registry once per
// process and scans attached FTDI devices for the first FT2232H.
func FindFT2232H() (*ftdi.FT232H, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			hostInitialized.Store(false)
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorIDFTDI || info.DevID != productIDFT2232 {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}
	return nil, fmt.Errorf("no FT2232H device found")
}

func connectSPI(ft *ftdi.FT232H) (spi.Conn, error) {
	port, err := ft.SPI()
	if err != nil {
		return nil, fmt.Errorf("failed to get SPI port: %w", err)
	}
	defer port.Close()

	conn, err := port.Connect(Clock, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}
	return conn, nil
}
