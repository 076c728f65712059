// Command gonvmctl drives the nvm.Backend stack (memory, file, or a
// real JEDEC SPI NOR chip found through internal/hwspi) from the
// command line: format, inspect, read, write, and erase a logical
// address space, optionally composed through the partition, mirror,
// or fee layers.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/mendersoftware/log"
)

// backendOptions selects and configures the raw nvm.Backend every
// subcommand operates on, plus the optional composing layer stacked on
// top of it. Shared across subcommands the way dsoprea/go-exfat shares
// a single rootParameters across its cmd/ tools.
type backendOptions struct {
	Backend     string `long:"backend" choice:"memory" choice:"file" choice:"jedecspi" default:"memory" description:"raw backend to open"`
	Path        string `long:"path" description:"image file path (file backend)"`
	SectorSize  uint32 `long:"sector-size" default:"4096" description:"raw backend sector size in bytes"`
	SectorCount uint32 `long:"sector-count" default:"256" description:"raw backend sector count"`

	JedecPageSize   uint32 `long:"jedec-page-size" default:"256" description:"jedecspi: page program size"`
	JedecAddrBytes  int    `long:"jedec-addr-bytes" default:"3" description:"jedecspi: address width (3 or 4)"`
	JedecBPBits     int    `long:"jedec-bp-bits" default:"3" description:"jedecspi: block-protect bit count"`
	JedecCmdRead    uint8  `long:"jedec-cmd-read" default:"3" description:"jedecspi: read opcode"`
	JedecCmdErase   uint8  `long:"jedec-cmd-erase" default:"32" description:"jedecspi: sector-erase opcode, 0 for emulated erase"`
	JedecCmdProgram uint8  `long:"jedec-cmd-program" default:"2" description:"jedecspi: page-program opcode"`

	Layer             string `long:"layer" choice:"raw" choice:"partition" choice:"mirror" choice:"fee" default:"raw" description:"composing layer stacked on the raw backend"`
	HeaderSectorCount uint32 `long:"header-sectors" default:"1" description:"mirror: leading sectors reserved for the state header"`
	PartitionOffset   uint32 `long:"partition-offset" default:"0" description:"partition: first sector of the window"`
	PartitionSectors  uint32 `long:"partition-sectors" default:"0" description:"partition: sector count of the window, 0 means the rest"`
	FeeWriteUnitSize  uint32 `long:"fee-write-unit" default:"1" description:"fee: bytes of each mark actually written/inspected"`
}

type formatCommand struct {
	Opts backendOptions
}

type infoCommand struct {
	Opts backendOptions
}

type readCommand struct {
	Opts   backendOptions
	Offset uint32 `long:"offset" default:"0" description:"address to read from"`
	Length uint32 `long:"length" default:"256" description:"number of bytes to read"`
	Output string `long:"output" short:"o" description:"output file path, default hexdump to stdout"`
}

type writeCommand struct {
	Opts   backendOptions
	Offset uint32 `long:"offset" default:"0" description:"address to write to"`
	Input  string `long:"input" short:"i" required:"true" description:"input file path"`
}

type eraseCommand struct {
	Opts   backendOptions
	Offset uint32 `long:"offset" default:"0" description:"address to erase from"`
	Length uint32 `long:"length" description:"number of bytes to erase, 0 means mass erase"`
}

type bringupCommand struct {
	IDOnly bool `long:"id-only" description:"probe the attached FT2232H + flash chip and print its JEDEC ID, then exit"`
}

var parser = flags.NewParser(nil, flags.Default)

func main() {
	fc := &formatCommand{}
	ic := &infoCommand{}
	rc := &readCommand{}
	wc := &writeCommand{}
	ec := &eraseCommand{}
	bc := &bringupCommand{}

	must := func(err error) {
		if err != nil {
			log.Fatal(err)
		}
	}
	must2 := func(_ *flags.Command, err error) { must(err) }

	must2(parser.AddCommand("format", "initialize a raw backend and its composing layer", "", fc))
	must2(parser.AddCommand("info", "print geometry and identification", "", ic))
	must2(parser.AddCommand("read", "read a byte range", "", rc))
	must2(parser.AddCommand("write", "write a file's contents", "", wc))
	must2(parser.AddCommand("erase", "erase a byte range, or mass-erase if length is 0", "", ec))
	must2(parser.AddCommand("bringup", "probe hardware wired to an FT2232H", "", bc))

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func (c *formatCommand) Execute(args []string) error {
	b, err := buildBackend(c.Opts)
	if err != nil {
		return err
	}
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()
	if err := b.MassErase(); err != nil {
		return err
	}
	info, err := b.GetInfo()
	if err != nil {
		return err
	}
	fmt.Printf("formatted %d bytes (%d sectors x %d)\n", info.Capacity(), info.SectorCount, info.SectorSize)
	return nil
}

func (c *infoCommand) Execute(args []string) error {
	b, err := buildBackend(c.Opts)
	if err != nil {
		return err
	}
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()
	info, err := b.GetInfo()
	if err != nil {
		return err
	}
	fmt.Printf("Capacity:        %d bytes\n", info.Capacity())
	fmt.Printf("SectorSize:      %d\n", info.SectorSize)
	fmt.Printf("SectorCount:     %d\n", info.SectorCount)
	fmt.Printf("Identification:  % x\n", info.Identification)
	fmt.Printf("WriteAlignment:  %d\n", info.WriteAlignment)
	return nil
}

func (c *readCommand) Execute(args []string) error {
	b, err := buildBackend(c.Opts)
	if err != nil {
		return err
	}
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()

	buf := make([]byte, c.Length)
	if err := b.Read(c.Offset, buf); err != nil {
		return err
	}
	if c.Output == "" {
		fmt.Print(hex.Dump(buf))
		return nil
	}
	return os.WriteFile(c.Output, buf, 0o644)
}

func (c *writeCommand) Execute(args []string) error {
	data, err := os.ReadFile(c.Input)
	if err != nil {
		return err
	}
	b, err := buildBackend(c.Opts)
	if err != nil {
		return err
	}
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()

	if err := b.Erase(c.Offset, uint32(len(data))); err != nil {
		return err
	}
	if err := b.Write(c.Offset, data); err != nil {
		return err
	}
	return b.Sync()
}

func (c *eraseCommand) Execute(args []string) error {
	b, err := buildBackend(c.Opts)
	if err != nil {
		return err
	}
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()

	if c.Length == 0 {
		return b.MassErase()
	}
	return b.Erase(c.Offset, c.Length)
}

func init() {
	parser.LongDescription = "gonvmctl drives a non-volatile memory backend stack for inspection, imaging, and bring-up."
}
