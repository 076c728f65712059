package main

import (
	"fmt"

	"github.com/lilvinz/gonvm/fee"
	"github.com/lilvinz/gonvm/file"
	"github.com/lilvinz/gonvm/internal/hwspi"
	"github.com/lilvinz/gonvm/jedecspi"
	"github.com/lilvinz/gonvm/memory"
	"github.com/lilvinz/gonvm/mirror"
	"github.com/lilvinz/gonvm/nvm"
	"github.com/lilvinz/gonvm/partition"
)

// buildBackend assembles the raw backend opts selects, optionally
// wrapped in the requested composing layer. It does not call Start;
// callers do that themselves so format/info/read/write/erase can share
// one Start/Stop bracket around whichever operations they perform.
func buildBackend(opts backendOptions) (nvm.Backend, error) {
	raw, err := buildRawBackend(opts)
	if err != nil {
		return nil, err
	}
	switch opts.Layer {
	case "raw":
		return raw, nil
	case "partition":
		sectors := opts.PartitionSectors
		if sectors == 0 && opts.PartitionOffset < opts.SectorCount {
			sectors = opts.SectorCount - opts.PartitionOffset
		}
		return partition.New(raw, partition.Config{
			SectorOffset: opts.PartitionOffset,
			SectorCount:  sectors,
		}), nil
	case "mirror":
		return mirror.New(raw, mirror.Config{HeaderSectorCount: opts.HeaderSectorCount}), nil
	case "fee":
		return fee.New(raw, fee.Config{WriteUnitSize: opts.FeeWriteUnitSize}), nil
	default:
		return nil, fmt.Errorf("unknown layer %q", opts.Layer)
	}
}

func buildRawBackend(opts backendOptions) (nvm.Backend, error) {
	switch opts.Backend {
	case "memory":
		return memory.New(memory.Config{
			SectorSize:  opts.SectorSize,
			SectorCount: opts.SectorCount,
		}), nil
	case "file":
		if opts.Path == "" {
			return nil, fmt.Errorf("--path is required for the file backend")
		}
		return file.New(file.Config{
			Path:        opts.Path,
			SectorSize:  opts.SectorSize,
			SectorCount: opts.SectorCount,
		}), nil
	case "jedecspi":
		conn, err := hwspi.Open()
		if err != nil {
			return nil, fmt.Errorf("hardware bring-up failed: %w", err)
		}
		return jedecspi.New(conn.SPI, conn.CS, jedecspi.Config{
			SectorCount:    opts.SectorCount,
			SectorSize:     opts.SectorSize,
			PageSize:       opts.JedecPageSize,
			AddrBytes:      opts.JedecAddrBytes,
			BPBits:         opts.JedecBPBits,
			CmdRead:        byte(opts.JedecCmdRead),
			CmdSectorErase: byte(opts.JedecCmdErase),
			CmdPageProgram: byte(opts.JedecCmdProgram),
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

// Execute probes an FT2232H and the flash chip wired to it, printing
// its JEDEC identification without needing any of the format/read/
// write subcommands' address-space setup. Grounded on cmd/gice's own
// "read -id" flow, minus everything specific to driving an FPGA.
func (c *bringupCommand) Execute(args []string) error {
	conn, err := hwspi.Open()
	if err != nil {
		return err
	}
	b := jedecspi.New(conn.SPI, conn.CS, jedecspi.Config{
		SectorCount: 1,
		SectorSize:  1,
		PageSize:    256,
		AddrBytes:   3,
	})
	if err := b.Start(); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	defer b.Stop()

	info, err := b.GetInfo()
	if err != nil {
		return err
	}
	fmt.Printf("JEDEC ID: % x\n", info.Identification)
	return nil
}
