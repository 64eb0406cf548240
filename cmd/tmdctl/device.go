package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
	"github.com/felixgalindo/TinyMLDelta/storage"
	"github.com/felixgalindo/TinyMLDelta/storage/fileflash"
)

// deviceConfig is the YAML description of one device: where its flash image
// lives, the slot geometry, and the guardrail profile of the firmware build.
//
//	image: build/flash.img
//	marker: build/flash.img.slot
//	algo: crc32
//	layout:
//	  slot_a: {addr: 0x00000, size: 0x10000}
//	  slot_b: {addr: 0x10000, size: 0x10000}
//	  journal: {addr: 0x20000, size: 0x1000}
//	device:
//	  arena_bytes: 49152
//	  abi_version: 3
//	  opset_hash: 0x9C1D2E3F
//	  io_hash: 0x55AA55AA
//	  enforce_io_hash: true
type deviceConfig struct {
	Image  string `yaml:"image"`
	Marker string `yaml:"marker"`
	Algo   string `yaml:"algo"`

	Layout struct {
		SlotA   regionConfig `yaml:"slot_a"`
		SlotB   regionConfig `yaml:"slot_b"`
		Journal regionConfig `yaml:"journal"`
	} `yaml:"layout"`

	Device struct {
		ArenaBytes    uint32 `yaml:"arena_bytes"`
		ABIVersion    uint16 `yaml:"abi_version"`
		OpsetHash     uint32 `yaml:"opset_hash"`
		IOHash        uint32 `yaml:"io_hash"`
		EnforceIOHash bool   `yaml:"enforce_io_hash"`
	} `yaml:"device"`
}

type regionConfig struct {
	Addr uint32 `yaml:"addr"`
	Size uint32 `yaml:"size"`
}

// loadDeviceConfig fills in the defaults (reference layout, crc32, flash.img
// in the working directory), then lets the file override them. An empty path
// returns the defaults alone.
func loadDeviceConfig(path string) (*deviceConfig, error) {
	cfg := &deviceConfig{Image: "flash.img", Algo: "crc32"}
	dl := storage.DefaultLayout()
	cfg.Layout.SlotA = regionConfig{Addr: dl.SlotA.Addr, Size: dl.SlotA.Size}
	cfg.Layout.SlotB = regionConfig{Addr: dl.SlotB.Addr, Size: dl.SlotB.Size}
	cfg.Layout.Journal = regionConfig{Addr: dl.JournalAddr, Size: dl.JournalSize}

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read device file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse device file")
	}
	return cfg, nil
}

// deviceFlags are shared by every command that touches a flash image.
func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "device", Aliases: []string{"d"}, TakesFile: true, Usage: "Device description YAML file", EnvVars: []string{"TMD_DEVICE"}},
		&cli.StringFlag{Name: "image", Usage: "Flash image path (overrides the device file)", EnvVars: []string{"TMD_IMAGE"}},
		&cli.StringFlag{Name: "marker", Usage: "Active-slot marker path (overrides the device file)", EnvVars: []string{"TMD_MARKER"}},
		&cli.StringFlag{Name: "algo", Usage: "Integrity algorithm: none, crc32 or sha256 (overrides the device file)", EnvVars: []string{"TMD_ALGO"}},
	}
}

// loadDevice resolves the device file plus flag overrides for one command
// invocation and validates the resulting geometry.
func loadDevice(c *cli.Context) (*deviceConfig, error) {
	cfg, err := loadDeviceConfig(c.String("device"))
	if err != nil {
		return nil, err
	}
	if v := c.String("image"); v != "" {
		cfg.Image = v
	}
	if v := c.String("marker"); v != "" {
		cfg.Marker = v
	}
	if v := c.String("algo"); v != "" {
		cfg.Algo = v
	}
	if err := cfg.layout().Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *deviceConfig) layout() storage.Layout {
	return storage.Layout{
		SlotA:       storage.Slot{Addr: cfg.Layout.SlotA.Addr, Size: cfg.Layout.SlotA.Size},
		SlotB:       storage.Slot{Addr: cfg.Layout.SlotB.Addr, Size: cfg.Layout.SlotB.Size},
		JournalAddr: cfg.Layout.Journal.Addr,
		JournalSize: cfg.Layout.Journal.Size,
	}
}

func (cfg *deviceConfig) profile() tinymldelta.DeviceProfile {
	return tinymldelta.DeviceProfile{
		ArenaBytes:    cfg.Device.ArenaBytes,
		ABIVersion:    cfg.Device.ABIVersion,
		OpsetHash:     cfg.Device.OpsetHash,
		IOHash:        cfg.Device.IOHash,
		EnforceIOHash: cfg.Device.EnforceIOHash,
	}
}

func (cfg *deviceConfig) openPort(create bool) (*fileflash.Flash, error) {
	return fileflash.New(fileflash.Options{
		ImagePath:  cfg.Image,
		MarkerPath: cfg.Marker,
		Layout:     cfg.layout(),
		Create:     create,
	})
}
