package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
	"github.com/felixgalindo/TinyMLDelta/codec"
	"github.com/felixgalindo/TinyMLDelta/envelope"
	"github.com/felixgalindo/TinyMLDelta/patchgen"
)

// provenanceTag is the vendor TLV tag tmdctl stamps when --model is given.
const provenanceTag = 0x80

// provenance travels as deterministic CBOR inside a vendor TLV so fleet
// tooling can attribute a patch without keeping the images around.
type provenance struct {
	Model string `cbor:"model"`
	Tool  string `cbor:"tool"`
}

func genCommand() *cli.Command {
	return &cli.Command{
		Name:  "gen",
		Usage: "Generate a patch from a base and a target model image",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base", Required: true, TakesFile: true, Usage: "Base model image path", EnvVars: []string{"TMD_BASE"}},
			&cli.StringFlag{Name: "target", Required: true, TakesFile: true, Usage: "Target model image path", EnvVars: []string{"TMD_TARGET"}},
			&cli.StringFlag{Name: "out", Required: true, Usage: "Output patch path", EnvVars: []string{"TMD_OUT"}},
			&cli.StringFlag{Name: "algo", Value: "crc32", Usage: "Integrity algorithm: none, crc32 or sha256"},
			&cli.IntFlag{Name: "merge-gap", Value: patchgen.DefaultMergeGap, Usage: "Merge diff runs closer than this many bytes"},
			&cli.IntFlag{Name: "min-chunk", Value: patchgen.DefaultMinChunk, Usage: "Fold diff runs shorter than this into a nearby predecessor"},
			&cli.StringFlag{Name: "req-arena", Usage: "Required tensor arena bytes (u32; decimal or 0x hex)"},
			&cli.StringFlag{Name: "abi", Usage: "Required interpreter ABI version (u16)"},
			&cli.StringFlag{Name: "opset-hash", Usage: "Required opset hash (u32, e.g. 0x1234abcd)"},
			&cli.StringFlag{Name: "io-hash", Usage: "Required I/O signature hash (u32)"},
			&cli.StringSliceFlag{Name: "vendor", Usage: "Vendor TLV as tag=hexvalue (e.g. 0x83=0102ff); repeatable"},
			&cli.StringFlag{Name: "model", Usage: "Model name stamped into a provenance vendor entry"},
			&cli.StringFlag{Name: "sign-key", TakesFile: true, Usage: "Seal the patch with the HMAC key read from this file", EnvVars: []string{"TMD_SIGN_KEY"}},
		},
		Action: runGen,
	}
}

func runGen(c *cli.Context) error {
	base, err := os.ReadFile(c.String("base"))
	if err != nil {
		return errors.Wrap(err, "read base image")
	}
	target, err := os.ReadFile(c.String("target"))
	if err != nil {
		return errors.Wrap(err, "read target image")
	}

	algo, err := tinymldelta.ParseAlgo(c.String("algo"))
	if err != nil {
		return err
	}
	req, err := parseRequirements(c)
	if err != nil {
		return err
	}
	vendor, err := parseVendorTLVs(c.StringSlice("vendor"))
	if err != nil {
		return err
	}
	if model := c.String("model"); model != "" {
		entry, err := provenanceEntry(model)
		if err != nil {
			return err
		}
		vendor = append(vendor, entry)
	}

	patch, err := patchgen.Generate(base, target, patchgen.Options{
		Algo:     algo.Selector(),
		MergeGap: c.Int("merge-gap"),
		MinChunk: c.Int("min-chunk"),
		Requires: req,
		Vendor:   vendor,
	})
	if err != nil {
		return err
	}
	info, err := tinymldelta.Inspect(patch)
	if err != nil {
		return err
	}

	out := patch
	if keyPath := c.String("sign-key"); keyPath != "" {
		key, err := readKey(keyPath)
		if err != nil {
			return err
		}
		if out, err = envelope.Seal(patch, key); err != nil {
			return err
		}
	}
	if err := os.WriteFile(c.String("out"), out, 0o644); err != nil {
		return errors.Wrap(err, "write patch")
	}

	logrus.Infof("patch written: %s (%d bytes, %d chunks, %.1f%% of target)",
		c.String("out"), len(out), info.ChunkCount,
		100*float64(len(out))/float64(max(len(target), 1)))
	return nil
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Decode and print a patch header, requirements and vendor entries",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "patch", Required: true, TakesFile: true, Usage: "Patch path (sealed or bare)"},
			&cli.StringFlag{Name: "key", TakesFile: true, Usage: "HMAC key file for sealed patches", EnvVars: []string{"TMD_KEY"}},
		},
		Action: runInspect,
	}
}

func runInspect(c *cli.Context) error {
	patch, sealed, err := loadPatch(c.String("patch"), c.String("key"))
	if err != nil {
		return err
	}
	info, err := tinymldelta.Inspect(patch)
	if err != nil {
		return err
	}

	first16 := patch
	if len(first16) > 16 {
		first16 = first16[:16]
	}
	hexed := make([]string, len(first16))
	for i, b := range first16 {
		hexed[i] = fmt.Sprintf("%02x", b)
	}

	fmt.Printf("file       : %s\n", c.String("patch"))
	fmt.Printf("sealed     : %t\n", sealed)
	fmt.Printf("first16    : %s\n", strings.Join(hexed, " "))
	fmt.Printf("version    : %d\n", info.Version)
	fmt.Printf("algo       : %d (%s)\n", info.Algo, algoName(info.Algo))
	fmt.Printf("chunks     : %d\n", info.ChunkCount)
	fmt.Printf("base_len   : %d\n", info.BaseLen)
	fmt.Printf("target_len : %d\n", info.TargetLen)
	fmt.Printf("base_sum   : %s\n", digestString(info.Algo, info.BaseDigest))
	fmt.Printf("target_sum : %s\n", digestString(info.Algo, info.TargetDigest))
	fmt.Printf("flags      : 0x%04x\n", info.Flags)
	if r := info.Requires; r != (tinymldelta.Requirements{}) {
		fmt.Printf("requires   : arena=%d abi=%d opset=0x%08x io=0x%08x\n",
			r.ArenaBytes, r.ABIVersion, r.OpsetHash, r.IOHash)
	}
	for _, v := range info.Vendor {
		fmt.Printf("vendor 0x%02x: %d bytes % x\n", v.Tag, len(v.Value), v.Value)
	}
	fmt.Printf("encoded    : %d payload bytes in %d chunks\n", info.EncodedBytes, info.ChunkCount)
	return nil
}

func algoName(algo uint8) string {
	switch algo {
	case patchgen.AlgoNone:
		return "none"
	case patchgen.AlgoCRC32:
		return "crc32"
	case patchgen.AlgoSHA256:
		return "sha256"
	default:
		return "reserved"
	}
}

func digestString(algo uint8, d [32]byte) string {
	switch algo {
	case patchgen.AlgoCRC32:
		return fmt.Sprintf("%08x", binary.LittleEndian.Uint32(d[:4]))
	case patchgen.AlgoSHA256:
		return fmt.Sprintf("%x", d)
	default:
		return "-"
	}
}

func parseRequirements(c *cli.Context) (tinymldelta.Requirements, error) {
	var req tinymldelta.Requirements

	v, err := parseUintFlag(c, "req-arena", 32)
	if err != nil {
		return req, err
	}
	req.ArenaBytes = uint32(v)

	if v, err = parseUintFlag(c, "abi", 16); err != nil {
		return req, err
	}
	req.ABIVersion = uint16(v)

	if v, err = parseUintFlag(c, "opset-hash", 32); err != nil {
		return req, err
	}
	req.OpsetHash = uint32(v)

	if v, err = parseUintFlag(c, "io-hash", 32); err != nil {
		return req, err
	}
	req.IOHash = uint32(v)
	return req, nil
}

// parseUintFlag accepts decimal or 0x-prefixed hex; empty means zero.
func parseUintFlag(c *cli.Context, name string, bits int) (uint64, error) {
	s := c.String(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, errors.Wrapf(err, "parse --%s", name)
	}
	return v, nil
}

func parseVendorTLVs(specs []string) ([]tinymldelta.VendorTLV, error) {
	var out []tinymldelta.VendorTLV
	for _, s := range specs {
		tagStr, valStr, ok := strings.Cut(s, "=")
		if !ok {
			return nil, errors.Errorf("--vendor %q: want tag=hexvalue", s)
		}
		tag, err := strconv.ParseUint(tagStr, 0, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "--vendor %q: tag", s)
		}
		value, err := hex.DecodeString(valStr)
		if err != nil {
			return nil, errors.Wrapf(err, "--vendor %q: value", s)
		}
		out = append(out, tinymldelta.VendorTLV{Tag: uint8(tag), Value: value})
	}
	return out, nil
}

func provenanceEntry(model string) (tinymldelta.VendorTLV, error) {
	cb, err := codec.NewCBOR[provenance](true)
	if err != nil {
		return tinymldelta.VendorTLV{}, err
	}
	value, err := codec.ForTLV[provenance](cb).Encode(provenance{
		Model: model,
		Tool:  "tmdctl",
	})
	if err != nil {
		return tinymldelta.VendorTLV{}, errors.Wrap(err, "encode provenance")
	}
	return tinymldelta.VendorTLV{Tag: provenanceTag, Value: value}, nil
}

// readKey loads an HMAC key file, tolerating a trailing newline.
func readKey(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("sealed patch: --key is required")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}
	key = bytes.TrimSpace(key)
	if len(key) == 0 {
		return nil, errors.Errorf("key file %s is empty", path)
	}
	return key, nil
}

// loadPatch reads a patch file, opening the envelope when the bytes are
// sealed. A key alongside a bare patch is an error: when delivery is
// supposed to be authenticated, unsealed files must not slip through.
func loadPatch(path, keyPath string) (patch []byte, sealed bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, errors.Wrap(err, "read patch")
	}
	if !envelope.IsSealed(data) {
		if keyPath != "" {
			return nil, false, errors.Errorf("%s is not a sealed patch but a key was given", path)
		}
		return data, false, nil
	}
	key, err := readKey(keyPath)
	if err != nil {
		return nil, true, err
	}
	patch, err = envelope.Open(data, key)
	return patch, true, err
}
