package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
	logrusadapter "github.com/felixgalindo/TinyMLDelta/log/logrus"
	"github.com/felixgalindo/TinyMLDelta/patchgen"
)

func initFlashCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-flash",
		Usage: "Create a flash image with the base model in both slots",
		Flags: append(deviceFlags(),
			&cli.StringFlag{Name: "base", Required: true, TakesFile: true, Usage: "Model image placed in slot A and slot B"},
		),
		Action: runInitFlash,
	}
}

func runInitFlash(c *cli.Context) error {
	cfg, err := loadDevice(c)
	if err != nil {
		return err
	}
	base, err := os.ReadFile(c.String("base"))
	if err != nil {
		return errors.Wrap(err, "read base image")
	}
	l := cfg.layout()
	if uint64(len(base)) > uint64(l.SlotA.Size) {
		return errors.Errorf("model is %d bytes, slot size is %d", len(base), l.SlotA.Size)
	}

	port, err := cfg.openPort(true)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer port.Close(ctx)

	if err := port.Write(ctx, l.SlotA.Addr, base); err != nil {
		return err
	}
	if err := port.Write(ctx, l.SlotB.Addr, base); err != nil {
		return err
	}
	if err := port.SetActiveSlot(ctx, 0); err != nil {
		return err
	}
	if err := port.ClearJournal(ctx); err != nil {
		return err
	}

	logrus.Infof("flash image initialized: %s (%d bytes, model %d bytes in both slots)",
		cfg.Image, l.End(), len(base))
	return nil
}

func applyCommand() *cli.Command {
	return &cli.Command{
		Name:  "apply",
		Usage: "Apply a patch to a device flash image",
		Flags: append(deviceFlags(),
			&cli.StringFlag{Name: "patch", Required: true, TakesFile: true, Usage: "Patch path (sealed or bare)"},
			&cli.StringFlag{Name: "key", TakesFile: true, Usage: "HMAC key file for sealed patches", EnvVars: []string{"TMD_KEY"}},
			&cli.BoolFlag{Name: "no-journal", Usage: "Skip journal writes during apply"},
		),
		Action: runApply,
	}
}

func runApply(c *cli.Context) error {
	cfg, err := loadDevice(c)
	if err != nil {
		return err
	}
	patch, _, err := loadPatch(c.String("patch"), c.String("key"))
	if err != nil {
		return err
	}
	algo, err := tinymldelta.ParseAlgo(cfg.Algo)
	if err != nil {
		return err
	}

	port, err := cfg.openPort(false)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer port.Close(ctx)

	eng, err := tinymldelta.New(tinymldelta.Options{
		Port:           port,
		Layout:         cfg.layout(),
		Device:         cfg.profile(),
		Algo:           algo,
		DisableJournal: c.Bool("no-journal"),
		Logger:         logrusadapter.LogrusLogger{E: logrus.NewEntry(logrus.StandardLogger())},
	})
	if err != nil {
		return err
	}
	if err := eng.Apply(ctx, patch); err != nil {
		return err
	}

	active, err := port.ActiveSlot(ctx)
	if err != nil {
		return err
	}
	logrus.Infof("patch applied: %s now runs from slot %s", cfg.Image, slotName(active))
	return nil
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Check a flash image holds the expected model",
		Flags: append(deviceFlags(),
			&cli.StringFlag{Name: "target", TakesFile: true, Usage: "Expected model image; its bytes must appear in the flash image"},
			&cli.StringFlag{Name: "patch", TakesFile: true, Usage: "Patch whose target digest the active slot must match"},
			&cli.StringFlag{Name: "key", TakesFile: true, Usage: "HMAC key file for sealed patches", EnvVars: []string{"TMD_KEY"}},
		),
		Action: runVerify,
	}
}

func runVerify(c *cli.Context) error {
	cfg, err := loadDevice(c)
	if err != nil {
		return err
	}
	if c.String("target") == "" && c.String("patch") == "" {
		return errors.New("nothing to verify: give --target and/or --patch")
	}

	if targetPath := c.String("target"); targetPath != "" {
		target, err := os.ReadFile(targetPath)
		if err != nil {
			return errors.Wrap(err, "read target image")
		}
		flash, err := os.ReadFile(cfg.Image)
		if err != nil {
			return errors.Wrap(err, "read flash image")
		}
		if !bytes.Contains(flash, target) {
			return errors.Errorf("target image %s not found in flash %s", targetPath, cfg.Image)
		}
		logrus.Infof("target image found in flash (%d bytes)", len(target))
	}

	if patchPath := c.String("patch"); patchPath != "" {
		patch, _, err := loadPatch(patchPath, c.String("key"))
		if err != nil {
			return err
		}
		info, err := tinymldelta.Inspect(patch)
		if err != nil {
			return err
		}
		if err := verifyActiveSlot(cfg, info); err != nil {
			return err
		}
	}

	logrus.Info("verify ok")
	return nil
}

// verifyActiveSlot recomputes the active slot's digest over the patch's
// target length and compares it to the header's target digest.
func verifyActiveSlot(cfg *deviceConfig, info *tinymldelta.PatchInfo) error {
	port, err := cfg.openPort(false)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer port.Close(ctx)

	marker, err := port.ActiveSlot(ctx)
	if err != nil {
		return err
	}
	slot := cfg.layout().Slot(marker)
	if info.TargetLen > slot.Size {
		return errors.Errorf("patch target is %d bytes, slot size is %d", info.TargetLen, slot.Size)
	}
	img := make([]byte, info.TargetLen)
	if err := port.Read(ctx, slot.Addr, img); err != nil {
		return err
	}

	var got [32]byte
	switch info.Algo {
	case patchgen.AlgoCRC32:
		binary.LittleEndian.PutUint32(got[:4], crc32.ChecksumIEEE(img))
	case patchgen.AlgoSHA256:
		got = sha256.Sum256(img)
	default:
		return errors.Errorf("patch algo %d carries no digest to verify against", info.Algo)
	}
	if got != info.TargetDigest {
		return errors.Errorf("active slot %s does not match the patch target digest", slotName(marker))
	}
	logrus.Infof("active slot %s matches the patch target digest (%s)", slotName(marker), algoName(info.Algo))
	return nil
}

func slotName(idx uint8) string {
	if idx == 0 {
		return "A"
	}
	return "B"
}
