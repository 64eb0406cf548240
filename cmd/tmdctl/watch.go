package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
	"github.com/felixgalindo/TinyMLDelta/envelope"
	asynchook "github.com/felixgalindo/TinyMLDelta/hooks/async"
	logrusadapter "github.com/felixgalindo/TinyMLDelta/log/logrus"
	"github.com/felixgalindo/TinyMLDelta/sloghooks"
)

const patchSuffix = ".tmd"

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Apply patches dropped into a spool directory as they land",
		Flags: append(deviceFlags(),
			&cli.StringFlag{Name: "spool", Required: true, Usage: "Directory to watch for *.tmd files", EnvVars: []string{"TMD_SPOOL"}},
			&cli.StringFlag{Name: "key", TakesFile: true, Usage: "HMAC key file; patches must arrive sealed when set", EnvVars: []string{"TMD_KEY"}},
			&cli.StringFlag{Name: "events", Usage: "Append JSON apply events to this file", EnvVars: []string{"TMD_EVENTS"}},
		),
		Action: runWatch,
	}
}

func runWatch(c *cli.Context) error {
	cfg, err := loadDevice(c)
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

	opts := tinymldelta.Options{
		Port:   port,
		Layout: cfg.layout(),
		Device: cfg.profile(),
		Algo:   algo,
		Logger: logrusadapter.LogrusLogger{E: logrus.NewEntry(logrus.StandardLogger())},
	}

	// The event stream is for machines (fleet audit), the logrus output for
	// operators; hooks go through the async decorator so a slow disk cannot
	// stall flash writes.
	if eventsPath := c.String("events"); eventsPath != "" {
		f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open events file: %w", err)
		}
		defer f.Close()
		sink := sloghooks.New(slog.New(slog.NewJSONHandler(f, nil)), sloghooks.Options{ChunkEvery: 16})
		hooks := asynchook.New(sink, 1, 1024)
		defer hooks.Close()
		opts.Hooks = hooks
	}

	eng, err := tinymldelta.New(opts)
	if err != nil {
		return err
	}

	spool := c.String("spool")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(spool); err != nil {
		return fmt.Errorf("watch %s: %w", spool, err)
	}

	// Drain anything already waiting before the first event arrives.
	entries, err := os.ReadDir(spool)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), patchSuffix) {
			handleSpooled(ctx, eng, filepath.Join(spool, e.Name()), c.String("key"))
		}
	}

	logrus.Infof("watching %s for %s files", spool, patchSuffix)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, patchSuffix) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			handleSpooled(ctx, eng, event.Name, c.String("key"))
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.Warnf("watcher: %v", werr)
		}
	}
}

// handleSpooled applies one dropped file. Structural errors are treated as a
// copy still in flight and left alone for the next write event; anything
// else marks the file .failed so it cannot wedge the loop.
func handleSpooled(ctx context.Context, eng tinymldelta.Engine, path, keyPath string) {
	patch, _, err := loadPatch(path, keyPath)
	if err == nil {
		err = eng.Apply(ctx, patch)
	}
	switch {
	case err == nil:
		logrus.Infof("applied %s", path)
		finishSpooled(path, ".applied")
	case errors.Is(err, fs.ErrNotExist):
		logrus.Debugf("%s disappeared before apply", path)
	case errors.Is(err, tinymldelta.ErrHeader) || errors.Is(err, envelope.ErrFormat):
		logrus.Debugf("%s not complete yet: %v", path, err)
	default:
		logrus.Errorf("apply %s: %v", path, err)
		finishSpooled(path, ".failed")
	}
}

func finishSpooled(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		logrus.Warnf("rename %s: %v", path, err)
	}
}
