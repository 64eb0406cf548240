// tmdctl drives the TinyMLDelta patch pipeline from the host: generate and
// inspect patches, initialize and patch flash images, verify devices, and
// run a spool-directory watcher that applies patches as they land.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var versionGitCommit string
var versionBuildTime string

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	app := &cli.App{
		Name:    "tmdctl",
		Usage:   "TinyMLDelta A/B model patch tooling",
		Version: fmt.Sprintf("%s.%s", versionGitCommit, versionBuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Set log level (panic, fatal, error, warn, info, debug, trace)", EnvVars: []string{"TMD_LOG_LEVEL"}},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	app.Commands = []*cli.Command{
		genCommand(),
		inspectCommand(),
		initFlashCommand(),
		applyCommand(),
		verifyCommand(),
		watchCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
