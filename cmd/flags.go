package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/zhengshuai-xiao/TierBak/backup"
	"github.com/zhengshuai-xiao/TierBak/internal"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "conf",
			Aliases: []string{"c"},
			Value:   "tierbak.json",
			Usage:   "path to the configuration file",
		},
		&cli.StringFlag{
			Name:  "logdir",
			Usage: "write logs to a rotated file under this directory instead of stderr",
		},
		&cli.StringFlag{
			Name:  "loglevel",
			Value: "info",
			Usage: "log level: trace/debug/info/warn/error",
		},
		&cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colored log output",
		},
	}
}

func setupLogging(c *cli.Context) {
	if c.Bool("no-color") {
		internal.DisableLogColor()
	}
	if dir := c.String("logdir"); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			logger.Fatalf("failed to create log directory %s: %v", dir, err)
		}
		internal.SetOutFile(dir + "/tierbak.log")
	}
	switch c.String("loglevel") {
	case "trace":
		internal.SetLogLevel(logrus.TraceLevel)
	case "debug":
		internal.SetLogLevel(logrus.DebugLevel)
	case "info":
		internal.SetLogLevel(logrus.InfoLevel)
	case "warn":
		internal.SetLogLevel(logrus.WarnLevel)
	case "error":
		internal.SetLogLevel(logrus.ErrorLevel)
	default:
		internal.SetLogLevel(logrus.InfoLevel)
	}
}

// loadConfig reads the JSON configuration file named by --conf. Credentials
// may come from the environment instead of the file.
func loadConfig(c *cli.Context) (*backup.Config, error) {
	path := c.String("conf")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}
	var cfg backup.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration %s: %w", path, err)
	}

	if cfg.S3 != nil {
		if ak := os.Getenv("TIERBAK_S3_ACCESS_KEY"); ak != "" {
			cfg.S3.AccessKey = ak
		}
		if sk := os.Getenv("TIERBAK_S3_SECRET_KEY"); sk != "" {
			cfg.S3.SecretKey = sk
		}
	}
	return &cfg, nil
}

// newManager builds the engine from the configuration, wiring the object
// store when one is configured.
func newManager(ctx context.Context, c *cli.Context) (*backup.Manager, error) {
	setupLogging(c)
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	var store backup.ObjectStore
	if cfg.S3 != nil {
		store, err = backup.NewS3Store(cfg.S3)
		if err != nil {
			return nil, err
		}
	}
	return backup.NewManager(ctx, cfg, store, nil)
}
