package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BryanJacobs/saf-sync/sync"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		logrus.Fatalf("mirror failed: %v", err)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "saf-sync <SOURCE_URI> <DESTINATION_URI>",
		Short: "Make one directory tree match the contents of another",
		Long: `saf-sync mirrors SOURCE_URI onto DESTINATION_URI: entries missing from the
source are deleted and files are copied unless the destination copy has the
same size and is at least as new.

Locations may be Android Storage Access Framework URIs (content://, through
the termux-saf-* commands), S3 prefixes (s3://bucket/prefix) or local paths.`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,

		// main logs the returned error.
		SilenceErrors: true,
		PreRunE: func(*cobra.Command, []string) error {
			return readConfigFile(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.saf-sync.yaml)")
	flags.Bool("dry-run", false, "log actions without making changes")
	flags.Duration("time-granularity", 0, "truncate modification times to this unit before comparing (default 1s)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")
	flags.String("s3-region", "", "AWS region for s3:// locations")
	flags.String("s3-storage-class", "", "S3 storage class for uploaded objects")

	setDefaults(v)
	for key, flag := range map[string]string{
		"dry_run":          "dry-run",
		"time_granularity": "time-granularity",
		"log.level":        "log-level",
		"log.json":         "log-json",
		"s3.region":        "s3-region",
		"s3.storage_class": "s3-storage-class",
	} {
		v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func run(ctx context.Context, cfg *Config, srcURI, dstURI string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	logger := newLogger(cfg.Log)
	openOpts := sync.OpenOptions{
		Region:       cfg.S3.Region,
		StorageClass: types.StorageClass(cfg.S3.StorageClass),
	}

	src, err := sync.Open(ctx, srcURI, openOpts)
	if err != nil {
		return err
	}
	dst, err := sync.Open(ctx, dstURI, openOpts)
	if err != nil {
		return err
	}

	stats, err := sync.Mirror(ctx, sync.Options{
		Src:             src,
		Dst:             dst,
		DryRun:          cfg.DryRun,
		TimeGranularity: cfg.TimeGranularity,
		Logger:          logger,
	})
	logger.WithFields(logrus.Fields{
		"created": stats.Created,
		"written": stats.Written,
		"skipped": stats.Skipped,
		"deleted": stats.Deleted,
		"dry_run": cfg.DryRun,
	}).Info("mirror stats")
	return err
}
