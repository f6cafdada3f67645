package sync

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
)

// OpenOptions configures the backends created by Open.
type OpenOptions struct {
	Region       string             // AWS region for s3:// locations
	StorageClass types.StorageClass // storage class for uploaded objects

	// Runner executes termux-saf-* commands for content:// locations.
	// Defaults to ExecRunner.
	Runner Runner
	// Fs backs local paths. Defaults to the OS filesystem.
	Fs afero.Fs
}

// Open resolves uri to a Location. Supported forms are content:// SAF
// document URIs, s3://bucket/prefix, file:// URLs and plain local paths.
func Open(ctx context.Context, uri string, opts OpenOptions) (Location, error) {
	scheme, rest, hasScheme := strings.Cut(uri, "://")
	if !hasScheme {
		return openLocal(ctx, uri, opts)
	}

	switch scheme {
	case "content":
		runner := opts.Runner
		if runner == nil {
			runner = ExecRunner{}
		}
		return openRoot(ctx, NewTermuxStorage(runner), uri)
	case "s3":
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("%s: missing bucket", uri)
		}
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
		if err != nil {
			return Location{}, fmt.Errorf("load AWS config: %w", err)
		}
		st := NewS3Storage(s3.NewFromConfig(cfg), bucket, opts.StorageClass)
		return openRoot(ctx, st, prefix)
	case "file":
		u, err := url.Parse(uri)
		if err != nil {
			return Location{}, err
		}
		return openLocal(ctx, u.Path, opts)
	default:
		return Location{}, fmt.Errorf("%s: unsupported scheme %q", uri, scheme)
	}
}

func openLocal(ctx context.Context, path string, opts OpenOptions) (Location, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return Location{}, err
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return openRoot(ctx, NewLocalStorage(fs), path)
}

func openRoot(ctx context.Context, st Storage, uri string) (Location, error) {
	root, err := st.Root(ctx, uri)
	if err != nil {
		return Location{}, &StorageError{Op: "stat", URI: uri, Err: err}
	}
	return Location{Storage: st, Root: root}, nil
}
