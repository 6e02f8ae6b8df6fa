package gcs

import (
	"context"
	"errors"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	CredsJSON string `yaml:"credentials_json"`
	Endpoint  string `yaml:"endpoint"` // emulator or private endpoint
}

func NewClient(ctx context.Context, cfg Config) (*storage.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("missing gcs bucket")
	}

	var opts []option.ClientOption
	if cfg.CredsJSON != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredsJSON))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	// no options means Application Default Credentials
	return storage.NewClient(ctx, opts...)
}
