package sink

import (
	"context"
	"fmt"
	"os"
	"time"

	"ecrecv/internal/dataset"
	"ecrecv/internal/model"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

const defaultStream = "ecrecv:products"

type EventsConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// Events announces every delivered product on a Redis stream, so that model
// runs waiting for their input can start.
type Events struct {
	cl     *redis.Client
	fs     afero.Fs
	stream string
	maxLen int64
	host   string
	now    func() time.Time
}

func NewEvents(cl *redis.Client, fs afero.Fs, cfg EventsConfig) *Events {
	if cfg.Stream == "" {
		cfg.Stream = defaultStream
	}
	host, _ := os.Hostname()
	return &Events{
		cl:     cl,
		fs:     fs,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		host:   host,
		now:    time.Now,
	}
}

// Dial connects to the Redis server at url and checks it answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cl := redis.NewClient(opt)
	if err := cl.Ping(ctx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return cl, nil
}

func (e *Events) Name() string {
	return "events"
}

func (e *Events) Accept(ctx context.Context, d *Delivery) error {
	sum, err := d.Digest(e.fs)
	if err != nil {
		return fmt.Errorf("%w: digest %s: %v", model.ErrDownstreamUnavailable, d.Path, err)
	}

	values := map[string]any{
		"id":       string(d.ID),
		"name":     d.Name,
		"location": d.Path,
		"host":     e.host,
		"size":     sum.Size,
		"md5":      sum.MD5,
		"time":     e.now().UTC().Format(time.RFC3339),
	}
	if n, err := dataset.Parse(d.Name, e.now()); err == nil {
		values["product"] = n.Product()
		if !n.Start.IsZero() {
			values["reference_time"] = n.Start.UTC().Format(time.RFC3339)
		}
	}

	args := &redis.XAddArgs{Stream: e.stream, Values: values}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}

	entry, err := e.cl.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("%w: xadd %s: %v", model.ErrDownstreamUnavailable, e.stream, err)
	}
	d.Locations = append(d.Locations, fmt.Sprintf("redis:%s/%s", e.stream, entry))
	return nil
}
