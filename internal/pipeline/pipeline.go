// Package pipeline assembles the receival stages around one router and runs
// them until the context ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"ecrecv/internal/config"
	"ecrecv/internal/coordinator"
	"ecrecv/internal/dispatch"
	"ecrecv/internal/gcs"
	"ecrecv/internal/metrics"
	"ecrecv/internal/router"
	"ecrecv/internal/sink"
	"ecrecv/internal/spool"
	"ecrecv/internal/store"
	"ecrecv/internal/tracker"
	"ecrecv/internal/validate"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Env carries what the daemon needs from outside its configuration. Zero
// fields get production defaults.
type Env struct {
	Fs       afero.Fs
	Metrics  *metrics.Metrics
	Consumer sink.Consumer
	Log      *slog.Logger
}

type Daemon struct {
	Router      *router.Router
	Tracker     *tracker.Tracker
	Validator   *validate.Validator
	Coordinator *coordinator.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Spool       *spool.Spool

	store   store.Store
	closers []io.Closer
	cfg     config.Config

	// transport runs the spool; replaced in tests
	transport func(ctx context.Context) error
	log       *slog.Logger
}

// New opens the state store, builds every stage and restores the records
// persisted by a previous run.
func New(ctx context.Context, cfg config.Config, env Env) (_ *Daemon, err error) {
	if env.Fs == nil {
		env.Fs = afero.NewOsFs()
	}
	if env.Metrics == nil {
		env.Metrics = metrics.Noop()
	}
	if env.Log == nil {
		env.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &Daemon{cfg: cfg, log: env.Log}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.store, err = store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if env.Consumer == nil {
		env.Consumer, err = d.consumer(ctx, cfg.Sink, env.Fs)
		if err != nil {
			return nil, err
		}
	}

	gap := cfg.Router.GapTimeout
	d.Router = router.New(cfg.Router, env.Log)
	d.Tracker = tracker.New(d.Router.Segments, cfg.Tracker, env.Log)
	d.Spool = spool.New(env.Fs, cfg.Spool.Dir, d.Tracker, env.Log)

	checker := validate.Chain{
		validate.NewChecksum(env.Fs, cfg.Validator.RequireChecksum),
		validate.NewFormat(env.Fs),
	}
	vcfg := cfg.Validator
	vcfg.GapTimeout = gap
	d.Validator = validate.New(d.Router.Requests, d.Router.Results, checker, vcfg, env.Metrics, env.Log)

	ccfg := cfg.Coordinator
	ccfg.GapTimeout = gap
	d.Coordinator = coordinator.New(d.store, d.Spool, coordinator.LinksFrom(d.Router), ccfg, env.Metrics, env.Log)

	dcfg := cfg.Dispatcher
	dcfg.GapTimeout = gap
	d.Dispatcher = dispatch.New(d.Router.Delivery.Ready, d.Router.Delivery.Acks, env.Consumer, dcfg, env.Metrics, env.Log)

	d.transport = func(ctx context.Context) error {
		return d.Spool.Run(ctx, cfg.Spool, d.Coordinator.Snapshot)
	}

	if err := d.restore(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// consumer builds the delivery chain: the mover always, then the bucket
// upload and the product event when configured.
func (d *Daemon) consumer(ctx context.Context, cfg config.SinkConfig, afs afero.Fs) (sink.Consumer, error) {
	chain := sink.Chain{sink.NewMover(afs, cfg.OutputDir)}

	if cfg.GCS.Bucket != "" {
		client, err := gcs.NewClient(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		d.closers = append(d.closers, client)
		chain = append(chain, gcs.NewUploader(client, afs, cfg.GCS.Bucket, cfg.GCS.Prefix))
	}

	if cfg.Events.URL != "" {
		cl, err := sink.Dial(ctx, cfg.Events.URL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, cl)
		chain = append(chain, sink.NewEvents(cl, afs, cfg.Events))
	}
	return chain, nil
}

func (d *Daemon) restore(ctx context.Context) error {
	recs, err := d.Coordinator.Restore(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		d.Spool.Remember(rec)
		d.Tracker.Restore(rec)
	}
	return nil
}

// Run starts every stage and blocks until ctx is done or a stage fails.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.Tracker.Run(ctx) })
	g.Go(func() error { return d.Validator.Run(ctx) })
	g.Go(func() error { return d.Coordinator.Run(ctx) })
	g.Go(func() error { return d.Dispatcher.Run(ctx) })
	g.Go(func() error {
		if err := d.transport(ctx); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		return nil
	})

	d.log.Info("Receiver running",
		slog.String("spool", d.cfg.Spool.Dir),
		slog.String("mode", d.cfg.Spool.Mode),
		slog.String("store", d.cfg.Store.Backend))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	for _, l := range d.Router.Links() {
		d.log.Debug("Lane closed", slog.String("lane", string(l.Lane())), slog.Int64("sent", l.Sent()), slog.Int("queued", l.Depth()))
	}
	return err
}

func (d *Daemon) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}
