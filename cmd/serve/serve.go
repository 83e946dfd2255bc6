package serve

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/device"
	"github.com/tphakala/audiobridge/internal/engine"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/feeder"
	"github.com/tphakala/audiobridge/internal/hardware"
	"github.com/tphakala/audiobridge/internal/httpserver"
	"github.com/tphakala/audiobridge/internal/logger"
	"github.com/tphakala/audiobridge/internal/observability"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

// newDriver is replaced in tests.
var newDriver = func(settings *conf.Settings) (hardware.Driver, error) {
	return hardware.NewMalgoDriver(settings.Device.Backend, logger.Global().Module("hardware"))
}

type options struct {
	stdin bool
	input io.Reader
	// ready receives the bound HTTP address once the server listens.
	ready func(addr string)
}

// Command creates the serve command, which runs the device session and the
// engine behind the HTTP status and control API until signalled.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device and engine behind the HTTP API",
		Long: `Open the configured playback device and node graph engine and serve the
status and control API, plus Prometheus metrics when enabled, until interrupted.
With --stdin, raw signed 16-bit little-endian PCM read from standard input is
fed to the device FIFO.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.stdin {
				opts.input = cmd.InOrStdin()
			}
			return run(ctx, settings, opts)
		},
	}

	setupFlags(cmd, settings, opts)
	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings, opts *options) {
	cmd.Flags().StringVar(&settings.HTTP.Listen, "listen", settings.HTTP.Listen, "HTTP listen address")
	cmd.Flags().BoolVar(&settings.Metrics.Enabled, "metrics", settings.Metrics.Enabled, "Serve Prometheus metrics on /metrics")
	cmd.Flags().BoolVar(&opts.stdin, "stdin", false, "Feed s16le PCM from standard input into the device FIFO")
}

// components is everything serve keeps open.
type components struct {
	driver  hardware.Driver
	session *device.Session
	feeder  *feeder.Feeder
	engine  *engine.Engine
	metrics *observability.Metrics
}

func (c *components) close() error {
	var errs []error
	if c.feeder != nil {
		c.feeder.Stop()
	}
	if c.engine != nil {
		errs = append(errs, c.engine.Close())
	}
	if c.session != nil {
		errs = append(errs, c.session.Close())
	}
	if c.driver != nil {
		errs = append(errs, c.driver.Close())
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, settings *conf.Settings, opts *options) (err error) {
	log := logger.Global().Module("serve")

	c, err := open(settings)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, c.close()) }()

	if err := c.feeder.Start(ctx); err != nil {
		return err
	}
	if err := c.session.Start(); err != nil {
		return err
	}

	srv := httpserver.New(httpserver.Config{Listen: settings.HTTP.Listen},
		httpserver.WithLogger(logger.Global().Module("http")),
		httpserver.WithDevice(c.session),
		httpserver.WithEngine(c.engine),
		httpserver.WithMetrics(c.metrics))
	srv.Start()
	if opts.ready != nil {
		go waitReady(ctx, srv, opts.ready)
	}

	if opts.input != nil {
		go func() {
			n, err := copyPaced(ctx, c.feeder, opts.input)
			log.Info("input finished", logger.Int64("bytes", n), logger.Error(err))
		}()
	}

	log.Info("serving",
		logger.String("listen", settings.HTTP.Listen),
		logger.String("session_id", c.session.ID()),
		logger.Bool("engine", c.engine != nil),
		logger.Bool("metrics", c.metrics != nil))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// open creates the driver, the device session with its FIFO and feeder, the
// engine when enabled, and the metrics bound to all of them.
func open(settings *conf.Settings) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			_ = c.close()
		}
	}()

	if c.driver, err = newDriver(settings); err != nil {
		return nil, err
	}
	deviceID, err := hardware.ResolveDevice(c.driver, hardware.Playback, settings.Device.ID)
	if err != nil {
		return nil, err
	}

	deviceRecorder, engineRecorder := metrics.Discard, metrics.Discard
	if settings.Metrics.Enabled {
		if c.metrics, err = observability.NewMetrics(); err != nil {
			return nil, err
		}
		deviceRecorder, engineRecorder = c.metrics.Device, c.metrics.Engine
	}

	c.session = device.NewSession(c.driver,
		device.WithLogger(logger.Global().Module("device")),
		device.WithRecorder(deviceRecorder))
	if err := c.session.Open(device.Config{
		SampleRate:   settings.Device.SampleRate,
		Channels:     settings.Device.Channels,
		PeriodFrames: settings.Device.PeriodFrames,
		DeviceID:     deviceID,
	}); err != nil {
		return nil, err
	}
	if err := c.session.SetMasterVolume(float32(settings.Device.Volume)); err != nil {
		return nil, err
	}
	capacity := settings.FIFO.Capacity
	if err := c.session.InstallFIFO(make([]int16, capacity), capacity, new(atomic.Int64), new(atomic.Int64)); err != nil {
		return nil, err
	}
	if c.feeder, err = feeder.New(c.session.FIFO(), feeder.Config{StagingBytes: settings.FIFO.Staging},
		feeder.WithLogger(logger.Global().Module("feeder"))); err != nil {
		return nil, err
	}

	if settings.Engine.Enabled {
		ttl, err := settings.Decode.TTL()
		if err != nil {
			return nil, err
		}
		c.engine, err = engine.New(engine.Config{
			SampleRate:     settings.Engine.SampleRate,
			Channels:       settings.Engine.Channels,
			PeriodFrames:   settings.Engine.PeriodFrames,
			DeviceID:       deviceID,
			ListenerCount:  settings.Engine.ListenerCount,
			NoAutoStart:    settings.Engine.NoAutoStart,
			DecodeCacheTTL: ttl,
			MaxDecodeBytes: int64(settings.Decode.MaxFileMB) << 20,
		}, c.driver,
			engine.WithLogger(logger.Global().Module("engine")),
			engine.WithRecorder(engineRecorder))
		if err != nil {
			return nil, err
		}
		c.engine.SetVolume(float32(settings.Engine.Volume))
	}

	if c.metrics != nil {
		c.metrics.BindDevice(c.session)
		c.metrics.BindFeeder(c.feeder)
		if c.engine != nil {
			c.metrics.BindEngine(c.engine)
		}
	}
	return c, nil
}

// copyPaced writes r into f as fast as f has room, never dropping bytes.
func copyPaced(ctx context.Context, f *feeder.Feeder, r io.Reader) (int64, error) {
	buf := make([]byte, min(4096, f.Capacity()))
	ticker := time.NewTicker(feeder.DefaultPollInterval)
	defer ticker.Stop()

	var total int64
	for {
		for f.Capacity()-f.Staged() < len(buf) {
			select {
			case <-ctx.Done():
				return total, nil
			case <-ticker.C:
			}
		}
		n, err := r.Read(buf)
		if n > 0 {
			w, werr := f.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if ctx.Err() != nil {
			return total, nil
		}
	}
}

func waitReady(ctx context.Context, srv *httpserver.Server, ready func(string)) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr := srv.Addr(); addr != "" {
			ready(addr)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
