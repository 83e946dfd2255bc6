package play

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/engine"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/hardware"
	"github.com/tphakala/audiobridge/internal/logger"
)

const pollInterval = 20 * time.Millisecond

// newDriver is replaced in tests.
var newDriver = func(settings *conf.Settings) (hardware.Driver, error) {
	return hardware.NewMalgoDriver(settings.Device.Backend, logger.Global().Module("hardware"))
}

type options struct {
	lpf   float64
	hpf   float64
	delay float64
	loop  bool
}

// Command creates the play command, which plays files through the engine.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "play FILE...",
		Short: "Play audio files through the node graph engine",
		Long: `Decode and play one or more audio files at once through the engine, optionally
through a low-pass, high-pass and delay chain. Returns when every sound has ended.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd.OutOrStdout(), settings, opts, args)
		},
	}

	setupFlags(cmd, settings, opts)
	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings, opts *options) {
	cmd.Flags().Float64Var(&opts.lpf, "lpf", 0, "Low-pass cutoff in Hz (0 disables)")
	cmd.Flags().Float64Var(&opts.hpf, "hpf", 0, "High-pass cutoff in Hz (0 disables)")
	cmd.Flags().Float64Var(&opts.delay, "delay", 0, "Echo delay in seconds (0 disables)")
	cmd.Flags().BoolVar(&opts.loop, "loop", false, "Loop every file until interrupted")
	cmd.Flags().Float64Var(&settings.Engine.Volume, "volume", settings.Engine.Volume, "Engine master volume")
}

// engineConfig maps settings onto an engine configuration.
func engineConfig(settings *conf.Settings, deviceID hardware.DeviceID) (engine.Config, error) {
	ttl, err := settings.Decode.TTL()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		SampleRate:     settings.Engine.SampleRate,
		Channels:       settings.Engine.Channels,
		PeriodFrames:   settings.Engine.PeriodFrames,
		DeviceID:       deviceID,
		ListenerCount:  settings.Engine.ListenerCount,
		DecodeCacheTTL: ttl,
		MaxDecodeBytes: int64(settings.Decode.MaxFileMB) << 20,
	}, nil
}

func run(ctx context.Context, w io.Writer, settings *conf.Settings, opts *options, files []string) error {
	log := logger.Global().Module("play")

	driver, err := newDriver(settings)
	if err != nil {
		return err
	}
	defer func() { _ = driver.Close() }()

	deviceID, err := hardware.ResolveDevice(driver, hardware.Playback, settings.Device.ID)
	if err != nil {
		return err
	}
	cfg, err := engineConfig(settings, deviceID)
	if err != nil {
		return err
	}
	e, err := engine.New(cfg, driver, engine.WithLogger(logger.Global().Module("engine")))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()
	e.SetVolume(float32(settings.Engine.Volume))

	head, err := buildChain(e, opts)
	if err != nil {
		return err
	}

	var flags engine.Flags
	if opts.loop {
		flags |= engine.FlagLooping
	}
	sounds := make([]*engine.Sound, 0, len(files))
	for _, path := range files {
		s, err := e.NewSoundFromFile(path, flags, nil)
		if err != nil {
			return err
		}
		if head != nil {
			if err := e.RouteSound(s, head); err != nil {
				return err
			}
		}
		sounds = append(sounds, s)
		fmt.Fprintf(w, "%s: %.2f s\n", path, float64(s.LengthInPCMFrames())/float64(e.SampleRate()))
	}
	for _, s := range sounds {
		s.Play()
	}
	log.Info("playing", logger.Int("sounds", len(sounds)), logger.Float64("volume", float64(e.Volume())))

	waitErr := waitForEnd(ctx, sounds)
	st := e.Stats()
	fmt.Fprintf(w, "played %d frames in %d passes\n", st.Time, st.Passes)
	return waitErr
}

// buildChain creates the requested filter and delay nodes, wires them in
// series into the endpoint and returns the first node, or nil when no effect
// was requested.
func buildChain(e *engine.Engine, opts *options) (engine.Node, error) {
	var chain []engine.Node

	if opts.hpf > 0 {
		n, err := e.NewHPF()
		if err != nil {
			return nil, err
		}
		if err := n.SetCutoff(opts.hpf); err != nil {
			return nil, err
		}
		chain = append(chain, n)
	}
	if opts.lpf > 0 {
		n, err := e.NewLPF()
		if err != nil {
			return nil, err
		}
		if err := n.SetCutoff(opts.lpf); err != nil {
			return nil, err
		}
		chain = append(chain, n)
	}
	if opts.delay > 0 {
		n, err := e.NewDelay()
		if err != nil {
			return nil, err
		}
		if err := n.SetDelay(opts.delay); err != nil {
			return nil, err
		}
		chain = append(chain, n)
	} else if opts.delay < 0 {
		return nil, errors.ValidationError("delay must not be negative")
	}

	if len(chain) == 0 {
		return nil, nil
	}
	for i, n := range chain {
		var next engine.Node = e.Endpoint()
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		if err := e.AttachOutputBus(n, 0, next, 0); err != nil {
			return nil, err
		}
	}
	return chain[0], nil
}

func waitForEnd(ctx context.Context, sounds []*engine.Sound) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ended := true
		for _, s := range sounds {
			if !s.AtEnd() {
				ended = false
				break
			}
		}
		if ended {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
