package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
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
	"github.com/tphakala/audiobridge/internal/logger"
)

// newDriver is replaced in tests.
var newDriver = func(settings *conf.Settings) (hardware.Driver, error) {
	return hardware.NewMalgoDriver(settings.Device.Backend, logger.Global().Module("hardware"))
}

var waveforms = map[string]engine.WaveformType{
	"sine":     engine.WaveSine,
	"square":   engine.WaveSquare,
	"triangle": engine.WaveTriangle,
	"sawtooth": engine.WaveSawtooth,
}

type options struct {
	tone      float64
	waveform  string
	amplitude float64
	file      string
	seconds   float64
}

// Command creates the stream command, which feeds a device session's FIFO
// from a tone generator or a decoded file.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream a tone or a file through the device FIFO",
		Long: `Open a playback device session, install a FIFO and keep it fed from a
tone generator or a decoded audio file. Prints session statistics on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd.OutOrStdout(), settings, opts)
		},
	}

	setupFlags(cmd, settings, opts)
	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings, opts *options) {
	cmd.Flags().Float64Var(&opts.tone, "tone", 440, "Tone frequency in Hz")
	cmd.Flags().StringVar(&opts.waveform, "waveform", "sine", "Tone waveform: sine, square, triangle, sawtooth")
	cmd.Flags().Float64Var(&opts.amplitude, "amplitude", 0.25, "Tone amplitude between 0 and 1")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Audio file to stream instead of a tone")
	cmd.Flags().Float64VarP(&opts.seconds, "seconds", "s", 0, "Stop after this many seconds (0 streams until interrupted or the file ends)")
	cmd.Flags().Float64Var(&settings.Device.Volume, "volume", settings.Device.Volume, "Master volume")
	cmd.MarkFlagsMutuallyExclusive("tone", "file")
}

func run(ctx context.Context, w io.Writer, settings *conf.Settings, opts *options) error {
	log := logger.Global().Module("stream")
	if opts.seconds < 0 {
		return errors.ValidationError("seconds must not be negative")
	}

	driver, err := newDriver(settings)
	if err != nil {
		return err
	}
	defer func() { _ = driver.Close() }()

	deviceID, err := hardware.ResolveDevice(driver, hardware.Playback, settings.Device.ID)
	if err != nil {
		return err
	}

	session := device.NewSession(driver, device.WithLogger(logger.Global().Module("device")))
	defer func() { _ = session.Close() }()
	if err := session.Open(device.Config{
		SampleRate:   settings.Device.SampleRate,
		Channels:     settings.Device.Channels,
		PeriodFrames: settings.Device.PeriodFrames,
		DeviceID:     deviceID,
	}); err != nil {
		return err
	}
	if err := session.SetMasterVolume(float32(settings.Device.Volume)); err != nil {
		return err
	}

	src, err := newProducer(settings, opts, session.SampleRate(), session.Channels(), log)
	if err != nil {
		return err
	}

	capacity := settings.FIFO.Capacity
	if err := session.InstallFIFO(make([]int16, capacity), capacity, new(atomic.Int64), new(atomic.Int64)); err != nil {
		return err
	}
	fd, err := feeder.New(session.FIFO(), feeder.Config{StagingBytes: settings.FIFO.Staging},
		feeder.WithLogger(logger.Global().Module("feeder")))
	if err != nil {
		return err
	}
	defer fd.Stop()

	if opts.seconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.seconds*float64(time.Second)))
		defer cancel()
	}
	if err := fd.Start(ctx); err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		return err
	}
	log.Info("streaming",
		logger.String("session_id", session.ID()),
		logger.Int("sample_rate", session.SampleRate()),
		logger.Int("channels", session.Channels()),
		logger.Int("fifo_capacity", capacity))

	pumpErr := pump(ctx, src, fd, session, session.Config().PeriodFrames*session.Channels())
	stopErr := session.Stop()
	fd.Stop()

	printStats(w, session.Stats(), fd.Stats())
	return errors.Join(pumpErr, stopErr)
}

func newProducer(settings *conf.Settings, opts *options, sampleRate, channels int, log logger.Logger) (producer, error) {
	if opts.file == "" {
		kind, ok := waveforms[strings.ToLower(opts.waveform)]
		if !ok {
			return nil, errors.ValidationError(fmt.Sprintf("unknown waveform %q", opts.waveform))
		}
		if opts.tone <= 0 {
			return nil, errors.ValidationError("tone frequency must be positive")
		}
		return newToneProducer(kind, opts.tone, opts.amplitude, sampleRate, channels), nil
	}

	pcm, err := engine.DecodeFile(opts.file, int64(settings.Decode.MaxFileMB)<<20)
	if err != nil {
		return nil, err
	}
	if pcm.SampleRate != sampleRate {
		log.Warn("file sample rate differs from device, playback speed will be off",
			logger.Int("file_rate", pcm.SampleRate),
			logger.Int("device_rate", sampleRate))
	}
	log.Debug("decoded file",
		logger.String("path", opts.file),
		logger.Float64("duration_s", pcm.Duration()))
	return newPCMProducer(pcm, channels), nil
}

// pump keeps the feeder's staging buffer topped up until ctx ends or the
// producer is exhausted and everything staged has played.
func pump(ctx context.Context, src producer, fd *feeder.Feeder, session *device.Session, chunkSamples int) error {
	chunk := make([]int16, max(chunkSamples, 1))
	ticker := time.NewTicker(feeder.DefaultPollInterval)
	defer ticker.Stop()

	exhausted := false
	start := fd.Stats().SamplesMoved
	var written uint64
	for {
		for !exhausted && fd.Capacity()-fd.Staged() >= 2*len(chunk) {
			n := src.Read(chunk)
			if n == 0 {
				exhausted = true
				break
			}
			staged, err := fd.WriteSamples(chunk[:n])
			written += uint64(staged)
			if err != nil {
				return err
			}
		}
		if exhausted && fd.Stats().SamplesMoved-start == written && session.FIFOAvailable() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printStats(w io.Writer, ds device.Stats, fs feeder.Stats) {
	fmt.Fprintf(w, "frames consumed:   %d\n", ds.FramesConsumed)
	fmt.Fprintf(w, "samples delivered: %d\n", ds.SamplesDelivered)
	fmt.Fprintf(w, "callbacks:         %d\n", ds.Callbacks)
	fmt.Fprintf(w, "underruns:         %d\n", ds.Underruns)
	fmt.Fprintf(w, "samples staged:    %d\n", fs.SamplesMoved)
	fmt.Fprintf(w, "bytes dropped:     %d\n", fs.BytesDropped)
}
