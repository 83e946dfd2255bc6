package devices

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/hardware"
	"github.com/tphakala/audiobridge/internal/logger"
)

// newDriver is replaced in tests.
var newDriver = func(settings *conf.Settings) (hardware.Driver, error) {
	return hardware.NewMalgoDriver(settings.Device.Backend, logger.Global().Module("hardware"))
}

type options struct {
	capture      bool
	hardwareOnly bool
}

// Command creates the devices command, which lists the backend's devices.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Long:  "List the playback devices of the configured backend, or capture devices with --capture.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), settings, opts)
		},
	}

	setupFlags(cmd, opts)
	return cmd
}

func setupFlags(cmd *cobra.Command, opts *options) {
	cmd.Flags().BoolVar(&opts.capture, "capture", false, "List capture devices instead of playback devices")
	cmd.Flags().BoolVar(&opts.hardwareOnly, "hardware", false, "Hide virtual devices")
}

func run(w io.Writer, settings *conf.Settings, opts *options) error {
	driver, err := newDriver(settings)
	if err != nil {
		return err
	}
	defer func() { _ = driver.Close() }()

	dir := hardware.Playback
	if opts.capture {
		dir = hardware.Capture
	}
	list, err := driver.Devices(dir)
	if err != nil {
		return err
	}
	if opts.hardwareOnly {
		list = hardware.HardwareOnly(list)
	}
	return printDevices(w, driver.Name(), dir, list)
}

func printDevices(w io.Writer, backend string, dir hardware.Direction, list []hardware.DeviceInfo) error {
	if len(list) == 0 {
		_, err := fmt.Fprintf(w, "No %s devices found on %s\n", dir, backend)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "INDEX\tDEFAULT\tNAME\tID\n")
	for _, d := range list {
		mark := ""
		if d.Default {
			mark = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.Index, mark, d.Name, d.DecodedID())
	}
	return tw.Flush()
}
