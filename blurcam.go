// blurcam exposes a virtual webcam that blurs the background of a live
// camera feed. Run with no arguments it starts the daemon: frames are
// written to the virtual camera continuously, and the blur pipeline spins
// up automatically when an application starts consuming the device.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"blurcam/capture"
	"blurcam/compositor"
	"blurcam/config"
	"blurcam/daemon"
	"blurcam/logging"
	"blurcam/segmentation"
	"blurcam/vcam"
)

const version = "1.2.0"

var (
	inputFlag  int
	outputFlag string
)

func main() {
	root := &cobra.Command{
		Use:     "blurcam",
		Short:   "Virtual webcam with AI background blur",
		Version: version,
		Long: `blurcam runs a virtual webcam daemon with automatic background blur.

The daemon watches the virtual camera device: blur starts when an
application opens it and stops when the last one closes it.`,
		Example: `  blurcam                    Run daemon (auto-starts when the camera is used)
  blurcam config --blur 45   Adjust blur strength (applies live)
  blurcam config             Show current settings`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd)
		},
	}
	root.Flags().IntVarP(&inputFlag, "input", "i", 0, "input webcam device number")
	root.Flags().StringVarP(&outputFlag, "output", "o", "", "output virtual camera device")
	root.AddCommand(newConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command) error {
	logger := logging.NewLogger("main")

	settings := config.Load()
	if cmd.Flags().Changed("input") {
		settings.Input = inputFlag
	}
	if cmd.Flags().Changed("output") {
		settings.Output = outputFlag
	}
	settings = settings.Normalize()

	// The output device must exist before any goroutine starts; without it
	// there is nothing to serve and nothing to watch.
	out, err := vcam.Open(settings.Output, settings.Width, settings.Height, settings.FPS)
	if err != nil {
		return err
	}
	defer out.Close()

	logger.Info("blurcam daemon started")
	logger.Infof("Virtual camera: %s (%dx%d @ %dfps)", out.Device(), settings.Width, settings.Height, settings.FPS)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := config.NewWatcher(config.Path(), time.Second)
	go watcher.Run(ctx)

	monitor := daemon.NewMonitor(settings.Output, daemon.NewProcScanner(settings.Output))

	d := daemon.New(daemon.Options{
		Settings: watcher,
		Output:   out,
		Monitor:  monitor,
		OpenCapture: func(s config.Settings) (daemon.CaptureDevice, error) {
			// Device identity is fixed for the process lifetime; geometry
			// follows the snapshot in effect when a consumer attaches.
			return capture.Open(settings.Input, s.Width, s.Height, s.FPS)
		},
		NewSegmenter: func() (daemon.Segmenter, error) {
			path, err := segmentation.ModelPath()
			if err != nil {
				return nil, err
			}
			return segmentation.NewEngine(path)
		},
		Blend:  compositor.BlendBackground,
		Width:  settings.Width,
		Height: settings.Height,
	})

	return d.Run(ctx)
}

func newConfigCmd() *cobra.Command {
	var blur int
	var threshold float64

	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or adjust settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			current := config.Load()

			if !cmd.Flags().Changed("blur") && !cmd.Flags().Changed("threshold") {
				fmt.Println("Current settings:")
				fmt.Printf("  blur: %d\n", current.Blur)
				fmt.Println()
				fmt.Println("Adjust with:")
				fmt.Println("  blurcam config --blur 45")
				fmt.Println()
				fmt.Println("Advanced:")
				fmt.Printf("  threshold: %g (detection sensitivity, 0-1)\n", current.Threshold)
				return nil
			}

			if cmd.Flags().Changed("blur") {
				current.Blur = blur
			}
			if cmd.Flags().Changed("threshold") {
				current.Threshold = threshold
			}
			current = current.Normalize()
			if err := config.Save(current); err != nil {
				return err
			}

			fmt.Println("Settings updated:")
			if cmd.Flags().Changed("blur") {
				fmt.Printf("  blur: %d\n", current.Blur)
			}
			if cmd.Flags().Changed("threshold") {
				fmt.Printf("  threshold: %g\n", current.Threshold)
			}
			fmt.Println()
			fmt.Println("Changes apply immediately to running instance.")
			return nil
		},
	}
	cmd.Flags().IntVarP(&blur, "blur", "b", 0, "blur strength (odd number, default: 35)")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "detection sensitivity 0-1 (advanced, default: 0.5)")
	return cmd
}
