package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"nexus/audio"
	"nexus/doctor"
	"nexus/encoder"
	"nexus/research"
	"nexus/shutdown"
)

var doctorMic bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the backend, microphone and clipboard",
	Long: `Runs diagnostics and exits non-zero if any check fails:
  1. Research backend answers /api/hello
  2. Capture devices can be listed (and --device exists)
  3. With --mic: a short recording is transcribed for you to confirm
  4. The clipboard can be written and read back`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := shutdown.Context(cmd.Context())
		defer stop()

		o := doctor.Options{
			Backend:   research.NewClient(cfg.BackendURL),
			Device:    cfg.Device,
			Format:    cfg.Format,
			SessionID: uuid.NewString(),
			Mic:       doctorMic,
			In:        os.Stdin,
			Out:       cmd.OutOrStdout(),
		}
		if actx, err := audio.NewContext(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: cannot connect to audio: %v\n", err)
		} else {
			defer actx.Close()
			o.Audio = actx
		}
		if tr, err := newTranscriber(cfg); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		} else {
			o.Transcriber = tr
		}

		if code := doctor.Run(ctx, o); code != 0 {
			return errors.New("diagnostics failed")
		}
		return nil
	},
}

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <report.md>",
	Short: "Render a markdown report to PDF through the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		out := exportOut
		if out == "" {
			out = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])) + ".pdf"
		}

		ctx, stop := shutdown.Context(cmd.Context())
		defer stop()
		ex := &reportExporter{backend: research.NewClient(cfg.BackendURL), timeout: cfg.ExportTimeout}
		if err := ex.writePDF(ctx, string(data), out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out)
		return nil
	},
}

var devicesSelect bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices, or pick one with --select",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		actx, err := audio.NewContext()
		if err != nil {
			return fmt.Errorf("audio init: %w", err)
		}
		defer actx.Close()

		if !devicesSelect {
			return audio.ListDevices(cmd.OutOrStdout(), actx)
		}
		dev, err := audio.SelectDevice(actx)
		if errors.Is(err, audio.ErrSelectionCancelled) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Selected: %s\n", dev.Name)
		fmt.Fprintf(cmd.OutOrStdout(), "Run with --device %q or set device = %q in config.toml\n", dev.Name, dev.Name)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nexus %s (formats: %s, %s)\n", version, encoder.FormatWAV, encoder.FormatFLAC)
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorMic, "mic", false, "record and transcribe a short clip")
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "output PDF path (default: <report>.pdf)")
	devicesCmd.Flags().BoolVar(&devicesSelect, "select", false, "pick a device interactively")
}
