package main

import (
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"nexus/audio"
	"nexus/beep"
	"nexus/chat"
	"nexus/clipboard"
	"nexus/config"
	"nexus/gate"
	"nexus/log"
	"nexus/recorder"
	"nexus/research"
	"nexus/settings"
	"nexus/shutdown"
	"nexus/transcriber"
)

var version = "dev"

type flags struct {
	configPath  string
	logPath     string
	profile     string
	backend     string
	device      string
	format      string
	transcriber string
	language    string
	exportDir   string
	noBeep      bool
}

var opts flags

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Deep research chat in the terminal",
	Long: `nexus drives a deep research backend from the terminal.

Give it a topic, review the report plan it drafts, approve it or send
feedback until it fits, and get the final report. Speak instead of typing
with ctrl+t.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runShell,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default: <config dir>/nexus/config.toml)")
	pf.StringVar(&opts.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	pf.StringVar(&opts.profile, "profile", "", "enable pprof profiling server (e.g. localhost:6060)")
	pf.StringVar(&opts.backend, "backend", "", "research backend base URL")
	pf.StringVar(&opts.device, "device", "", "use named microphone device")
	pf.StringVar(&opts.format, "format", "", "clip format: wav or flac")
	pf.StringVar(&opts.transcriber, "transcriber", "", "transcription provider: backend or deepgram")
	pf.StringVar(&opts.language, "lang", "", "language code for transcription (empty = auto-detect)")
	pf.StringVar(&opts.exportDir, "export-dir", "", "directory for exported PDF reports")
	rootCmd.Flags().BoolVar(&opts.noBeep, "no-beep", false, "disable recording sounds")

	rootCmd.AddCommand(doctorCmd, exportCmd, devicesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup resolves the log directory and crash log before any command runs.
func setup(cmd *cobra.Command, _ []string) error {
	dir, err := log.ResolveDir(opts.logPath)
	if err != nil {
		return fmt.Errorf("failed to resolve log directory: %w", err)
	}
	log.SetDir(dir)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		fmt.Fprintf(crashFile, "\n=== %s %s [pid=%d] ===\n", cmd.Name(), time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if opts.profile != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", opts.profile)
			if err := http.ListenAndServe(opts.profile, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}
	return nil
}

// loadConfig layers command-line flags over config.Load and validates the
// result.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := opts.configPath
	if path == "" {
		if p, err := config.Path(); err == nil {
			path = p
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, cmd *cobra.Command) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("backend", &cfg.BackendURL, opts.backend)
	set("device", &cfg.Device, opts.device)
	set("format", &cfg.Format, opts.format)
	set("transcriber", &cfg.Transcriber, opts.transcriber)
	set("lang", &cfg.Language, opts.language)
	set("export-dir", &cfg.ExportDir, opts.exportDir)
}

func newTranscriber(cfg config.Config) (transcriber.Transcriber, error) {
	tr, err := transcriber.New(cfg.Transcriber, cfg.BackendURL, cfg.DeepgramKey)
	if err != nil {
		return nil, err
	}
	tr.SetLanguage(cfg.Language)
	return tr, nil
}

func runShell(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.noBeep {
		beep.Disable()
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	ctx, stop := shutdown.Context(cmd.Context())
	defer stop()

	client := research.NewClient(cfg.BackendURL)
	defer client.Close()
	g := gate.New()
	machine := chat.New(client, g, cfg.RequestTimeout)

	exporter := &reportExporter{
		backend: client,
		gate:    g,
		dir:     cfg.ResolveExportDir(),
		timeout: cfg.ExportTimeout,
	}
	sink := newProgramSink(!opts.noBeep)
	deps := shellDeps{
		chat:     machine,
		export:   exporter.Export,
		copy:     clipboard.Copy,
		modeLine: fmt.Sprintf("[%s | %s]", cfg.Format, cfg.Transcriber),
	}

	tr, err := newTranscriber(cfg)
	if err != nil {
		deps.voiceErr = err
		log.Warnf("transcriber unavailable: %v", err)
	} else {
		log.SessionStart(client.BaseURL(), tr.Name(), cfg.Format)
		if w, ok := tr.(interface{ WarmConnection() }); ok {
			go w.WarmConnection()
		}
		rec, device, err := openRecorder(cfg, tr, g, sink, machine.SessionID)
		if err != nil {
			deps.voiceErr = err
			log.Warnf("recording unavailable: %v", err)
		} else {
			defer rec.Close()
			deps.voice = rec
			deps.device = device
		}
	}

	store, theme := loadSettings()
	deps.settings = store
	deps.theme = theme

	p := tea.NewProgram(newModel(ctx, deps), tea.WithAltScreen(), tea.WithContext(ctx))
	sink.attach(p)
	machine.OnChange(func(s chat.Snapshot) { p.Send(snapshotMsg{snap: s}) })

	_, err = p.Run()
	log.SessionEnd(len(machine.Snapshot().Messages))
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// openRecorder opens the audio system and the configured device. The
// context is released when the recorder is closed.
func openRecorder(cfg config.Config, tr transcriber.Transcriber, g *gate.Gate, sink recorder.Sink, sessionID func() string) (*closingRecorder, string, error) {
	actx, err := audio.NewContext()
	if err != nil {
		return nil, "", fmt.Errorf("audio init: %w", err)
	}
	dev, err := audio.FindDevice(actx, cfg.Device)
	if err != nil {
		actx.Close()
		return nil, "", err
	}
	name := "system default"
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			name += " (BT!)"
		}
	}
	rec := recorder.New(actx, tr, g, sink, sessionID, recorder.Config{
		Device:            dev,
		Format:            cfg.Format,
		Language:          cfg.Language,
		TranscribeTimeout: cfg.TranscribeTimeout,
	})
	return &closingRecorder{Recorder: rec, actx: actx}, name, nil
}

type closingRecorder struct {
	*recorder.Recorder
	actx audio.Context
}

func (r *closingRecorder) Close() {
	r.Recorder.Close()
	r.actx.Close()
}

func loadSettings() (settings.Store, string) {
	dir, err := config.Dir()
	if err != nil {
		log.Warnf("settings: %v", err)
		return settings.NewMemStore(settings.Default()), settings.ThemeDark
	}
	store := settings.NewFileStore(filepath.Join(dir, "settings.toml"))
	st, err := store.Load()
	if err != nil {
		log.Warnf("settings: %v", err)
		return store, settings.ThemeDark
	}
	return store, st.Theme
}

