package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"scriptrun/internal/config"
	"scriptrun/internal/monitor"
	"scriptrun/internal/runner"
	"scriptrun/internal/server"
	"scriptrun/pkg/transcript"
)

var (
	stateDir   string
	configPath string
	verbosity  int

	workDir     string
	ptyMode     string
	interpreter string
	record      bool

	port string

	asHTML bool
)

var rootCmd = &cobra.Command{
	Use:   "scriptrun",
	Short: "scriptrun - Run interpreter scripts and stream their output",
	Long: `scriptrun launches a script with an interpreter (python3 by default),
streams its combined stdout and stderr line by line, and reports how it ended.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		switch {
		case verbosity >= 2:
			level = slog.LevelDebug
		case verbosity == 1:
			level = slog.LevelInfo
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// exitCodeError makes main exit with the script's exit code.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("script exited with code %d", e.code)
}

// loadConfig resolves the config file and, if the settings need it, the
// state directory that holds the lock file and transcripts.
func loadConfig() (*config.Config, string, error) {
	// A missing state directory only means there is no config.yaml in it
	dir, _ := config.GetStateDir(stateDir, false)

	cfg, err := config.Resolve(configPath, dir)
	if err != nil {
		return nil, "", err
	}
	if record {
		cfg.Transcripts = true
	}
	if interpreter != "" {
		cfg.Interpreter = interpreter
	}
	if cfg.Lock || cfg.Transcripts {
		dir, err = config.GetStateDir(stateDir, true)
		if err != nil {
			return nil, "", err
		}
	}
	return cfg, dir, nil
}

func usePTY(mode string) (bool, error) {
	switch mode {
	case "on":
		return true, nil
	case "off":
		return false, nil
	case "auto":
		return term.IsTerminal(int(os.Stdout.Fd())), nil
	default:
		return false, fmt.Errorf("invalid --pty %q, want auto, on or off", mode)
	}
}

var runCmd = &cobra.Command{
	Use:           "run script",
	Short:         "Run a script and stream its output",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("pty") || !cfg.PTY {
			if cfg.PTY, err = usePTY(ptyMode); err != nil {
				return err
			}
		}
		rc, err := cfg.RunnerConfig(dir)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var done monitor.DoneEvent
		r := runner.New(rc)
		run, err := r.Start(args[0], workDir, monitor.Callbacks{
			OnLine: func(ev monitor.LineEvent) {
				fmt.Fprintln(cmd.OutOrStdout(), ev.Text)
			},
			OnDone: func(ev monitor.DoneEvent) {
				done = ev
			},
		})
		if err != nil {
			return err
		}
		if run.Transcript != "" {
			slog.Info("Recording transcript", "path", run.Transcript)
		}

		go func() {
			<-ctx.Done()
			if err := r.Cancel(); err != nil && !errors.Is(err, runner.ErrNotRunning) {
				slog.Warn("Failed to cancel run", "error", err)
			}
		}()

		if err := r.Wait(context.Background()); err != nil {
			return err
		}
		if done.Signal != "" {
			fmt.Fprintf(os.Stderr, "script killed by signal: %s\n", done.Signal)
			return exitCodeError{code: 1}
		}
		if done.ExitCode != 0 {
			return exitCodeError{code: done.ExitCode}
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the runner over WebSocket",
	Long: `Start an HTTP server on localhost. Clients connect to /ws, send
{"type":"run","script":"/abs/path.py"} and receive the run's events.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}
		rc, err := cfg.RunnerConfig(dir)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.Run(ctx, runner.New(rc), port)
	},
}

var replayCmd = &cobra.Command{
	Use:          "replay transcript",
	Short:        "Print a recorded transcript",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := transcript.Open(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asHTML {
			_, err := fmt.Fprint(out, t.RenderHTML())
			return err
		}
		for _, line := range t.Lines {
			fmt.Fprintln(out, line.Text)
		}
		switch {
		case t.Done != nil:
			fmt.Fprintf(os.Stderr, "run %s: exit code %d, %d lines in %dms\n", t.Start.RunID, t.Done.ExitCode, t.Done.Lines, t.Done.DurationMS)
		case t.Failure != "":
			fmt.Fprintf(os.Stderr, "run %s failed: %s\n", t.Start.RunID, t.Failure)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&stateDir, "state-dir", "s", "", "State directory for the lock file and transcripts (default: $STATE_DIRECTORY or .scriptrun)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $SCRIPTRUN_CONFIG or <state-dir>/config.yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Log more (-v info, -vv debug)")
	rootCmd.PersistentFlags().StringVar(&interpreter, "interpreter", "", "Interpreter to run scripts with (overrides the config file)")
	rootCmd.PersistentFlags().BoolVar(&record, "transcript", false, "Record a transcript of every run in the state directory")

	runCmd.Flags().StringVarP(&workDir, "dir", "d", "", "Working directory for the script (default: the script's directory)")
	runCmd.Flags().StringVar(&ptyMode, "pty", "auto", "Run on a pseudo-terminal: auto, on or off")

	serveCmd.Flags().StringVarP(&port, "port", "p", "22124", "Port to listen on")

	replayCmd.Flags().BoolVar(&asHTML, "html", false, "Render the transcript as sanitized HTML")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
