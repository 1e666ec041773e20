// Package cmd provides the off-context CLI subcommands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/off-context/off-context/internal/admin"
	"github.com/off-context/off-context/internal/buildinfo"
	"github.com/off-context/off-context/internal/config"
	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/integrations"
	"github.com/off-context/off-context/internal/logging"
	"github.com/off-context/off-context/internal/registry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// errUsage marks argument errors; the message has already been printed.
var errUsage = errors.New("usage")

// App holds the process streams and the state shared by subcommands.
type App struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// IsTerminal reports whether stdin is interactive. nil detects it from
	// Stdin.
	IsTerminal func() bool

	root string
	cfg  *config.Config

	manager *integrations.Manager
	reg     *registry.Registry
	svc     *admin.Service
}

// NewApp returns an App bound to the process streams.
func NewApp() *App {
	return &App{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

type command struct {
	name    string
	summary string
	run     func(a *App, ctx context.Context, args []string) error
}

func commandTable() []command {
	return []command{
		{"hook", "handle one host hook event from stdin", (*App).runHook},
		{"init", "initialize memory for the project", (*App).runInit},
		{"clear", "remove hook wiring, keep stored memory", (*App).runClear},
		{"reset", "delete stored memory and the search index", (*App).runReset},
		{"status", "show project memory status", (*App).runStatus},
		{"search", "search stored turns", (*App).runSearch},
		{"export", "export stored turns as json, markdown or text", (*App).runExport},
		{"import", "import transcripts from a file or directory", (*App).runImport},
		{"reindex", "rebuild the search index", (*App).runReindex},
		{"logs", "show recent diagnostic log lines", (*App).runLogs},
		{"serve", "run the admin HTTP server", (*App).runServe},
		{"setup", "record the hook command and wire the project", (*App).runSetup},
		{"uninstall", "remove hook wiring and the recorded hook command", (*App).runUninstall},
		{"version", "print version information", (*App).runVersion},
	}
}

// Run parses args (without the program name) and executes one subcommand.
// It returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	global := flag.NewFlagSet("off-context", flag.ContinueOnError)
	global.SetOutput(a.Stderr)
	var configPath string
	global.StringVar(&a.root, "root", "", "project root (default: current directory)")
	global.StringVar(&configPath, "config", "", "global config file (default: $OFF_CONTEXT_HOME/config.yaml)")
	global.Usage = func() { a.usage() }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}

	rest := global.Args()
	if len(rest) == 0 {
		a.usage()
		return ExitUsage
	}
	name, rest := rest[0], rest[1:]
	if name == "help" || name == "-h" || name == "--help" {
		a.usage()
		return ExitOK
	}

	var cmd *command
	for _, c := range commandTable() {
		if c.name == name {
			cmd = &c
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(a.Stderr, "%s unknown command %q\n", errorStyle.Render("error:"), name)
		a.usage()
		return ExitUsage
	}

	if err := a.setup(configPath, name); err != nil {
		a.printError(err)
		return ExitError
	}
	defer logging.CloseLogOutput()

	err := cmd.run(a, ctx, rest)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	default:
		a.printError(err)
		return ExitError
	}
}

// setup loads configuration, configures logging and builds the admin service.
func (a *App) setup(configPath, name string) error {
	cfg := config.LoadGlobal("")
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		switch {
		case err == nil:
			config.LoadEnv(loaded.Home)
			cfg = loaded
		case name != "hook":
			return err
		}
	}
	a.cfg = cfg

	logging.SetLogLevel(cfg.GetLogLevel())
	toFile := cfg.IsLoggingToFile()
	quiet := false
	if name == "hook" {
		// stdout carries the hook response and stderr is shown by the host.
		toFile, quiet = true, true
	}
	if err := logging.ConfigureLogOutput(toFile, cfg.LogsDir(), cfg.GetLogsMaxSizeMB(), quiet || toFile); err != nil {
		_ = logging.ConfigureLogOutput(false, "", 0, quiet)
		log.WithError(err).Warn("log file unavailable")
	}

	a.manager = integrations.NewManager()
	a.manager.Register(&integrations.ClaudeIntegration{
		Command:      cfg.Hooks.GetCommand(),
		SettingsFile: cfg.Hooks.GetSettingsFile(),
	})
	a.reg = registry.New(a.manager)
	a.svc = admin.NewService(a.reg, a.manager)
	return nil
}

// projectRoot returns --root or the working directory.
func (a *App) projectRoot() string {
	if strings.TrimSpace(a.root) != "" {
		return a.root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func (a *App) interactive() bool {
	if a.IsTerminal != nil {
		return a.IsTerminal()
	}
	f, ok := a.Stdin.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// newFlagSet returns a subcommand flag set that reports errors on Stderr.
func (a *App) newFlagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(a.Stderr, "Usage: off-context %s %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

// parse parses fs and converts flag errors to errUsage.
func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(reorder(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	return nil
}

// reorder moves flags ahead of positional arguments so "search foo --limit 3"
// parses like "search --limit 3 foo".
func reorder(fs *flag.FlagSet, args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") {
			continue
		}
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			continue
		}
		if i+1 < len(args) {
			flags = append(flags, args[i+1])
			i++
		}
	}
	return append(flags, positional...)
}

func (a *App) printError(err error) {
	appErr := apperrors.From(err)
	fmt.Fprintf(a.Stderr, "%s %s\n", errorStyle.Render("error:"), appErr.Message)
	if appErr.Code == apperrors.CodeConfigMissing {
		fmt.Fprintln(a.Stderr, mutedStyle.Render("run `off-context init` in the project root first"))
	}
	if appErr.Err != nil && appErr.Err.Error() != appErr.Message {
		fmt.Fprintln(a.Stderr, mutedStyle.Render("  "+appErr.Err.Error()))
	}
	keys := make([]string, 0, len(appErr.Details))
	for k := range appErr.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintln(a.Stderr, mutedStyle.Render(fmt.Sprintf("  %s: %v", k, appErr.Details[k])))
	}
}

func (a *App) usage() {
	fmt.Fprintf(a.Stderr, "%s\n\n", titleStyle.Render("off-context "+buildinfo.Version))
	fmt.Fprintln(a.Stderr, "Usage: off-context [--root DIR] [--config FILE] <command> [flags]")
	fmt.Fprintln(a.Stderr)
	fmt.Fprintln(a.Stderr, "Commands:")
	for _, c := range commandTable() {
		fmt.Fprintf(a.Stderr, "  %-9s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(a.Stderr)
	fmt.Fprintf(a.Stderr, "Config: %s\n", filepath.Join(config.DefaultHome(), config.ConfigFileName))
}

func (a *App) runVersion(_ context.Context, args []string) error {
	fs := a.newFlagSet("version", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	fmt.Fprintln(a.Stdout, buildinfo.String())
	return nil
}
