package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/off-context/off-context/internal/admin"
	"github.com/off-context/off-context/internal/config"
	"github.com/off-context/off-context/internal/integrations"
	"github.com/off-context/off-context/internal/registry"
)

func (a *App) runInit(ctx context.Context, args []string) error {
	fs := a.newFlagSet("init", "[--json]")
	jsonOutput := fs.Bool("json", false, "print the result as JSON")
	if err := parse(fs, args); err != nil {
		return err
	}
	res, err := a.svc.Init(ctx, a.projectRoot())
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(a.Stdout, res)
	}
	if res.Created {
		fmt.Fprintf(a.Stdout, "%s initialized memory for %s\n", okStyle.Render("✓"), valueStyle.Render(res.Project.Name))
	} else {
		fmt.Fprintf(a.Stdout, "%s %s is already initialized\n", infoStyle.Render("•"), valueStyle.Render(res.Project.Name))
	}
	fmt.Fprintf(a.Stdout, "  %s %s\n", labelStyle.Render("storage"), res.Project.Dir)
	fmt.Fprintf(a.Stdout, "  %s %s\n", labelStyle.Render("state"), res.State)
	return nil
}

func (a *App) runClear(ctx context.Context, args []string) error {
	fs := a.newFlagSet("clear", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	p, err := a.svc.Clear(ctx, a.projectRoot())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "%s removed hook wiring for %s; stored memory kept\n", okStyle.Render("✓"), valueStyle.Render(p.Name))
	return nil
}

func (a *App) runReset(ctx context.Context, args []string) error {
	fs := a.newFlagSet("reset", "[--yes]")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	fs.BoolVar(yes, "y", false, "shorthand for --yes")
	if err := parse(fs, args); err != nil {
		return err
	}
	root := a.projectRoot()
	p, err := a.reg.Discover(root)
	if err != nil {
		return err
	}
	if !*yes && a.interactive() {
		ok, errConfirm := confirm(a.Stdin, a.Stdout, fmt.Sprintf("Delete all stored memory for %s?", p.Name))
		if errConfirm != nil {
			return errConfirm
		}
		if !ok {
			fmt.Fprintln(a.Stdout, mutedStyle.Render("aborted"))
			return nil
		}
	}
	if _, err = a.svc.Reset(ctx, p.Root); err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "%s reset memory for %s\n", okStyle.Render("✓"), valueStyle.Render(p.Name))
	return nil
}

// confirm asks a yes/no question; only "y" and "yes" accept.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (a *App) runStatus(ctx context.Context, args []string) error {
	fs := a.newFlagSet("status", "[--json]")
	jsonOutput := fs.Bool("json", false, "print status as JSON")
	if err := parse(fs, args); err != nil {
		return err
	}
	st, err := a.svc.Status(ctx, a.projectRoot())
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(a.Stdout, st)
	}
	renderStatus(a.Stdout, st)
	return nil
}

func renderStatus(w io.Writer, st *admin.Status) {
	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(label), value)
	}
	fmt.Fprintf(w, "\n%s\n", titleStyle.Render("off-context · "+st.Project))
	fmt.Fprintln(w, dividerStyle.Render(divider))
	row("root", st.Root)
	row("storage", st.StoragePath)
	row("state", stateBadge(st.State))
	row("turns", valueStyle.Render(fmt.Sprintf("%d", st.Turns)))
	row("sessions", fmt.Sprintf("%d", st.Sessions))

	index := "not built"
	if st.IndexAvailable {
		index = fmt.Sprintf("%d indexed, %s", st.IndexedTurns, badge(st.IndexFresh, "fresh", "stale"))
	}
	row("index", index+mutedStyle.Render(" ("+st.Scorer+")"))

	emb := mutedStyle.Render("disabled")
	if st.Embeddings.Enabled {
		emb = fmt.Sprintf("%s %s, %d vectors", st.Embeddings.Provider, st.Embeddings.Model, st.Embeddings.Vectors)
	}
	row("embeddings", emb)
	row("hooks", badge(st.HooksWired, "wired", "not wired"))
	row("size", formatBytes(st.StorageBytes))
	last := mutedStyle.Render("never")
	if st.LastActivity != nil {
		last = st.LastActivity.Local().Format(time.DateTime)
	}
	row("last activity", last)
	fmt.Fprintln(w, dividerStyle.Render(divider))
	fmt.Fprintln(w)
}

func stateBadge(s registry.State) string {
	switch s {
	case registry.StateInitialized:
		return okStyle.Render(string(s))
	case registry.StateCleared:
		return warnStyle.Render(string(s))
	default:
		return errorStyle.Render(string(s))
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (a *App) runReindex(ctx context.Context, args []string) error {
	fs := a.newFlagSet("reindex", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	n, err := a.svc.Reindex(ctx, a.projectRoot())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "%s indexed %d turns\n", okStyle.Render("✓"), n)
	return nil
}

// runSetup records the hook command in the global config and rewires the
// current project when it is initialized.
func (a *App) runSetup(_ context.Context, args []string) error {
	fs := a.newFlagSet("setup", "[--command CMD] [--force]")
	command := fs.String("command", "", "hook command the host runs (default: this binary + \" hook\")")
	force := fs.Bool("force", false, "reconfigure even when the hook command is already recorded")
	if err := parse(fs, args); err != nil {
		return err
	}
	cmdLine := strings.TrimSpace(*command)
	if cmdLine == "" {
		cmdLine = defaultHookCommand(a.cfg)
	}
	if a.cfg.Hooks.Installed && cmdLine == a.cfg.Hooks.Command && !*force {
		fmt.Fprintf(a.Stdout, "%s already configured: %s\n", okStyle.Render("✓"), valueStyle.Render(cmdLine))
		fmt.Fprintln(a.Stdout, mutedStyle.Render("  use --force to reconfigure"))
		return nil
	}

	root := a.projectRoot()
	state, err := a.reg.State(root)
	if err != nil {
		return err
	}
	if state == registry.StateInitialized {
		if err = a.manager.UnwireAll(root); err != nil {
			return err
		}
	}

	a.cfg.Hooks.Command = cmdLine
	a.cfg.Hooks.Installed = true
	if a.cfg.Home == "" {
		a.cfg.Home = config.DefaultHome()
	}
	if err = config.SaveConfig(a.cfg); err != nil {
		return err
	}
	claude := &integrations.ClaudeIntegration{Command: cmdLine, SettingsFile: a.cfg.Hooks.GetSettingsFile()}
	a.manager.Register(claude)

	fmt.Fprintf(a.Stdout, "%s hook command: %s\n", okStyle.Render("✓"), valueStyle.Render(cmdLine))
	fmt.Fprintf(a.Stdout, "  %s %s\n", labelStyle.Render("config"), filepath.Join(a.cfg.Home, config.ConfigFileName))
	if detected, _ := claude.Detect(); !detected {
		fmt.Fprintln(a.Stdout, warnStyle.Render("  claude CLI not found on PATH; hooks take effect once it is installed"))
	}
	if state == registry.StateInitialized {
		if err = a.manager.WireAll(root); err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "  %s %s\n", labelStyle.Render("wired"), claude.SettingsPath(root))
	}
	return nil
}

func (a *App) runUninstall(_ context.Context, args []string) error {
	fs := a.newFlagSet("uninstall", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	root := a.projectRoot()
	state, err := a.reg.State(root)
	if err != nil {
		return err
	}
	// Unwire before the command is forgotten; managed entries are matched by it.
	if state == registry.StateInitialized {
		if err = a.manager.UnwireAll(root); err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "%s unwired %s\n", okStyle.Render("✓"), valueStyle.Render(root))
	}

	a.cfg.Hooks.Command = ""
	a.cfg.Hooks.Installed = false
	if a.cfg.Home == "" {
		a.cfg.Home = config.DefaultHome()
	}
	if err = config.SaveConfig(a.cfg); err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "%s hook command removed\n", okStyle.Render("✓"))
	fmt.Fprintf(a.Stdout, "  %s %s\n", labelStyle.Render("config"), filepath.Join(a.cfg.Home, config.ConfigFileName))
	fmt.Fprintln(a.Stdout, mutedStyle.Render("  other projects keep their hooks until `off-context clear` runs there"))
	return nil
}

func defaultHookCommand(cfg *config.Config) string {
	if cfg != nil && strings.TrimSpace(cfg.Hooks.Command) != "" {
		return cfg.Hooks.Command
	}
	exe, err := os.Executable()
	if err != nil {
		return config.DefaultHookCommand
	}
	if resolved, errEval := filepath.EvalSymlinks(exe); errEval == nil {
		exe = resolved
	}
	if strings.ContainsAny(exe, " \t") {
		exe = `"` + exe + `"`
	}
	return exe + " hook"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
