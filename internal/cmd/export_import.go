package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/off-context/off-context/internal/admin"
	"github.com/off-context/off-context/internal/export"
)

func (a *App) runExport(ctx context.Context, args []string) error {
	fs := a.newFlagSet("export", "[--format json|markdown|text] [--output PATH]")
	format := fs.String("format", "", "json, markdown (md) or text (txt); default from --output extension, else json")
	output := fs.String("output", "-", "output file; - for stdout, a .gz suffix compresses")
	fs.StringVar(output, "o", "-", "shorthand for --output")
	if err := parse(fs, args); err != nil {
		return err
	}

	path := strings.TrimSpace(*output)
	toStdout := path == "" || path == "-"
	gz := !toStdout && strings.EqualFold(filepath.Ext(path), ".gz")
	if strings.TrimSpace(*format) == "" && !toStdout {
		*format = formatFromPath(path)
	}

	var buf bytes.Buffer
	resolved, err := a.svc.Export(ctx, a.projectRoot(), *format, &buf)
	if err != nil {
		return err
	}
	if toStdout {
		_, err = a.Stdout.Write(buf.Bytes())
		return err
	}

	if err = writeExportFile(path, buf.Bytes(), gz); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(a.Stderr, "%s exported %s to %s\n", okStyle.Render("✓"), resolved, path)
	return nil
}

// formatFromPath infers the export format from a file name, ignoring a
// trailing .gz.
func formatFromPath(path string) string {
	name := strings.ToLower(filepath.Base(path))
	name = strings.TrimSuffix(name, ".gz")
	switch filepath.Ext(name) {
	case ".md", ".markdown":
		return export.FormatMarkdown
	case ".txt", ".text":
		return export.FormatText
	default:
		return export.FormatJSON
	}
}

func writeExportFile(path string, data []byte, compress bool) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := f.Close(); err == nil {
			err = errClose
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if compress {
		zw := gzip.NewWriter(f)
		zw.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, err = zw.Write(data); err != nil {
			return err
		}
		return zw.Close()
	}
	_, err = f.Write(data)
	return err
}

func (a *App) runImport(ctx context.Context, args []string) error {
	fs := a.newFlagSet("import", "<path> [--json]")
	jsonOutput := fs.Bool("json", false, "print the result as JSON")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errUsage
	}

	res, err := a.svc.Import(ctx, a.projectRoot(), fs.Arg(0))
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(a.Stdout, res)
	}
	renderImport(a.Stdout, res)
	return nil
}

func renderImport(w io.Writer, res *admin.ImportResult) {
	fmt.Fprintf(w, "\n%s\n", titleStyle.Render("Import Summary"))
	fmt.Fprintln(w, dividerStyle.Render(divider))
	fmt.Fprintf(w, "  %s %d\n", labelStyle.Render("files"), res.Files)
	fmt.Fprintf(w, "  %s %d\n", labelStyle.Render("exchanges"), res.Exchanges)
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("imported"), okStyle.Render(fmt.Sprintf("%d", res.Imported)))
	if res.Skipped > 0 {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("skipped"), warnStyle.Render(fmt.Sprintf("%d", res.Skipped)))
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s %s\n", errorStyle.Render("failed"), e)
	}
	fmt.Fprintln(w)
}
