package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/off-context/off-context/internal/api"
	"github.com/off-context/off-context/internal/hook"
	"github.com/off-context/off-context/internal/logging"
	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func (a *App) runServe(ctx context.Context, args []string) error {
	fs := a.newFlagSet("serve", "[--host 127.0.0.1] [--port 8767] [--open]")
	host := fs.String("host", a.cfg.Admin.Host, "listen host")
	port := fs.Int("port", a.cfg.Admin.Port, "listen port")
	open := fs.Bool("open", false, "open the server in a browser")
	keepAlive := fs.Duration("keep-alive", 0, "shut down when /keep-alive is not polled for this long (0 disables)")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg := *a.cfg
	cfg.Admin.Host = *host
	cfg.Admin.Port = *port
	if err := logging.ConfigureLogOutput(cfg.IsLoggingToFile(), cfg.LogsDir(), cfg.GetLogsMaxSizeMB(), false); err != nil {
		log.WithError(err).Warn("log file unavailable")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := a.projectRoot()
	srv := api.NewServer(&cfg, a.svc, root,
		api.WithHookRelay(hook.NewHandler(a.reg, 0)),
		api.WithLogBuffer(logging.GlobalBuffer),
		api.WithKeepAliveEndpoint(*keepAlive, stop),
	)

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr(), err)
	}
	url := "http://" + displayAddr(ln.Addr())
	fmt.Fprintf(a.Stdout, "%s admin server on %s\n", okStyle.Render("✓"), valueStyle.Render(url))
	fmt.Fprintf(a.Stdout, "  %s %s\n", labelStyle.Render("project"), root)
	if *open {
		if errOpen := browser.OpenURL(url + "/api/status"); errOpen != nil {
			log.WithError(errOpen).Warn("could not open browser")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	if err = g.Wait(); err != nil {
		return err
	}
	fmt.Fprintln(a.Stdout, mutedStyle.Render("admin server stopped"))
	return nil
}

// displayAddr renders a listener address with a loopback host for wildcard
// binds.
func displayAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
