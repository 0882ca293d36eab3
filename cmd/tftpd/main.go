// Command tftpd serves RFC 1350 TFTP reads (and, in test mode, discards
// writes) over a single UDP socket, optionally proxying missing files
// through an HTTP(S) cache (spec.md §1). Grounded on the original
// source's main.rs CLI/startup section and on dsmmcken-dh-cli's cobra
// layout for the flag surface itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/tftpd/cache"
	"github.com/m-lab/tftpd/fetcher"
	"github.com/m-lab/tftpd/logging"
	"github.com/m-lab/tftpd/server"
	"github.com/m-lab/tftpd/session"
	"github.com/m-lab/tftpd/udpsock"
)

// cacheGCProperties bounds the background cache sweep (spec.md §4.7):
// at most 50 entries, each evicted at the latest an hour after its last
// origin response, checked every 30s —
// the same figures the original source's CacheGcProperties hardcodes in
// main.rs's run().
var cacheGCProperties = cache.GcProperties{
	MaxElements: 50,
	MaxLifetime: time.Hour,
	Sleep:       30 * time.Second,
}

// systemdListenFD is the first (and only, for this server) file
// descriptor systemd socket activation hands off, per sd_listen_fds(3).
const systemdListenFD = 3

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tftpd",
		Short:         "RFC 1350 TFTP server with RFC 2347/2348/2349/7440 option negotiation",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format := logging.Format(flagLogFormat)
			if format == logging.Default {
				format = logging.DefaultForTransport(flagSystemd)
			}
			switch format {
			case logging.Compact, logging.Full, logging.JSON:
				logging.Configure(format)
			default:
				return fmt.Errorf("unrecognized --log-format %q", flagLogFormat)
			}
			return nil
		},
		RunE: runServe,
	}

	bindFlags(cmd)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	prometheusx.MustStartPrometheus(":9090")

	cacheDir := flagCacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}

	if !flagDisableProxy {
		client := &http.Client{Timeout: 30 * time.Second}
		rtx.Must(cache.Instantiate(cacheDir, client), "failed to initialize cache at %s", cacheDir)
		defer cache.Close()
	}

	sock, err := bindListenSocket()
	if err != nil {
		return fmt.Errorf("failed to bind listen socket: %w", err)
	}
	defer sock.Close()

	fb := fetcher.NewBuilder(flagDir, flagFallback)
	fb.DisableProxy = flagDisableProxy

	srv := server.New(sock, server.Config{
		MaxConnections: flagMaxConnections,
		Fetcher:        fb,
		Session: session.Config{
			MaxBlockSize:  1500,
			MaxWindowSize: 64,
			Timeout:       time.Duration(flagTimeoutSecs * float64(time.Second)),
			NoRFC2347:     flagNoRFC2347,
			WrqDevnull:    flagWrqDevnull,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !flagDisableProxy {
		installCacheSignalHandlers(ctx)
	}

	log.WithFields(log.Fields{
		"listen": net.JoinHostPort(flagListen, fmt.Sprint(flagPort)),
		"dir":    flagDir,
	}).Info("tftpd: starting")

	g, gctx := errgroup.WithContext(ctx)
	if !flagDisableProxy {
		cache.RunGC(gctx, g, cacheGCProperties)
	}
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// bindListenSocket opens the well-known listening socket either from a
// systemd-activated file descriptor (--systemd) or by binding
// --listen:--port directly, matching main.rs's Either<SocketAddr,
// OwnedFd> dispatch.
func bindListenSocket() (*udpsock.Socket, error) {
	if flagSystemd {
		f := os.NewFile(uintptr(systemdListenFD), "tftpd-listen-fd")
		if f == nil {
			return nil, fmt.Errorf("systemd activation: fd %d not available", systemdListenFD)
		}
		return udpsock.FromFile(f)
	}

	addr := net.JoinHostPort(flagListen, fmt.Sprint(flagPort))
	return udpsock.Listen(addr)
}

// installCacheSignalHandlers starts the SIGUSR1 (dump cache registry)
// and SIGUSR2 (clear cache) loops, the Go equivalent of main.rs's
// sigusr1_handler/sigusr2_handler tokio tasks (spec.md §6 SUPPLEMENTED
// FEATURES).
func installCacheSignalHandlers(ctx context.Context) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	usr2 := make(chan os.Signal, 1)
	signal.Notify(usr2, syscall.SIGUSR2)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				log.Debug("tftpd: got SIGUSR1")
				cache.DumpTo(os.Stderr)
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr2:
				log.Debug("tftpd: got SIGUSR2")
				cache.Clear()
			}
		}
	}()
}
