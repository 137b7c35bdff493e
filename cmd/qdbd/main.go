// Command qdbd is the host-side debug bridge daemon: it enumerates QDB USB
// devices, tracks their connection lifecycle, and serves the host-message
// protocol over a local-domain socket.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	errs "github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/qdbridge/qdb/host/devicemanager"
	"github.com/qdbridge/qdb/host/enumerator"
	"github.com/qdbridge/qdb/host/server"
	"github.com/qdbridge/qdb/pkg"
	"github.com/qdbridge/qdb/usb"
)

const (
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
)

func run_() error {
	var (
		metricsAddr = flag.String("metrics-addr", "127.0.0.1:9520", "address to serve /metrics on")
		socketDir   = flag.String("socket-dir", defaultRuntimeDir(), "directory to create the qdb.socket listener in")
		logLevelStr = flag.String("log-level", logLevelInfo, "one of debug, info, warn, error")
	)
	flag.Parse()

	logger, err := newLogger(*logLevelStr)
	if err != nil {
		return err
	}
	pkg.SetLogger(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pkg.NewMetrics(reg)

	mgr := devicemanager.New(devicemanager.NullTransport{}, metrics)
	enu := enumerator.New(usb.NewAccess())
	socketPath := filepath.Join(*socketDir, server.SocketName)
	srv := server.New(socketPath, mgr, metrics)

	if err := srv.Listen(); err != nil {
		return errs.Wrap(err, "listen")
	}

	var g run.Group
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		l, err := net.Listen("tcp", *metricsAddr)
		if err != nil {
			return errs.Wrapf(err, "listen on %s", *metricsAddr)
		}
		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			if err := enu.StartMonitoring(ctx, mgr.HandleEnumeratorEvent); err != nil {
				return err
			}
			// StartMonitoring spawns its own goroutine and returns
			// immediately; block here so this actor's lifetime matches the
			// monitor loop's, not just the time it takes to launch it.
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
			enu.StopMonitoring()
		})
	}
	{
		g.Add(func() error {
			return srv.Serve()
		}, func(error) {
			srv.Stop()
		})
	}
	{
		g.Add(func() error {
			<-srv.StopRequested()
			pkg.LogInfo(pkg.ComponentHostServer, "stop-server received, shutting down")
			return nil
		}, func(error) {})
	}
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancelCh := make(chan struct{})
		g.Add(func() error {
			select {
			case sig := <-term:
				pkg.LogInfo(pkg.ComponentHostServer, "caught signal, shutting down", "signal", sig.String())
			case <-cancelCh:
			}
			return nil
		}, func(error) {
			close(cancelCh)
		})
	}

	return g.Run()
}

func newLogger(levelStr string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	switch levelStr {
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	default:
		return nil, fmt.Errorf("unknown log level %q", levelStr)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return logger, nil
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

func main() {
	if err := run_(); err != nil {
		fmt.Fprintf(os.Stderr, "qdbd: %v\n", err)
		os.Exit(1)
	}
}
