// Command qdb-gadget bridges the two FunctionFS bulk endpoints exposed by
// the QDB USB gadget function to the process's standard input and output,
// so that the framing and multiplexing layered on top of the byte stream
// can live in an ordinary process talking over a pipe.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	errs "github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	flag "github.com/spf13/pflag"

	"github.com/qdbridge/qdb/gadget"
	"github.com/qdbridge/qdb/pkg"
)

const copyBufferSize = 4096

func run_() error {
	mountPoint := flag.String("mount-point", gadget.MountPoint, "FunctionFS mount point for the QDB gadget function")
	logLevelStr := flag.String("log-level", "info", "one of debug, info, warn, error")
	flag.Parse()

	logger, err := newLogger(*logLevelStr)
	if err != nil {
		return err
	}
	pkg.SetLogger(logger)

	b := gadget.New(*mountPoint)
	if err := b.Open(); err != nil {
		return errs.Wrap(err, "open gadget bridge")
	}

	var g run.Group
	{
		g.Add(func() error {
			return copyToStdout(b)
		}, func(error) {
			_ = b.Close()
		})
	}
	{
		g.Add(func() error {
			return copyFromStdin(b)
		}, func(error) {
			_ = b.Close()
		})
	}
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancelCh := make(chan struct{})
		g.Add(func() error {
			select {
			case sig := <-term:
				pkg.LogInfo(pkg.ComponentGadget, "caught signal, shutting down", "signal", sig.String())
			case <-cancelCh:
			}
			return nil
		}, func(error) {
			close(cancelCh)
		})
	}

	return g.Run()
}

// copyToStdout drains gadget-received bytes onto stdout until the bridge is
// closed.
func copyToStdout(b *gadget.Bridge) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := b.Read(buf)
		if err != nil {
			if err == pkg.ErrGadgetNotOpen {
				return nil
			}
			return err
		}
		if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
			return werr
		}
	}
}

// copyFromStdin forwards bytes read from stdin into the gadget IN endpoint
// until stdin is closed or the bridge rejects the write.
func copyFromStdin(b *gadget.Bridge) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := b.Write(buf[:n]); werr != nil {
				if werr == pkg.ErrGadgetNotOpen {
					return nil
				}
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func newLogger(levelStr string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	switch levelStr {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		return nil, fmt.Errorf("unknown log level %q", levelStr)
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC), nil
}

func main() {
	if err := run_(); err != nil {
		fmt.Fprintf(os.Stderr, "qdb-gadget: %v\n", err)
		os.Exit(1)
	}
}
