// Command sgemm-sink receives matrices pushed by `sgemm -flight` and logs a
// summary of each, optionally saving them as Arrow IPC files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/23skdu/longbow-sgemm/internal/export"
	"github.com/23skdu/longbow-sgemm/internal/logger"
	"github.com/23skdu/longbow-sgemm/internal/matrix"
)

var (
	addr      = flag.String("addr", "127.0.0.1:3000", "Address to serve Arrow Flight on")
	saveDir   = flag.String("save-dir", "", "Directory to write received matrices as Arrow IPC files")
	logLevel  = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat = flag.String("log-format", "console", "Log format: console, json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var received atomic.Int64
	sink := export.NewSink(func(name string, m *matrix.Matrix) {
		seq := received.Add(1)
		nans, infs := matrix.CheckNumericalStability(m.Data)
		logger.Log.Info("matrix received", "name", name, "rows", m.Rows, "cols", m.Cols, "nan", nans, "inf", infs)
		if *saveDir == "" {
			return
		}
		path := filepath.Join(*saveDir, fmt.Sprintf("%s-%d.arrow", name, seq))
		if err := export.WriteIPCFile(path, name, m); err != nil {
			logger.Log.Error("save failed", "path", path, "err", err)
			return
		}
		logger.Log.Info("saved", "path", path)
	})

	srv, err := sink.Serve(*addr)
	if err != nil {
		logger.Log.Error("flight sink failed to start", "err", err)
		os.Exit(1)
	}
	logger.Log.Info("flight sink listening", "addr", srv.Addr().String())

	<-ctx.Done()
	logger.Log.Info("shutting down", "received", received.Load())
	srv.Shutdown()
}
