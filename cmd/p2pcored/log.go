package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// subsystems are the per-package loggers this binary wires up; each
// collaborator package accepts its logger via an Options.Log field rather
// than a package-level UseLogger setter, so there is nothing to register
// beyond constructing these and passing them through.
const (
	subsystemSupervisor = "SUPR"
	subsystemPeer       = "PEER"
	subsystemListener   = "LIST"
	subsystemSeed       = "SEED"
)

// logWriter multiplexes backend output to both stdout and the rotating log
// file, mirroring lnd's own logWriter/initLogRotator split.
type logWriter struct {
	rotator io.Writer
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

// initLogging creates a rotating log file under logDir and a btclog backend
// over it, and returns the per-subsystem loggers this binary needs. The
// returned close func must run on shutdown to flush the rotator.
func initLogging(logDir, level string) (map[string]btclog.Logger, func(), error) {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}

	logFile := filepath.Join(logDir, "p2pcored.log")
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, nil, fmt.Errorf("open log rotator: %w", err)
	}

	backend := btclog.NewBackend(&logWriter{rotator: r})

	loggers := map[string]btclog.Logger{
		subsystemSupervisor: backend.Logger(subsystemSupervisor),
		subsystemPeer:       backend.Logger(subsystemPeer),
		subsystemListener:   backend.Logger(subsystemListener),
		subsystemSeed:       backend.Logger(subsystemSeed),
	}

	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		lvl = btclog.LevelInfo
	}
	for _, l := range loggers {
		l.SetLevel(lvl)
	}

	return loggers, func() { r.Close() }, nil
}
