// Package cli builds the cobra command trees for the three fabric
// binaries and wires configuration, logging, signal handling and the
// Prometheus scrape endpoint around the runtime contexts.
//
// Exit codes: 0 on clean shutdown, 1 on a missing or malformed argument,
// 2 on transport initialisation failure.
package cli

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Ricardo3319/Microsec/internal/transport"
)

const (
	ExitOK            = 0
	ExitConfigError   = 1
	ExitTransportInit = 2
)

// exitError carries the process exit code through the cobra error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(format string, args ...any) error {
	return &exitError{code: ExitConfigError, err: fmt.Errorf(format, args...)}
}

func transportErr(err error) error {
	return &exitError{code: ExitTransportInit, err: err}
}

// Execute runs a command and maps failures onto the exit-code contract.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(ExitConfigError)
	}
}

// newLogger builds the node's structured logger.
func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// loadYAML merges a YAML config file into cfg when path is non-empty.
// Flags set on the command line still win: cobra applies them after the
// file has seeded the struct.
func loadYAML(path string, cfg any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return configErr("read config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return configErr("parse config %s: %v", path, err)
	}
	return nil
}

// resolveListenURI picks the bind address: an explicit host wins,
// otherwise the first non-loopback interface on the experiment subnet.
func resolveListenURI(host, subnetPrefix string, port int) (string, error) {
	if host == "" {
		ip, err := transport.LocalIPWithPrefix(subnetPrefix)
		if err != nil {
			return "", transportErr(err)
		}
		host = ip
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// serveMetrics exposes a Prometheus scrape handler when addr is set.
func serveMetrics(addr string, handler http.Handler, log zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
		}
	}()
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
