package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/meshlink/meshlink-go/pkg/connection"
	"github.com/meshlink/meshlink-go/pkg/correlator"
	"github.com/meshlink/meshlink-go/pkg/liveness"
	meshlog "github.com/meshlink/meshlink-go/pkg/log"
	"github.com/meshlink/meshlink-go/pkg/metrics"
	"github.com/meshlink/meshlink-go/pkg/provisioning"
	"github.com/meshlink/meshlink-go/pkg/scanner"
)

// Engine errors.
var (
	ErrNotStarted         = errors.New("engine not started")
	ErrAlreadyStarted     = errors.New("engine already started")
	ErrClosed             = errors.New("engine closed")
	ErrNoNetwork          = errors.New("no network loaded")
	ErrUnexpectedResponse = errors.New("unexpected response type")
)

// State represents the engine state.
type State uint8

const (
	// StateIdle - engine created but not started.
	StateIdle State = iota

	// StateRunning - radio callbacks are wired and the loops run.
	StateRunning

	// StateClosed - engine has shut down.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config configures an Engine.
//
// The callback fields of the component configs (OnUpdate, OnError,
// OnUnmatched, OnChange, OnReconnected) belong to the engine and are
// overwritten by New. Clock, Logger, ProtocolLogger and Metrics are handed
// down to every component that leaves its own unset.
type Config struct {
	Scanner      scanner.Config
	Connection   connection.Config
	Correlator   correlator.Config
	Liveness     liveness.Config
	Provisioning provisioning.Config

	// PrimeAppKeyIndex is the application key used for the Generic OnOff
	// Get sent to all nodes after an automatic reconnect.
	PrimeAppKeyIndex uint16

	Clock          clock.Clock
	Logger         *slog.Logger
	ProtocolLogger meshlog.Logger
	Metrics        *metrics.Metrics
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Scanner:      scanner.DefaultConfig(),
		Connection:   connection.DefaultConfig(),
		Correlator:   correlator.DefaultConfig(),
		Liveness:     liveness.DefaultConfig(),
		Provisioning: provisioning.DefaultConfig(),
	}
}

// Validate checks every component configuration.
func (c Config) Validate() error {
	checks := []struct {
		name string
		err  error
	}{
		{"scanner", c.Scanner.Validate()},
		{"connection", c.Connection.Validate()},
		{"correlator", c.Correlator.Validate()},
		{"liveness", c.Liveness.Validate()},
		{"provisioning", c.Provisioning.Validate()},
	}
	for _, check := range checks {
		if check.err != nil {
			return fmt.Errorf("%s: %w", check.name, check.err)
		}
	}
	return nil
}

// ambient is the shared part of every component config.
type ambient struct {
	clock   clock.Clock
	logger  *slog.Logger
	plog    meshlog.Logger
	metrics *metrics.Metrics
}

func (c Config) ambient() ambient {
	a := ambient{clock: c.Clock, logger: c.Logger, plog: c.ProtocolLogger, metrics: c.Metrics}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a.plog = meshlog.OrNoop(a.plog)
	return a
}

// inherit fills unset ambient fields of a component config.
func (a ambient) inherit(component string, c *clock.Clock, l **slog.Logger, m **metrics.Metrics) {
	if *c == nil {
		*c = a.clock
	}
	if *l == nil {
		*l = a.logger.With("component", component)
	}
	if *m == nil {
		*m = a.metrics
	}
}

func (a ambient) protocolLogger(l meshlog.Logger) meshlog.Logger {
	if l == nil {
		return a.plog
	}
	return l
}
