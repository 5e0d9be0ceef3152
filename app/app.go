// Package app wires the reactor, connection framing, acceptor pool,
// service registry, worker pool, and telemetry into the single facade
// applications construct. A single Application struct owns every
// collaborator outright.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/gdeetotdom/thriftworker/accept"
	"github.com/gdeetotdom/thriftworker/conn"
	"github.com/gdeetotdom/thriftworker/internal/rlog"
	"github.com/gdeetotdom/thriftworker/reactor"
	"github.com/gdeetotdom/thriftworker/service"
	"github.com/gdeetotdom/thriftworker/telemetry"
	"github.com/gdeetotdom/thriftworker/worker"
)

// InheritedFDsEnv is the environment variable the optional hosted mode
// reads for a comma-separated list of already-bound, already-listening
// descriptors to adopt instead of binding fresh ones. The actual process
// fd-inheritance mechanism (e.g. a supervisor passing fds across exec) is
// outside this package; only the parsing happens here.
const InheritedFDsEnv = "THRIFTWORKER_FDS"

// DefaultPoolSize is the worker pool size when Config.PoolSize is zero.
const DefaultPoolSize = 1

// DefaultShutdownTimeout bounds the acceptor pool's graceful drain.
const DefaultShutdownTimeout = accept.DefaultShutdownTimeout

var (
	// ErrNotStarted is returned by Stop if Start was never called.
	ErrNotStarted = errors.New("app: not started")
	// ErrAlreadyStarted is returned by Start if called twice.
	ErrAlreadyStarted = errors.New("app: already started")
	// ErrNegativePoolSize is returned by New for a negative Config.PoolSize.
	ErrNegativePoolSize = errors.New("app: pool size must not be negative")
)

// Config holds Application construction options.
type Config struct {
	PoolSize        int
	ExecutionModel  worker.ExecutionModel
	ShutdownTimeout time.Duration
	ProtocolFactory thrift.TProtocolFactory
	Logger          rlog.Logger
}

// Application is the top-level facade: register services and acceptors,
// then Start/Stop the whole graph together.
type Application struct {
	cfg Config

	hub       *reactor.Hub
	services  *service.Registry
	pool      *worker.Pool
	acceptors *accept.Pool
	telemetry *telemetry.Registry
	logger    rlog.Logger

	started bool
}

// New constructs an Application with its own Hub; it is not started until
// Start is called.
func New(cfg Config) (*Application, error) {
	if cfg.PoolSize < 0 {
		return nil, ErrNegativePoolSize
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = rlog.NoOp()
	}

	hub, err := reactor.New(reactor.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("app: constructing hub: %w", err)
	}

	telem := telemetry.NewRegistry()
	pool := worker.NewPool(hub, cfg.PoolSize, cfg.ExecutionModel, telem, cfg.Logger)

	return &Application{
		cfg:       cfg,
		hub:       hub,
		services:  service.NewRegistry(),
		pool:      pool,
		acceptors: accept.NewPool(cfg.Logger),
		telemetry: telem,
		logger:    cfg.Logger,
	}, nil
}

// RegisterService binds name to a Thrift processor. Registering the same
// name twice fails.
func (a *Application) RegisterService(name string, processor thrift.TProcessor, protoFactory thrift.TProtocolFactory) error {
	if protoFactory == nil {
		protoFactory = a.cfg.ProtocolFactory
	}
	return a.services.Register(name, processor, protoFactory)
}

// RegisterAcceptor binds a fresh listening socket on address to name, with
// the named service's processor as its request handler. It must be called
// before Start.
func (a *Application) RegisterAcceptor(name, address string, backlog int) error {
	processor, err := a.services.CreateProcessor(name)
	if err != nil {
		return err
	}
	fd, err := accept.Listen(address, backlog)
	if err != nil {
		return err
	}
	return a.registerAcceptorFD(name, fd, backlog, processor)
}

// RegisterInheritedAcceptor adopts an already-bound, already-listening
// descriptor (see THRIFTWORKER_FDS / LoadInheritedFDs) instead of binding a
// fresh one.
func (a *Application) RegisterInheritedAcceptor(name string, fd int, backlog int) error {
	processor, err := a.services.CreateProcessor(name)
	if err != nil {
		return err
	}
	fd, err = accept.AdoptInherited(fd)
	if err != nil {
		return err
	}
	return a.registerAcceptorFD(name, fd, backlog, processor)
}

func (a *Application) registerAcceptorFD(name string, fd int, backlog int, processor service.Processor) error {
	producer := func(c *conn.Conn, frame []byte, requestID uint64) {
		receivedAt, _ := c.ReceivedAt(requestID)
		a.pool.Dispatch(c, requestID, name, receivedAt, func() (string, []byte, error) {
			return processor(context.Background(), frame)
		})
	}

	acceptor := accept.New(name, a.hub, fd, backlog, producer, a.logger)
	if err := a.acceptors.Register(acceptor); err != nil {
		return err
	}
	a.pool.AddBackpressureTarget(acceptor)
	return nil
}

// LoadInheritedFDs parses THRIFTWORKER_FDS ("fd1,fd2,...") from the
// environment, returning nil if unset.
func LoadInheritedFDs() ([]int, error) {
	raw := os.Getenv(InheritedFDsEnv)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	fds := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fd, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("app: invalid fd %q in %s: %w", p, InheritedFDsEnv, err)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

// Start brings up the reactor and every registered acceptor.
func (a *Application) Start() error {
	if a.started {
		return ErrAlreadyStarted
	}
	if err := a.hub.Start(); err != nil {
		return err
	}
	if err := a.acceptors.StartAccepting(); err != nil {
		return err
	}
	a.started = true
	return nil
}

// Stop performs the graceful-drain sequence (AcceptorPool.Stop), then stops
// the reactor.
func (a *Application) Stop(ctx context.Context) error {
	if !a.started {
		return ErrNotStarted
	}
	if err := a.acceptors.Stop(a.cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := a.pool.Drain(ctx); err != nil {
		a.logger.Warn("app: worker pool did not drain before deadline", rlog.Err(err))
	}
	if err := a.hub.Stop(ctx); err != nil {
		return err
	}
	a.started = false
	return nil
}

// Telemetry exposes the registry for the optional metrics HTTP handler.
func (a *Application) Telemetry() *telemetry.Registry { return a.telemetry }

// MetricsHandler returns an http.Handler serving this Application's
// counters/timers as Prometheus metrics, for an optional /metrics endpoint.
// Wiring an HTTP server at all is left to the caller.
func (a *Application) MetricsHandler() http.Handler {
	return telemetry.NewHandler(a.telemetry)
}
