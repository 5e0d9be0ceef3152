package accept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gdeetotdom/thriftworker/internal/rlog"
)

// ErrNameAlreadyRegistered is returned by Pool.Register for a duplicate
// acceptor name.
var ErrNameAlreadyRegistered = errors.New("accept: acceptor name already registered")

// DefaultShutdownTimeout bounds Pool.Stop's wait for every acceptor to
// report an empty live set before force-closing stragglers.
const DefaultShutdownTimeout = 30 * time.Second

// Pool is the named collection of Acceptors, providing the collective
// start/stop/close operations used for graceful drain.
type Pool struct {
	logger rlog.Logger

	mu     sync.Mutex
	byName map[string]*Acceptor
}

// NewPool constructs an empty Pool.
func NewPool(logger rlog.Logger) *Pool {
	if logger == nil {
		logger = rlog.NoOp()
	}
	return &Pool{logger: logger, byName: make(map[string]*Acceptor)}
}

// Register adds an acceptor under its own Name, failing on a duplicate.
func (p *Pool) Register(a *Acceptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byName[a.Name]; exists {
		return fmt.Errorf("%w: %q", ErrNameAlreadyRegistered, a.Name)
	}
	p.byName[a.Name] = a
	return nil
}

func (p *Pool) snapshot() []*Acceptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Acceptor, 0, len(p.byName))
	for _, a := range p.byName {
		out = append(out, a)
	}
	return out
}

// StartAccepting starts every registered acceptor.
func (p *Pool) StartAccepting() error {
	for _, a := range p.snapshot() {
		if err := a.Start(); err != nil {
			return fmt.Errorf("accept: starting %q: %w", a.Name, err)
		}
	}
	return nil
}

// StopAccepting pauses every acceptor (no new connections), invoking
// onEmpty once every acceptor's live set has drained to zero.
func (p *Pool) StopAccepting(onEmpty func()) error {
	acceptors := p.snapshot()
	if len(acceptors) == 0 {
		if onEmpty != nil {
			onEmpty()
		}
		return nil
	}

	var mu sync.Mutex
	remaining := len(acceptors)
	fire := func() {
		mu.Lock()
		remaining--
		done := remaining == 0
		mu.Unlock()
		if done && onEmpty != nil {
			onEmpty()
		}
	}

	for _, a := range acceptors {
		if err := a.Stop(fire); err != nil {
			return fmt.Errorf("accept: stopping %q: %w", a.Name, err)
		}
	}
	return nil
}

// Stop performs the collective graceful-shutdown sequence: stop_accepting on
// every acceptor, wait up to timeout for the empty-set signal, then close
// every acceptor (force-closing any stragglers with a warning). timeout <= 0
// uses DefaultShutdownTimeout.
func (p *Pool) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	empty := make(chan struct{})
	var once sync.Once
	if err := p.StopAccepting(func() { once.Do(func() { close(empty) }) }); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-empty:
	case <-ctx.Done():
		p.logger.Warn("accept: shutdown timeout exceeded, force-closing stragglers",
			rlog.Int("acceptors", len(p.snapshot())))
	}

	for _, a := range p.snapshot() {
		if err := a.Close(); err != nil {
			p.logger.Error("accept: error closing acceptor",
				rlog.Str("name", a.Name), rlog.Err(err))
		}
	}
	return nil
}
