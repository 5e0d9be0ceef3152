// Package service holds the (processor, protocol factory) pairs registered
// by name and turns an inbound frame into processed output bytes using the
// Apache Thrift Go runtime's TProcessor/TProtocolFactory/TMemoryBuffer.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apache/thrift/lib/go/thrift"
)

// ErrServiceAlreadyRegistered is returned by Register on a duplicate name.
var ErrServiceAlreadyRegistered = errors.New("service: already registered")

// ErrServiceNotFound is returned by CreateProcessor for an unknown name.
var ErrServiceNotFound = errors.New("service: not found")

type entry struct {
	processor    thrift.TProcessor
	protoFactory thrift.TProtocolFactory
}

// Registry stores services by name and produces per-frame processing
// functions from them.
type Registry struct {
	mu       sync.RWMutex
	services map[string]entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]entry)}
}

// Register binds name to processor, using protoFactory to construct the
// input/output protocols (defaulting to the binary protocol if nil). Fails
// on a duplicate name rather than silently overwriting it.
func (r *Registry) Register(name string, processor thrift.TProcessor, protoFactory thrift.TProtocolFactory) error {
	if protoFactory == nil {
		protoFactory = thrift.NewTBinaryProtocolFactoryConf(nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("%w: %q", ErrServiceAlreadyRegistered, name)
	}
	r.services[name] = entry{processor: processor, protoFactory: protoFactory}
	return nil
}

// Processor is the per-frame function a Registry produces: wrap payload in
// a TMemoryBuffer, run the registered TProcessor, and return the invoked
// method name alongside the output bytes. The method name keys per-method
// telemetry, so it is surfaced even when the processor fails.
type Processor func(ctx context.Context, payload []byte) (method string, response []byte, err error)

// methodCapturingProtocol records the message name as the processor reads
// the envelope, so the registry can report which method ran without
// decoding the frame a second time.
type methodCapturingProtocol struct {
	thrift.TProtocol
	method string
}

func (p *methodCapturingProtocol) ReadMessageBegin(ctx context.Context) (string, thrift.TMessageType, int32, error) {
	name, typeID, seqID, err := p.TProtocol.ReadMessageBegin(ctx)
	if err == nil {
		p.method = name
	}
	return name, typeID, seqID, err
}

// CreateProcessor returns a Processor for name, or ErrServiceNotFound.
func (r *Registry) CreateProcessor(name string) (Processor, error) {
	r.mu.RLock()
	e, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}

	return func(ctx context.Context, payload []byte) (string, []byte, error) {
		inTransport := thrift.NewTMemoryBufferLen(len(payload))
		_, _ = inTransport.Write(payload)
		outTransport := thrift.NewTMemoryBuffer()

		inProto := &methodCapturingProtocol{TProtocol: e.protoFactory.GetProtocol(inTransport)}
		outProto := e.protoFactory.GetProtocol(outTransport)

		ok, err := e.processor.Process(ctx, inProto, outProto)
		if err != nil {
			return inProto.method, nil, err
		}
		if !ok {
			return inProto.method, nil, errors.New("service: processor reported failure with no error")
		}
		return inProto.method, outTransport.Bytes(), nil
	}, nil
}

// Names returns every registered service name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	return names
}
