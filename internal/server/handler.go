package server

import (
	"fmt"
	"net"
	"sync"

	"example.com/devserver/internal/config"
	"example.com/devserver/internal/logger"
)

// Handler answers the single request carried by a connection.
//
// header is the raw request head up to and including the blank line. Any
// body bytes the client sent are still readable from conn. root and fallback
// are the served directory and the optional not-found file (empty when
// unset). A returned error makes the server write a 500 response and log the
// error. The server closes conn afterwards.
type Handler interface {
	Handle(conn net.Conn, header string, root, fallback string) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(conn net.Conn, header string, root, fallback string) error

// Handle calls f.
func (f HandlerFunc) Handle(conn net.Conn, header string, root, fallback string) error {
	return f(conn, header, root, fallback)
}

// HandlerFactory defines the function signature for creating handler instances.
type HandlerFactory func(cfg *config.ServeConfig, lg *logger.Logger) (Handler, error)

// HandlerRegistry manages the registration and retrieval of HandlerFactory instances.
// It maps the serve.handler configuration value to a factory and is safe for
// concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates and returns a new HandlerRegistry instance.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates a handler name with a factory function.
// It returns an error if the name is registered more than once.
func (r *HandlerRegistry) Register(name string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("handler factory for '%s' cannot be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("handler type '%s' already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// GetFactory retrieves the factory registered under name.
func (r *HandlerRegistry) GetFactory(name string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	return factory, ok
}

// CreateHandler builds a handler with the factory registered under name.
func (r *HandlerRegistry) CreateHandler(name string, cfg *config.ServeConfig, lg *logger.Logger) (Handler, error) {
	factory, ok := r.GetFactory(name)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", name)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", name)
	}
	h, err := factory(cfg, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler '%s': %w", name, err)
	}
	if h == nil {
		return nil, fmt.Errorf("handler factory for '%s' returned nil", name)
	}
	return h, nil
}
