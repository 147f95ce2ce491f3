// Package registry holds the per-application handler tables. Applications
// are registered explicitly at startup, before the server accepts traffic;
// there is no lazy loading, and a lookup for an unregistered name yields a
// typed error.
package registry

import (
	"fmt"
	"sync"

	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/session"
)

// Handler processes one message for a session. It returns the terminal
// result exactly once; intermediate payloads go through progress, which is
// a no-op for the request/response ingress shape.
type Handler func(msg *message.Envelope, s *session.Session, progress message.Progress) *message.Result

// Before runs ahead of the type handler. A non-nil result short-circuits
// the pipeline and becomes the terminal response. Returning (nil, true)
// aborts silently: no handler, no after hook, no terminal response — the
// hook has taken full responsibility for the exchange.
type Before func(msg *message.Envelope, s *session.Session, progress message.Progress) (res *message.Result, abort bool)

// After observes (and may rewrite) the handler's result.
type After func(msg *message.Envelope, s *session.Session, res *message.Result)

// Module is the handler capability set one application or service exposes.
type Module struct {
	Handlers map[string]Handler
	Before   Before
	After    After

	// ServicesAllowed is the application-level service permission table.
	ServicesAllowed map[string]bool

	// RestModule marks applications whose handlers run without a session
	// (REST-style endpoints that do their own token validation).
	RestModule bool

	// Errors overrides default error texts for this application.
	Errors message.Overrides

	// Init runs once at registration time.
	Init func(application string) error
}

// NotRegisteredError identifies a lookup for an application or service
// that was never registered.
type NotRegisteredError struct {
	Name string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("no handler module registered for %s", e.Name)
}

// Registry is the per-process application table. It is populated once
// during startup and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Register installs a module under an application or service name and runs
// its Init hook. Registering the same name twice replaces the module.
func (r *Registry) Register(name string, m *Module) error {
	if m.Handlers == nil {
		m.Handlers = map[string]Handler{}
	}
	if m.Init != nil {
		if err := m.Init(name); err != nil {
			return fmt.Errorf("init %s: %w", name, err)
		}
	}

	r.mu.Lock()
	r.modules[name] = m
	r.mu.Unlock()

	logger.InfoCF("registry", "handler module registered", map[string]interface{}{
		"application": name,
		"handlers":    len(m.Handlers),
		"rest":        m.RestModule,
	})
	return nil
}

// Resolve looks up a module by name.
func (r *Registry) Resolve(name string) (*Module, error) {
	r.mu.RLock()
	m, ok := r.modules[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotRegisteredError{Name: name}
	}
	return m, nil
}

// Errors returns the error override table for an application, or nil.
func (r *Registry) Errors(name string) message.Overrides {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.modules[name]; ok {
		return m.Errors
	}
	return nil
}
