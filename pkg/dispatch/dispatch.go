// Package dispatch drives every inbound message through the routing state
// machine: reserved-type short-circuit, register/reregister, authentication,
// optional session lock, fragment retrieval, service routing, application
// routing, before/handler/after, finalize. Every dispatched message yields
// exactly one terminal result, except a silent before-hook abort, which
// yields none.
package dispatch

import (
	"time"

	"github.com/hubgate/hubgate/pkg/fragment"
	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/registry"
	"github.com/hubgate/hubgate/pkg/resilient"
	"github.com/hubgate/hubgate/pkg/session"
	"github.com/hubgate/hubgate/pkg/store"
)

// Shape selects the ingress behaviour of one dispatch call.
type Shape int

const (
	// ShapeRequest is the request/response (REST and AJAX) ingress: the
	// progress channel is disabled, only the terminal result is delivered.
	ShapeRequest Shape = iota

	// ShapeSocket is the persistent-connection ingress: zero or more
	// progress payloads may precede the terminal result.
	ShapeSocket
)

// Router is the dispatch state machine. It is constructed once per worker
// process and carries every collaborator explicitly; there is no ambient
// state.
type Router struct {
	Registry  *registry.Registry
	Authority *session.Authority
	Opaque    *session.OpaqueSessions
	Fragments *fragment.Service
	Queue     *resilient.Queue

	// Store, LockDocument, and LockTimeout configure the optional
	// store-backed session lock. LockSessions turns it on.
	Store        store.Store
	LockSessions bool
	LockDocument string
	LockTimeout  time.Duration
}

// Handle dispatches one message. The returned result is nil only when a
// before-hook aborted the pipeline silently; the caller must then send
// nothing. progress may be nil; it is ignored for ShapeRequest.
func (r *Router) Handle(msg *message.Envelope, shape Shape, progress message.Progress) *message.Result {
	if shape == ShapeRequest || progress == nil {
		progress = func(map[string]interface{}) {}
	}

	if res := r.reserved(msg); res != nil {
		return res
	}

	switch msg.Type {
	case message.TypeRegister:
		return r.register(msg)
	case message.TypeReregister:
		return r.reregister(msg)
	}

	s, errObj := r.authenticate(msg)
	if errObj != nil {
		return message.Fail(errObj)
	}

	if r.LockSessions {
		lock := r.lockLoc(s)
		if err := r.Store.Lock(lock, r.LockTimeout); err != nil {
			return r.fail(s, &message.Error{
				Kind: message.SessionLockTimeout,
				Text: "Timed out waiting for session to be released",
			})
		}
		defer func() {
			if err := r.Store.Unlock(lock); err != nil {
				logger.WarnCF("dispatch", "session unlock failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	if msg.Type == message.TypeFragment {
		return r.finalize(msg, s, r.fetchFragment(msg, s))
	}

	var res *message.Result
	if msg.Service != "" {
		res = r.runService(msg, s, progress)
	} else {
		res = r.runApplication(msg, s, progress)
	}
	if res == nil {
		// Silent before-hook abort.
		return nil
	}
	return r.finalize(msg, s, res)
}

// ---------------------------------------------------------------------------
// Reserved control types
// ---------------------------------------------------------------------------

// reserved handles the token control types without touching any handler
// table. Returns nil for every other type.
func (r *Router) reserved(msg *message.Envelope) *message.Result {
	switch msg.Type {
	case message.TypeJWTDecode:
		claims, errObj := r.Authority.Decode(msg.ParamString("token"))
		if errObj != nil {
			return message.Fail(errObj)
		}
		return message.OK(map[string]interface{}{"payload": claims})

	case message.TypeJWTEncode:
		payload, _ := msg.Params["payload"].(map[string]interface{})
		token, err := r.Authority.Encode(payload)
		if err != nil {
			return message.Fail(&message.Error{Kind: message.InvalidToken, Text: err.Error()})
		}
		return message.OK(map[string]interface{}{"token": token})

	case message.TypeJWTUpdateExp:
		token := r.Authority.UpdateExpiry(msg.ParamString("token"), msg.ParamString("application"))
		return message.OK(map[string]interface{}{"token": token})

	case message.TypeJWTIsValid:
		valid, reason := r.Authority.IsValid(msg.ParamString("token"), msg.ParamBool("verify"))
		payload := map[string]interface{}{"ok": valid}
		if reason != "" {
			payload["error"] = reason
		}
		return message.OK(payload)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func (r *Router) register(msg *message.Envelope) *message.Result {
	if msg.JWT {
		return r.Authority.Register(msg)
	}
	if r.Opaque == nil {
		return message.Fail(&message.Error{
			Kind: message.NoDocumentStore,
			Text: "No Document Store has been created",
		})
	}
	s, err := r.Opaque.Create(msg.Application, msg)
	if err != nil {
		logger.ErrorCF("dispatch", "session creation failed", map[string]interface{}{"error": err.Error()})
		return message.Fail(&message.Error{
			Kind: message.NoDocumentStore,
			Text: "No Document Store has been created",
		})
	}
	return message.OK(map[string]interface{}{"token": s.Token})
}

func (r *Router) reregister(msg *message.Envelope) *message.Result {
	s, errObj := r.authenticate(msg)
	if errObj != nil {
		return message.Fail(errObj)
	}
	if msg.JWT {
		return r.Authority.Reregister(s, msg)
	}

	if msg.SocketID != "" {
		s.Set("socketId", msg.SocketID)
	}
	if err := r.Opaque.UpdateExpiry(s); err != nil {
		logger.WarnCF("dispatch", "session expiry update failed", map[string]interface{}{"error": err.Error()})
	}
	if err := r.Opaque.Save(s); err != nil {
		logger.WarnCF("dispatch", "session save failed", map[string]interface{}{"error": err.Error()})
	}
	return message.OK(map[string]interface{}{"ok": true})
}

func (r *Router) authenticate(msg *message.Envelope) (*session.Session, *message.Error) {
	if msg.JWT {
		return r.Authority.Validate(msg)
	}
	if r.Opaque == nil {
		return nil, &message.Error{
			Kind: message.NoDocumentStore,
			Text: "No Document Store has been created",
		}
	}
	return r.Opaque.Authenticate(msg.Token)
}

func (r *Router) lockLoc(s *session.Session) store.Locator {
	key := s.ID
	if key == "" {
		key = s.Token
	}
	return store.Loc(r.LockDocument, "lock", key)
}

// ---------------------------------------------------------------------------
// Fragment retrieval
// ---------------------------------------------------------------------------

func (r *Router) fetchFragment(msg *message.Envelope, s *session.Session) *message.Result {
	if msg.Application == "" {
		msg.Application = s.Application
	}
	// The service lives at the envelope level; the params entry is kept as
	// a fallback for older clients.
	service := msg.Service
	if service == "" {
		service = msg.ParamString("service")
	}
	if service != "" {
		if errObj := r.checkServicePermission(service, msg.Application, s); errObj != nil {
			return message.Fail(errObj)
		}
	}
	if r.Fragments == nil {
		file := msg.ParamString("file")
		return message.Fail(&message.Error{
			Kind:    message.FragmentNotFound,
			Text:    "Fragment file " + file + " does not exist",
			File:    file,
			Service: service,
		})
	}
	return r.Fragments.Fetch(msg)
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

// checkServicePermission applies the combined permission table: a
// session-level entry, when defined, overrides the application-level table
// in either direction.
func (r *Router) checkServicePermission(service, application string, s *session.Session) *message.Error {
	if allowed, defined := s.ServiceOverride(service); defined {
		if allowed {
			return nil
		}
		return &message.Error{
			Kind:    message.ServiceNotAllowedForUser,
			Text:    "You are not allowed access to the " + service + " service",
			Service: service,
		}
	}

	if mod, err := r.Registry.Resolve(application); err == nil && mod.ServicesAllowed[service] {
		return nil
	}
	return &message.Error{
		Kind:    message.ServiceNotAllowed,
		Text:    service + " service is not permitted for the " + application + " application",
		Service: service,
	}
}

func (r *Router) runService(msg *message.Envelope, s *session.Session, progress message.Progress) *message.Result {
	service := msg.Service

	if errObj := r.checkServicePermission(service, s.Application, s); errObj != nil {
		return r.fail(s, errObj)
	}

	mod, err := r.Registry.Resolve(service)
	if err != nil {
		return r.fail(s, &message.Error{
			Kind:    message.ModuleLoadError,
			Text:    "Unable to load handler module for: " + service,
			Service: service,
		})
	}

	handler, ok := mod.Handlers[msg.Type]
	if !ok {
		return r.fail(s, &message.Error{
			Kind:    message.NoServiceModuleType,
			Text:    "No handler defined for " + service + " service messages of type " + msg.Type,
			Service: service,
		})
	}

	return r.runChain(mod, handler, msg, s, progress)
}

func (r *Router) runApplication(msg *message.Envelope, s *session.Session, progress message.Progress) *message.Result {
	application := s.Application
	if application == "" {
		application = msg.Application
	}

	mod, err := r.Registry.Resolve(application)
	if err != nil {
		return r.fail(s, &message.Error{
			Kind: message.ModuleLoadError,
			Text: "Unable to load handler module for: " + application,
		})
	}

	handler, ok := mod.Handlers[msg.Type]
	if !ok {
		return r.fail(s, &message.Error{
			Kind: message.NoTypeHandler,
			Text: "No handler defined for " + application + " messages of type " + msg.Type,
		})
	}

	return r.runChain(mod, handler, msg, s, progress)
}

// runChain executes before/handler/after with worker-status bookkeeping. A
// nil return means the before hook aborted silently.
func (r *Router) runChain(mod *registry.Module, handler registry.Handler, msg *message.Envelope, s *session.Session, progress message.Progress) *message.Result {
	if mod.Before != nil {
		res, abort := mod.Before(msg, s, progress)
		if abort {
			return nil
		}
		if res != nil {
			return res
		}
	}

	r.workerStatus(msg, resilient.StatusStarted)
	res := handler(msg, s, progress)
	if res == nil {
		res = message.OK(nil)
	}
	if res.Error != nil {
		r.workerStatus(msg, resilient.StatusError)
	} else {
		r.workerStatus(msg, resilient.StatusFinished)
	}

	if mod.After != nil {
		mod.After(msg, s, res)
	}
	return res
}

func (r *Router) workerStatus(msg *message.Envelope, status string) {
	if r.Queue != nil && msg.DBIndex != "" {
		r.Queue.StoreWorkerStatus(msg, status)
	}
}

// ---------------------------------------------------------------------------
// Finalize
// ---------------------------------------------------------------------------

// fail routes an error result through the application's override table when
// a session is available.
func (r *Router) fail(s *session.Session, errObj *message.Error) *message.Result {
	if s != nil && s.Application != "" {
		errObj = r.Registry.Errors(s.Application).Apply(errObj)
	}
	res := message.Fail(errObj)
	if s != nil {
		res.Application = s.Application
	}
	return res
}

// finalize attaches the session application for response interception and,
// on a successful signed-token exchange, a freshly re-signed token. Errors
// never carry a refreshed token.
func (r *Router) finalize(msg *message.Envelope, s *session.Session, res *message.Result) *message.Result {
	res.Application = s.Application

	if res.Error != nil {
		res.Error = r.Registry.Errors(s.Application).Apply(res.Error)
		return res
	}

	if msg.JWT {
		token, err := r.Authority.Update(s)
		if err != nil {
			logger.WarnCF("dispatch", "token refresh failed", map[string]interface{}{"error": err.Error()})
		} else {
			if res.Payload == nil {
				res.Payload = map[string]interface{}{}
			}
			res.Payload["token"] = token
		}
	} else if r.Opaque != nil && s.ID != "" {
		if err := r.Opaque.UpdateExpiry(s); err != nil {
			logger.WarnCF("dispatch", "session expiry update failed", map[string]interface{}{"error": err.Error()})
		}
		if err := r.Opaque.Save(s); err != nil {
			logger.WarnCF("dispatch", "session save failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return res
}
