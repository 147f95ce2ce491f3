package dispatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hubgate/hubgate/pkg/fragment"
	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/registry"
	"github.com/hubgate/hubgate/pkg/session"
	"github.com/hubgate/hubgate/pkg/store"
)

type fixture struct {
	router *Router
	store  *store.MemoryStore
	reg    *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	reg := registry.New()

	err := reg.Register("demo", &registry.Module{
		Handlers: map[string]registry.Handler{
			"hello": func(msg *message.Envelope, s *session.Session, _ message.Progress) *message.Result {
				return message.OK(map[string]interface{}{"greeting": "hi"})
			},
			"login": func(msg *message.Envelope, s *session.Session, _ message.Progress) *message.Result {
				s.Set("authenticated", true)
				return message.OK(map[string]interface{}{"ok": true})
			},
			"failing": func(msg *message.Envelope, s *session.Session, _ message.Progress) *message.Result {
				return message.Fail(&message.Error{Kind: message.NoTypeHandler, Text: "handler failed"})
			},
			"count": func(msg *message.Envelope, s *session.Session, progress message.Progress) *message.Result {
				progress(map[string]interface{}{"step": 1})
				progress(map[string]interface{}{"step": 2})
				return message.OK(map[string]interface{}{"done": true})
			},
		},
		ServicesAllowed: map[string]bool{"reporting": true},
	})
	if err != nil {
		t.Fatalf("register demo: %v", err)
	}

	err = reg.Register("reporting", &registry.Module{
		Handlers: map[string]registry.Handler{
			"report": func(msg *message.Envelope, s *session.Session, _ message.Progress) *message.Result {
				return message.OK(map[string]interface{}{"report": "ready"})
			},
		},
	})
	if err != nil {
		t.Fatalf("register reporting: %v", err)
	}

	router := &Router{
		Registry:     reg,
		Authority:    session.NewAuthority("dispatch-test-secret", "hubgate.jwt", 300),
		Opaque:       session.NewOpaqueSessions(st, "testSession", 300),
		Store:        st,
		LockDocument: "testSession",
		LockTimeout:  50 * time.Millisecond,
	}
	return &fixture{router: router, store: st, reg: reg}
}

// registerOpaque runs a register message and returns the opaque token.
func (f *fixture) registerOpaque(t *testing.T) string {
	t.Helper()
	res := f.router.Handle(&message.Envelope{Type: message.TypeRegister, Application: "demo"}, ShapeRequest, nil)
	if res == nil || res.Error != nil {
		t.Fatalf("register failed: %+v", res)
	}
	token, _ := res.Payload["token"].(string)
	if token == "" {
		t.Fatal("expected an opaque token")
	}
	return token
}

// TestRegisterWithoutSignedToken verifies the opaque registration scenario
func TestRegisterWithoutSignedToken(t *testing.T) {
	f := newFixture(t)
	token := f.registerOpaque(t)
	if strings.Count(token, ".") == 2 {
		t.Error("opaque token looks like a signed token")
	}
}

// TestHandlerRunsExactlyOnce verifies one terminal result per message
func TestHandlerRunsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	token := f.registerOpaque(t)

	res := f.router.Handle(&message.Envelope{Type: "hello", Token: token}, ShapeRequest, nil)
	if res == nil || res.Error != nil {
		t.Fatalf("dispatch failed: %+v", res)
	}
	if res.Payload["greeting"] != "hi" {
		t.Errorf("unexpected payload: %v", res.Payload)
	}
	if res.Application != "demo" {
		t.Errorf("expected application demo, got %s", res.Application)
	}
}

// TestUnknownTypeError verifies the no-handler error text
func TestUnknownTypeError(t *testing.T) {
	f := newFixture(t)
	token := f.registerOpaque(t)

	res := f.router.Handle(&message.Envelope{Type: "X", Token: token}, ShapeRequest, nil)
	if res.Error == nil {
		t.Fatal("expected an error")
	}
	if res.Error.Text != "No handler defined for demo messages of type X" {
		t.Errorf("unexpected text: %s", res.Error.Text)
	}
	if res.Error.Kind != message.NoTypeHandler {
		t.Errorf("unexpected kind: %s", res.Error.Kind)
	}
}

// TestInvalidTokenRejected verifies authentication failure for unknown tokens
func TestInvalidTokenRejected(t *testing.T) {
	f := newFixture(t)

	res := f.router.Handle(&message.Envelope{Type: "hello", Token: "bogus"}, ShapeRequest, nil)
	if res.Error == nil {
		t.Fatal("expected an error")
	}
	if res.Error.Text != "Session does not exist or has expired" {
		t.Errorf("unexpected text: %s", res.Error.Text)
	}
}

// TestServicePermissions verifies the application/session permission matrix
func TestServicePermissions(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		service  string
		override map[string]bool
		wantErr  string
		wantKind message.ErrorKind
	}{
		{
			name:    "application table allows",
			service: "reporting",
		},
		{
			name:     "application table denies",
			service:  "foo",
			wantErr:  "foo service is not permitted for the demo application",
			wantKind: message.ServiceNotAllowed,
		},
		{
			name:     "session override denies an allowed service",
			service:  "reporting",
			override: map[string]bool{"reporting": false},
			wantErr:  "You are not allowed access to the reporting service",
			wantKind: message.ServiceNotAllowedForUser,
		},
		{
			name:     "session override grants a denied service",
			service:  "foo",
			override: map[string]bool{"foo": true},
			wantErr:  "Unable to load handler module for: foo",
			wantKind: message.ModuleLoadError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := f.registerOpaque(t)
			if tt.override != nil {
				s, errObj := f.router.Opaque.Authenticate(token)
				if errObj != nil {
					t.Fatalf("authenticate: %s", errObj.Text)
				}
				s.AllowedServices = tt.override
				if err := f.router.Opaque.Save(s); err != nil {
					t.Fatalf("save: %v", err)
				}
			}

			res := f.router.Handle(&message.Envelope{
				Type: "report", Service: tt.service, Token: token,
			}, ShapeRequest, nil)

			if tt.wantErr == "" {
				if res.Error != nil {
					t.Fatalf("unexpected error: %s", res.Error.Text)
				}
				if res.Payload["report"] != "ready" {
					t.Errorf("unexpected payload: %v", res.Payload)
				}
				return
			}

			if res.Error == nil {
				t.Fatal("expected an error")
			}
			if res.Error.Text != tt.wantErr {
				t.Errorf("expected %q, got %q", tt.wantErr, res.Error.Text)
			}
			if res.Error.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, res.Error.Kind)
			}
			if tt.wantKind != message.ModuleLoadError && res.Error.Service != tt.service {
				t.Errorf("expected service annotation %s, got %s", tt.service, res.Error.Service)
			}
		})
	}
}

// TestBeforeHookShortCircuit verifies before-hook result and abort paths
func TestBeforeHookShortCircuit(t *testing.T) {
	f := newFixture(t)

	handlerRan := false
	f.reg.Register("hooked", &registry.Module{
		Handlers: map[string]registry.Handler{
			"go": func(msg *message.Envelope, s *session.Session, _ message.Progress) *message.Result {
				handlerRan = true
				return message.OK(nil)
			},
		},
		Before: func(msg *message.Envelope, s *session.Session, _ message.Progress) (*message.Result, bool) {
			switch msg.ParamString("mode") {
			case "abort":
				return nil, true
			case "short":
				return message.OK(map[string]interface{}{"intercepted": true}), false
			}
			return nil, false
		},
	})

	res := f.router.Handle(&message.Envelope{Type: message.TypeRegister, Application: "hooked"}, ShapeRequest, nil)
	token, _ := res.Payload["token"].(string)

	t.Run("silent abort", func(t *testing.T) {
		res := f.router.Handle(&message.Envelope{
			Type: "go", Token: token, Params: map[string]interface{}{"mode": "abort"},
		}, ShapeRequest, nil)
		if res != nil {
			t.Fatalf("expected no terminal result, got %+v", res)
		}
		if handlerRan {
			t.Error("handler must not run after an abort")
		}
	})

	t.Run("result short-circuit", func(t *testing.T) {
		res := f.router.Handle(&message.Envelope{
			Type: "go", Token: token, Params: map[string]interface{}{"mode": "short"},
		}, ShapeRequest, nil)
		if res == nil || res.Error != nil {
			t.Fatalf("unexpected result: %+v", res)
		}
		if res.Payload["intercepted"] != true {
			t.Errorf("unexpected payload: %v", res.Payload)
		}
		if handlerRan {
			t.Error("handler must not run after a short-circuit")
		}
	})

	t.Run("pass through", func(t *testing.T) {
		res := f.router.Handle(&message.Envelope{Type: "go", Token: token}, ShapeRequest, nil)
		if res == nil || res.Error != nil {
			t.Fatalf("unexpected result: %+v", res)
		}
		if !handlerRan {
			t.Error("handler should have run")
		}
	})
}

// TestProgressShapes verifies progress delivery per ingress shape
func TestProgressShapes(t *testing.T) {
	f := newFixture(t)
	token := f.registerOpaque(t)

	var socketUpdates []map[string]interface{}
	res := f.router.Handle(&message.Envelope{Type: "count", Token: token}, ShapeSocket, func(p map[string]interface{}) {
		socketUpdates = append(socketUpdates, p)
	})
	if res.Error != nil {
		t.Fatalf("dispatch failed: %s", res.Error.Text)
	}
	if len(socketUpdates) != 2 {
		t.Errorf("expected 2 progress updates, got %d", len(socketUpdates))
	}

	requestUpdates := 0
	res = f.router.Handle(&message.Envelope{Type: "count", Token: token}, ShapeRequest, func(map[string]interface{}) {
		requestUpdates++
	})
	if res.Error != nil {
		t.Fatalf("dispatch failed: %s", res.Error.Text)
	}
	if requestUpdates != 0 {
		t.Errorf("request shape must suppress progress, got %d updates", requestUpdates)
	}
}

// TestSignedTokenFinalize verifies token refresh on success and its absence
// on error
func TestSignedTokenFinalize(t *testing.T) {
	f := newFixture(t)

	res := f.router.Handle(&message.Envelope{
		Type: message.TypeRegister, Application: "demo", JWT: true,
	}, ShapeRequest, nil)
	if res.Error != nil {
		t.Fatalf("register: %s", res.Error.Text)
	}
	token, _ := res.Payload["token"].(string)

	res = f.router.Handle(&message.Envelope{Type: "hello", Token: token, JWT: true}, ShapeRequest, nil)
	if res.Error != nil {
		t.Fatalf("dispatch: %s", res.Error.Text)
	}
	refreshed, _ := res.Payload["token"].(string)
	if refreshed == "" {
		t.Fatal("successful signed-token exchange must carry a refreshed token")
	}

	res = f.router.Handle(&message.Envelope{Type: "failing", Token: refreshed, JWT: true}, ShapeRequest, nil)
	if res.Error == nil {
		t.Fatal("expected an error")
	}
}

// TestSessionLockTimeout verifies a held lock fails the request without
// invoking its handler
func TestSessionLockTimeout(t *testing.T) {
	f := newFixture(t)
	f.router.LockSessions = true
	token := f.registerOpaque(t)

	s, errObj := f.router.Opaque.Authenticate(token)
	if errObj != nil {
		t.Fatalf("authenticate: %s", errObj.Text)
	}
	lock := store.Loc("testSession", "lock", s.ID)
	if err := f.store.Lock(lock, time.Second); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer f.store.Unlock(lock)

	res := f.router.Handle(&message.Envelope{Type: "hello", Token: token}, ShapeRequest, nil)
	if res.Error == nil {
		t.Fatal("expected an error")
	}
	if res.Error.Text != "Timed out waiting for session to be released" {
		t.Errorf("unexpected text: %s", res.Error.Text)
	}
	if res.Error.Kind != message.SessionLockTimeout {
		t.Errorf("unexpected kind: %s", res.Error.Kind)
	}
}

// TestFragmentRetrieval verifies fragment fetch and the not-found error
func TestFragmentRetrieval(t *testing.T) {
	f := newFixture(t)

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "demo"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "demo", "intro.html"), []byte("<p>hi</p>"), 0o644); err != nil {
		t.Fatal(err)
	}
	frags, err := fragment.New(root)
	if err != nil {
		t.Fatal(err)
	}
	f.router.Fragments = frags

	token := f.registerOpaque(t)

	res := f.router.Handle(&message.Envelope{
		Type: message.TypeFragment, Token: token,
		Params: map[string]interface{}{"file": "intro.html"},
	}, ShapeRequest, nil)
	if res.Error != nil {
		t.Fatalf("fragment fetch: %s", res.Error.Text)
	}
	if res.Payload["content"] != "<p>hi</p>" {
		t.Errorf("unexpected content: %v", res.Payload["content"])
	}

	res = f.router.Handle(&message.Envelope{
		Type: message.TypeFragment, Token: token,
		Params: map[string]interface{}{"file": "missing.html"},
	}, ShapeRequest, nil)
	if res.Error == nil {
		t.Fatal("expected an error")
	}
	if res.Error.Text != "Fragment file missing.html does not exist" {
		t.Errorf("unexpected text: %s", res.Error.Text)
	}
	if res.Error.File != "missing.html" {
		t.Errorf("expected file annotation, got %s", res.Error.File)
	}
}

// TestFragmentServiceRouting verifies the envelope-level service drives
// both the permission check and the area selection
func TestFragmentServiceRouting(t *testing.T) {
	f := newFixture(t)

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "reporting"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "reporting", "chart.html"), []byte("<svg/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	frags, err := fragment.New(root)
	if err != nil {
		t.Fatal(err)
	}
	f.router.Fragments = frags

	token := f.registerOpaque(t)

	res := f.router.Handle(&message.Envelope{
		Type: message.TypeFragment, Token: token, Service: "reporting",
		Params: map[string]interface{}{"file": "chart.html"},
	}, ShapeRequest, nil)
	if res.Error != nil {
		t.Fatalf("fragment fetch: %s", res.Error.Text)
	}
	if res.Payload["content"] != "<svg/>" {
		t.Errorf("unexpected content: %v", res.Payload["content"])
	}

	res = f.router.Handle(&message.Envelope{
		Type: message.TypeFragment, Token: token, Service: "foo",
		Params: map[string]interface{}{"file": "chart.html"},
	}, ShapeRequest, nil)
	if res.Error == nil {
		t.Fatal("expected a permission error")
	}
	if res.Error.Text != "foo service is not permitted for the demo application" {
		t.Errorf("unexpected text: %s", res.Error.Text)
	}

	res = f.router.Handle(&message.Envelope{
		Type: message.TypeFragment, Token: token, Service: "reporting",
		Params: map[string]interface{}{"file": "missing.html"},
	}, ShapeRequest, nil)
	if res.Error == nil {
		t.Fatal("expected a not-found error")
	}
	if res.Error.Service != "reporting" {
		t.Errorf("expected service annotation, got %q", res.Error.Service)
	}
}

// TestReservedTypeShortCircuit verifies token control types bypass handlers
func TestReservedTypeShortCircuit(t *testing.T) {
	f := newFixture(t)

	s := session.NewSession("demo", 300)
	token, err := f.router.Authority.Update(s)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	res := f.router.Handle(&message.Envelope{
		Type:   message.TypeJWTIsValid,
		Params: map[string]interface{}{"token": token, "verify": true},
	}, ShapeRequest, nil)
	if res.Error != nil {
		t.Fatalf("jwt-is-valid: %s", res.Error.Text)
	}
	if res.Payload["ok"] != true {
		t.Errorf("expected ok=true, got %v", res.Payload)
	}

	res = f.router.Handle(&message.Envelope{
		Type:   message.TypeJWTDecode,
		Params: map[string]interface{}{"token": token},
	}, ShapeRequest, nil)
	if res.Error != nil {
		t.Fatalf("jwt-decode: %s", res.Error.Text)
	}
	payload, _ := res.Payload["payload"].(map[string]interface{})
	if payload["application"] != "demo" {
		t.Errorf("unexpected decode payload: %v", payload)
	}
}

// TestErrorOverrides verifies per-application error customisation applies
// at emission
func TestErrorOverrides(t *testing.T) {
	f := newFixture(t)

	f.reg.Register("custom", &registry.Module{
		Handlers: map[string]registry.Handler{},
		Errors: message.Overrides{
			message.NoTypeHandler: {Text: "nothing here", StatusCode: 404},
		},
	})

	res := f.router.Handle(&message.Envelope{Type: message.TypeRegister, Application: "custom"}, ShapeRequest, nil)
	token, _ := res.Payload["token"].(string)

	res = f.router.Handle(&message.Envelope{Type: "anything", Token: token}, ShapeRequest, nil)
	if res.Error == nil {
		t.Fatal("expected an error")
	}
	if res.Error.Text != "nothing here" || res.Error.StatusCode != 404 {
		t.Errorf("override not applied: %+v", res.Error)
	}
}
