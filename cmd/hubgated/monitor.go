package main

import (
	"os"
	"runtime"
	"time"

	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/registry"
	"github.com/hubgate/hubgate/pkg/session"
)

var startTime = time.Now()

// monitorModule is the built-in introspection application. Its handlers
// require an authenticated session except login, which mints one.
func monitorModule() *registry.Module {
	return &registry.Module{
		Handlers: map[string]registry.Handler{
			"login":  monitorLogin,
			"status": monitorStatus,
		},
		Before: func(msg *message.Envelope, s *session.Session, _ message.Progress) (*message.Result, bool) {
			if msg.Type == "login" || s.Authenticated() {
				return nil, false
			}
			return message.Fail(&message.Error{
				Kind: message.SessionNotAuthenticated,
				Text: "User is not authenticated",
			}), false
		},
	}
}

func monitorLogin(msg *message.Envelope, s *session.Session, _ message.Progress) *message.Result {
	password := msg.ParamString("password")
	if password == "" || password != monitorPassword() {
		return message.Fail(&message.Error{
			Kind: message.SessionNotAuthenticated,
			Text: "Invalid login attempt",
		})
	}
	s.Set("authenticated", true)
	s.MakeSecret("authenticated")
	return message.OK(map[string]interface{}{"ok": true})
}

func monitorStatus(_ *message.Envelope, _ *session.Session, _ message.Progress) *message.Result {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return message.OK(map[string]interface{}{
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_bytes":     mem.HeapAlloc,
	})
}

func monitorPassword() string {
	if p := os.Getenv("HUBGATE_MONITOR_PASSWORD"); p != "" {
		return p
	}
	return "keepThisSecret!"
}
