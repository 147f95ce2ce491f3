// Package rest is the HTTP ingress: the AJAX-shape dispatch endpoint, the
// microservice proxy routes, the WebSocket upgrade path, and the metrics
// scrape endpoint, all on one chi router.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hubgate/hubgate/pkg/config"
	"github.com/hubgate/hubgate/pkg/dispatch"
	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/metrics"
	"github.com/hubgate/hubgate/pkg/microservice"
	"github.com/hubgate/hubgate/pkg/sockets"
	"github.com/hubgate/hubgate/pkg/worker"
)

// Server is the HTTP front end.
type Server struct {
	cfg     *config.Config
	pool    *worker.Pool
	proxy   *microservice.Proxy
	hub     *sockets.Hub
	metrics *metrics.Metrics
	router  chi.Router
	http    *http.Server
}

// New assembles the router. proxy, hub, and m are optional.
func New(cfg *config.Config, pool *worker.Pool, proxy *microservice.Proxy, hub *sockets.Hub, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		pool:    pool,
		proxy:   proxy,
		hub:     hub,
		metrics: m,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/ajax", s.handleAjax)

	if hub != nil {
		r.Get("/ws", hub.HandleWebSocket)
	}
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	if proxy != nil {
		for _, route := range proxy.Table().RestRoutes() {
			method := strings.ToUpper(route.Method)
			if method == "" {
				method = http.MethodGet
			}
			r.MethodFunc(method, route.Path, s.proxyHandler(route))
		}
	}

	if cfg.WebServerRootPath != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.WebServerRootPath)))
	}

	s.router = r
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	logger.InfoCF("rest", "listening", map[string]interface{}{"addr": addr})
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// AJAX-shape dispatch
// ---------------------------------------------------------------------------

// handleAjax runs one envelope through the request/response ingress shape:
// no progress channel, one terminal JSON body.
func (s *Server) handleAjax(w http.ResponseWriter, r *http.Request) {
	var msg message.Envelope
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid request body"})
		return
	}

	msg.IPAddress = r.RemoteAddr
	msg.Headers = lowerHeaders(r.Header)
	if msg.Token == "" {
		if auth := msg.Headers["authorization"]; auth != "" {
			msg.Token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	res, err := s.pool.Do(r.Context(), &msg, dispatch.ShapeRequest, nil)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "Server is shutting down"})
		return
	}
	if res == nil {
		// Silent before-hook abort: the hook owns the response; nothing
		// sensible remains to send over a request/response exchange.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeResult(w, res)
}

// ---------------------------------------------------------------------------
// Microservice proxy routes
// ---------------------------------------------------------------------------

func (s *Server) proxyHandler(route *microservice.RestRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := s.restEnvelope(r)

		deliver := func(resp *message.Response) {
			writeJSON(w, http.StatusOK, resp.Message)
		}

		if route.OnRequest != nil {
			route.OnRequest(msg, deliver)
			return
		}

		resp, errObj := s.proxy.ForwardRest(r.Context(), route.Destination, msg)
		if errObj != nil {
			writeError(w, errObj)
			return
		}
		if route.OnResponse != nil && route.OnResponse(resp, deliver) {
			return
		}
		deliver(resp)
	}
}

// restEnvelope converts an HTTP request into the message forwarded to a
// remote instance. Path parameters from the route template join the params
// map.
func (s *Server) restEnvelope(r *http.Request) *message.Envelope {
	body, _ := io.ReadAll(r.Body)

	msg := &message.Envelope{
		Type:      "rest-request",
		JWT:       true,
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   lowerHeaders(r.Header),
		Body:      body,
		IPAddress: r.RemoteAddr,
		Params:    map[string]interface{}{},
	}

	if auth := msg.Headers["authorization"]; auth != "" {
		msg.Token = strings.TrimPrefix(auth, "Bearer ")
	}

	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key == "*" {
				continue
			}
			msg.Params[key] = rctx.URLParams.Values[i]
		}
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			msg.Params[key] = values[0]
		}
	}
	return msg
}

// ---------------------------------------------------------------------------
// Response encoding
// ---------------------------------------------------------------------------

func writeResult(w http.ResponseWriter, res *message.Result) {
	if res.Error != nil {
		writeError(w, res.Error)
		return
	}
	writeJSON(w, http.StatusOK, res.Payload)
}

func writeError(w http.ResponseWriter, errObj *message.Error) {
	status := errObj.StatusCode
	if status == 0 {
		status = http.StatusBadRequest
	}
	payload := map[string]interface{}{"error": errObj.Text}
	if errObj.Service != "" {
		payload["service"] = errObj.Service
	}
	if errObj.File != "" {
		payload["file"] = errObj.File
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WarnCF("rest", "response encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func lowerHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[strings.ToLower(key)] = values[0]
		}
	}
	return out
}
