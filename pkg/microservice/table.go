// Package microservice lets one hubgate instance delegate requests to
// remote instances over persistent, auto-reconnecting socket connections.
// Destinations, fan-out groups, and routing tables are resolved once at
// startup from configuration.
package microservice

import (
	"context"
	"fmt"

	"github.com/hubgate/hubgate/pkg/config"
	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/metrics"
)

// TokenService is the token work the proxy needs: decoding a caller token
// to classify it and re-stamping tokens across trust boundaries. The front
// door satisfies it with the worker pool's crypto RPC so it never runs the
// cryptography itself.
type TokenService interface {
	Decode(ctx context.Context, token string) (map[string]interface{}, *message.Error)
	UpdateExpiry(ctx context.Context, token, application string) (string, error)
}

// Destination is one named remote instance, or a fan-out group of others.
type Destination struct {
	Name        string
	Host        string
	Application string
	Members     []string

	client *SocketClient
}

// Group reports whether the destination fans out to member destinations.
func (d *Destination) Group() bool { return len(d.Members) > 0 }

// OnRequest fully owns routing and response delivery for a REST route,
// bypassing destination dispatch. deliver sends the response to the caller.
type OnRequest func(msg *message.Envelope, deliver func(*message.Response))

// OnResponse observes or rewrites an aggregated response. Returning true
// signals that it has delivered the response itself, suppressing default
// delivery.
type OnResponse func(resp *message.Response, deliver func(*message.Response)) bool

// RestRoute maps a path template and method to a destination. Interceptors
// are attached programmatically after table construction.
type RestRoute struct {
	Path        string
	Method      string
	Destination string

	OnRequest  OnRequest
	OnResponse OnResponse
}

// TypeTarget is one socket-message-type routing entry.
type TypeTarget struct {
	Client      *SocketClient
	Application string
}

// Table holds the resolved routing state: destinations by name, socket
// routes by application and type, and REST path routes.
type Table struct {
	byDestination map[string]*Destination
	byApplication map[string]map[string]*TypeTarget
	restRoutes    []*RestRoute

	tokens  TokenService
	metrics *metrics.Metrics
}

// Build resolves configuration into a routing table and creates one socket
// client per remote host. Clients do not connect until Start.
func Build(cfg *config.Config, tokens TokenService, m *metrics.Metrics) (*Table, error) {
	t := &Table{
		byDestination: map[string]*Destination{},
		byApplication: map[string]map[string]*TypeTarget{},
		tokens:        tokens,
		metrics:       m,
	}

	clientsByHost := map[string]*SocketClient{}
	clientFor := func(host, application string) *SocketClient {
		if c, ok := clientsByHost[host]; ok {
			return c
		}
		c := NewSocketClient(host, application, m)
		clientsByHost[host] = c
		return c
	}

	for name, dc := range cfg.Destinations {
		d := &Destination{
			Name:        name,
			Host:        dc.Host,
			Application: dc.Application,
			Members:     dc.Destinations,
		}
		if !d.Group() {
			if d.Host == "" {
				return nil, fmt.Errorf("destination %s has neither host nor members", name)
			}
			d.client = clientFor(d.Host, d.Application)
		}
		t.byDestination[name] = d
	}

	for _, member := range t.groupMembers() {
		if _, ok := t.byDestination[member]; !ok {
			return nil, fmt.Errorf("group member %s is not a destination", member)
		}
	}

	for _, route := range cfg.Routes {
		if route.Path != "" {
			if _, ok := t.byDestination[route.Destination]; !ok && route.Destination != "" {
				return nil, fmt.Errorf("route %s targets unknown destination %s", route.Path, route.Destination)
			}
			t.restRoutes = append(t.restRoutes, &RestRoute{
				Path:        route.Path,
				Method:      route.Method,
				Destination: route.Destination,
			})
			continue
		}

		if route.Application == "" {
			continue
		}
		byType := t.byApplication[route.Application]
		if byType == nil {
			byType = map[string]*TypeTarget{}
			t.byApplication[route.Application] = byType
		}
		for msgType, tr := range route.Types {
			target := &TypeTarget{Application: tr.Application}
			switch {
			case tr.Destination != "":
				d, ok := t.byDestination[tr.Destination]
				if !ok || d.Group() {
					return nil, fmt.Errorf("type route %s/%s targets unknown destination %s", route.Application, msgType, tr.Destination)
				}
				target.Client = d.client
				if target.Application == "" {
					target.Application = d.Application
				}
			case tr.URL != "":
				target.Client = clientFor(tr.URL, tr.Application)
			default:
				return nil, fmt.Errorf("type route %s/%s has neither url nor destination", route.Application, msgType)
			}
			byType[msgType] = target
		}
	}

	return t, nil
}

func (t *Table) groupMembers() []string {
	var members []string
	for _, d := range t.byDestination {
		members = append(members, d.Members...)
	}
	return members
}

// Destination looks up a named destination.
func (t *Table) Destination(name string) (*Destination, bool) {
	d, ok := t.byDestination[name]
	return d, ok
}

// TypeRoute looks up the socket route for an application and message type.
func (t *Table) TypeRoute(application, msgType string) (*TypeTarget, bool) {
	byType, ok := t.byApplication[application]
	if !ok {
		return nil, false
	}
	target, ok := byType[msgType]
	return target, ok
}

// RestRoutes returns the REST path routes for ingress registration.
func (t *Table) RestRoutes() []*RestRoute {
	return t.restRoutes
}

// Intercept attaches interceptors to the REST route with the given path.
func (t *Table) Intercept(path string, onRequest OnRequest, onResponse OnResponse) bool {
	for _, r := range t.restRoutes {
		if r.Path == path {
			r.OnRequest = onRequest
			r.OnResponse = onResponse
			return true
		}
	}
	return false
}

// Start connects every socket client. Connections maintain themselves until
// the context is cancelled.
func (t *Table) Start(ctx context.Context) {
	started := map[*SocketClient]bool{}
	for _, d := range t.byDestination {
		if d.client != nil && !started[d.client] {
			started[d.client] = true
			go d.client.Run(ctx)
		}
	}
	for _, byType := range t.byApplication {
		for _, target := range byType {
			if target.Client != nil && !started[target.Client] {
				started[target.Client] = true
				go target.Client.Run(ctx)
			}
		}
	}
}
