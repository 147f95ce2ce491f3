package microservice

import (
	"context"
	"sync"

	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
)

// Proxy is the front door's forwarding surface over the routing table.
type Proxy struct {
	table *Table
}

// NewProxy wraps a routing table.
func NewProxy(table *Table) *Proxy {
	return &Proxy{table: table}
}

// Table exposes the underlying routing table.
func (p *Proxy) Table() *Table { return p.table }

// ClassifySocketMessage decides whether a signed-token socket message is
// remote. The caller's token is decoded in a worker; the decoded
// application is looked up in the socket route table together with the
// message type. A nil target means the message is local.
func (p *Proxy) ClassifySocketMessage(ctx context.Context, msg *message.Envelope) (*TypeTarget, *message.Error) {
	if msg.Token == "" {
		return nil, nil
	}
	claims, errObj := p.table.tokens.Decode(ctx, msg.Token)
	if errObj != nil {
		return nil, errObj
	}
	application, _ := claims["application"].(string)
	if application == "" {
		application = msg.Application
	}

	target, ok := p.table.TypeRoute(application, msg.Type)
	if !ok {
		return nil, nil
	}
	return target, nil
}

// ForwardSocketMessage sends a classified message to its remote target and
// returns the finished response with its token rewritten back to the
// caller's application. Before forwarding, the caller token's application
// claim is rewritten to the identity the remote expects.
func (p *Proxy) ForwardSocketMessage(ctx context.Context, target *TypeTarget, msg *message.Envelope, progress message.Progress) (*message.Response, *message.Error) {
	callerApp := msg.Application

	if target.Application != "" && msg.Token != "" {
		rewritten, err := p.table.tokens.UpdateExpiry(ctx, msg.Token, target.Application)
		if err == nil && rewritten != "" {
			msg.Token = rewritten
			msg.Application = target.Application
		}
	}

	resp, errObj := target.Client.Call(ctx, msg, progress)
	p.count(target.Application, errObj)
	if errObj != nil {
		return nil, errObj
	}

	p.rewriteReplyToken(ctx, resp, callerApp)
	return resp, nil
}

// ForwardRest sends a REST-shaped message to a named destination. Group
// destinations fan out to every member and the caller receives an
// aggregate keyed by member name.
func (p *Proxy) ForwardRest(ctx context.Context, destination string, msg *message.Envelope) (*message.Response, *message.Error) {
	d, ok := p.table.Destination(destination)
	if !ok {
		return nil, &message.Error{
			Kind: message.NoSuchDestination,
			Text: "No such destination: " + destination,
		}
	}
	if d.Group() {
		return p.fanOut(ctx, d, msg)
	}
	return p.forwardOne(ctx, d, msg)
}

func (p *Proxy) forwardOne(ctx context.Context, d *Destination, msg *message.Envelope) (*message.Response, *message.Error) {
	callerApp := msg.Application

	fwd := *msg
	if d.Application != "" && fwd.Token != "" {
		rewritten, err := p.table.tokens.UpdateExpiry(ctx, fwd.Token, d.Application)
		if err == nil && rewritten != "" {
			fwd.Token = rewritten
			fwd.Application = d.Application
		}
	}

	resp, errObj := d.client.Call(ctx, &fwd, nil)
	p.count(d.Name, errObj)
	if errObj != nil {
		return nil, errObj
	}

	p.rewriteReplyToken(ctx, resp, callerApp)
	return resp, nil
}

// fanOut broadcasts one logical call to every member of a group and
// aggregates the replies. A member failure contributes its error payload
// under the member's name instead of failing the whole call.
func (p *Proxy) fanOut(ctx context.Context, group *Destination, msg *message.Envelope) (*message.Response, *message.Error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = map[string]interface{}{}
	)

	for _, name := range group.Members {
		member, ok := p.table.Destination(name)
		if !ok || member.Group() {
			mu.Lock()
			results[name] = map[string]interface{}{"error": "No such destination: " + name}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(name string, member *Destination) {
			defer wg.Done()
			memberMsg := *msg
			resp, errObj := p.forwardOne(ctx, member, &memberMsg)

			mu.Lock()
			defer mu.Unlock()
			if errObj != nil {
				results[name] = errObj.ToPayload()
				return
			}
			results[name] = resp.Message
		}(name, member)
	}
	wg.Wait()

	return &message.Response{
		Type:     msg.Type,
		Finished: true,
		Message: map[string]interface{}{
			"destination": group.Name,
			"results":     results,
		},
	}, nil
}

// rewriteReplyToken re-signs the token in a remote reply when the remote
// issued it under its own application identity, so the caller continues to
// see the application it registered with.
func (p *Proxy) rewriteReplyToken(ctx context.Context, resp *message.Response, callerApp string) {
	if resp.Message == nil || callerApp == "" {
		return
	}
	token, ok := resp.Message["token"].(string)
	if !ok || token == "" {
		return
	}

	claims, errObj := p.table.tokens.Decode(ctx, token)
	if errObj != nil {
		return
	}
	if app, _ := claims["application"].(string); app == callerApp {
		return
	}

	rewritten, err := p.table.tokens.UpdateExpiry(ctx, token, callerApp)
	if err != nil || rewritten == "" {
		logger.WarnC("microservice", "reply token rewrite failed")
		return
	}
	resp.Message["token"] = rewritten
}

func (p *Proxy) count(destination string, errObj *message.Error) {
	if p.table.metrics == nil {
		return
	}
	outcome := "ok"
	if errObj != nil {
		outcome = "error"
	}
	p.table.metrics.ProxyCalls.WithLabelValues(destination, outcome).Inc()
}
