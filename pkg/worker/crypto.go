package worker

import (
	"context"
	"errors"

	"github.com/hubgate/hubgate/pkg/dispatch"
	"github.com/hubgate/hubgate/pkg/message"
)

// CryptoRPC is the front door's typed interface for token work it must not
// do itself. Each call is a dedicated round trip into the worker pool,
// distinct from application-message dispatch, so socket I/O never blocks on
// cryptography.
type CryptoRPC struct {
	pool *Pool
}

// Crypto returns the pool's token RPC surface.
func (p *Pool) Crypto() *CryptoRPC {
	return &CryptoRPC{pool: p}
}

// Decode verifies a token in a worker and returns its raw payload.
func (c *CryptoRPC) Decode(ctx context.Context, token string) (map[string]interface{}, *message.Error) {
	res, err := c.pool.Do(ctx, &message.Envelope{
		Type:   message.TypeJWTDecode,
		Params: map[string]interface{}{"token": token},
	}, dispatch.ShapeRequest, nil)
	if err != nil {
		return nil, &message.Error{Kind: message.InvalidToken, Text: err.Error()}
	}
	if res.Error != nil {
		return nil, res.Error
	}
	payload, _ := res.Payload["payload"].(map[string]interface{})
	return payload, nil
}

// Encode signs a payload in a worker.
func (c *CryptoRPC) Encode(ctx context.Context, payload map[string]interface{}) (string, error) {
	res, err := c.pool.Do(ctx, &message.Envelope{
		Type:   message.TypeJWTEncode,
		Params: map[string]interface{}{"payload": payload},
	}, dispatch.ShapeRequest, nil)
	if err != nil {
		return "", err
	}
	if res.Error != nil {
		return "", errors.New(res.Error.Text)
	}
	token, _ := res.Payload["token"].(string)
	return token, nil
}

// UpdateExpiry re-stamps a token's expiry in a worker, optionally
// rewriting its application claim.
func (c *CryptoRPC) UpdateExpiry(ctx context.Context, token, application string) (string, error) {
	res, err := c.pool.Do(ctx, &message.Envelope{
		Type: message.TypeJWTUpdateExp,
		Params: map[string]interface{}{
			"token":       token,
			"application": application,
		},
	}, dispatch.ShapeRequest, nil)
	if err != nil {
		return "", err
	}
	if res.Error != nil {
		return "", errors.New(res.Error.Text)
	}
	refreshed, _ := res.Payload["token"].(string)
	return refreshed, nil
}
