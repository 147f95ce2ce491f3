package session

import (
	"strings"

	"github.com/hubgate/hubgate/pkg/message"
)

// BearerToken extracts the signed token from a REST message's
// Authorization header. With expectBearer set, only the
// "Bearer <token>" form is accepted; otherwise the raw header value is
// returned as-is.
func BearerToken(msg *message.Envelope, expectBearer bool) string {
	auth := msg.Headers["authorization"]
	if auth == "" {
		auth = msg.Headers["Authorization"]
	}
	if auth == "" {
		return ""
	}
	if expectBearer {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return auth
}

// ValidateRestRequest authenticates a REST message. On failure the onFail
// continuation receives the error and nil is returned; on success the
// reconstructed session is returned. Login-style endpoints that mint the
// first authenticated session pass requireAuthenticated=false to skip the
// already-authenticated check.
func (a *Authority) ValidateRestRequest(msg *message.Envelope, onFail func(*message.Error), expectBearer, requireAuthenticated bool) *Session {
	token := BearerToken(msg, expectBearer)
	if token == "" {
		onFail(&message.Error{
			Kind: message.SessionNotAuthenticated,
			Text: "Authorization header missing or token not found in header (expected format: Bearer {{token}})",
		})
		return nil
	}

	msg.Token = token
	s, errObj := a.decodeSession(token)
	if errObj != nil {
		onFail(errObj)
		return nil
	}

	if requireAuthenticated && !s.Authenticated() {
		onFail(&message.Error{
			Kind: message.SessionNotAuthenticated,
			Text: "User is not authenticated",
		})
		return nil
	}
	return s
}
