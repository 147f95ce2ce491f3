package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
)

// sealedClaim is the token claim holding the encrypted secret fields.
const sealedClaim = "sealed"

// registered claim names that are never treated as session data fields.
var reservedClaims = map[string]bool{
	"exp": true, "iat": true, "iss": true,
	"application": true, "timeout": true,
	sealedClaim: true,
}

// Authority issues, validates, and refreshes signed session tokens. The
// token itself is the session record: nothing is stored centrally.
type Authority struct {
	secret  []byte
	issuer  string
	timeout int
	sealer  *sealer
}

// NewAuthority builds a token authority. An empty secret yields a disabled
// authority: every signed-token operation fails with a disconnect hint.
func NewAuthority(secret, issuer string, timeout int) *Authority {
	if issuer == "" {
		issuer = "hubgate.jwt"
	}
	if timeout <= 0 {
		timeout = 300
	}
	a := &Authority{issuer: issuer, timeout: timeout}
	if secret != "" {
		a.secret = []byte(secret)
		a.sealer = newSealer(secret)
	}
	return a
}

// Enabled reports whether signed-token support is configured.
func (a *Authority) Enabled() bool { return a.secret != nil }

func (a *Authority) notConfigured() *message.Error {
	return &message.Error{
		Kind:       message.SessionNotAuthenticated,
		Text:       "Application expects to use signed tokens, but the server is not running with signed-token support turned on",
		Disconnect: true,
	}
}

// Register creates a brand-new signed session for a registration message.
// The socket id, caller address, and authenticated flag start out secret.
func (a *Authority) Register(msg *message.Envelope) *message.Result {
	if !a.Enabled() {
		return message.Fail(a.notConfigured())
	}

	s := NewSession(msg.Application, a.timeout)
	s.Set("authenticated", false)
	s.MakeSecret("authenticated")
	if msg.SocketID != "" {
		s.Set("socketId", msg.SocketID)
		s.MakeSecret("socketId")
	}
	if msg.IPAddress != "" {
		s.Set("ipAddress", msg.IPAddress)
		s.MakeSecret("ipAddress")
	}

	token, err := a.encode(s, time.Now())
	if err != nil {
		logger.ErrorCF("session", "token creation failed", map[string]interface{}{"error": err.Error()})
		return message.Fail(a.notConfigured())
	}
	return message.OK(map[string]interface{}{"token": token})
}

// Validate decodes and verifies a signed token and reconstructs the
// session, secret fields included. Failures carry a disconnect hint.
func (a *Authority) Validate(msg *message.Envelope) (*Session, *message.Error) {
	if !a.Enabled() {
		return nil, a.notConfigured()
	}
	return a.decodeSession(msg.Token)
}

// Update re-signs a session with a fresh iat/exp pair computed from the
// current time plus the session's own timeout. Refresh is idempotent with
// respect to elapsed time, not cumulative.
func (a *Authority) Update(s *Session) (string, error) {
	if !a.Enabled() {
		return "", a.notConfigured()
	}
	return a.encode(s, time.Now())
}

// Reregister refreshes a session when a caller resumes a dropped
// connection with an existing token. The new socket id replaces the old.
func (a *Authority) Reregister(s *Session, msg *message.Envelope) *message.Result {
	if msg.SocketID != "" {
		s.Set("socketId", msg.SocketID)
		s.MakeSecret("socketId")
	}
	if msg.IPAddress != "" {
		s.Set("ipAddress", msg.IPAddress)
		s.MakeSecret("ipAddress")
	}
	token, err := a.Update(s)
	if err != nil {
		return message.Fail(&message.Error{
			Kind: message.InvalidToken,
			Text: "Invalid token: " + err.Error(),
		})
	}
	return message.OK(map[string]interface{}{"ok": true, "token": token})
}

// ---------------------------------------------------------------------------
// Raw token operations backing the reserved control types
// ---------------------------------------------------------------------------

// Decode verifies a token's signature and returns its raw payload. Secret
// fields remain sealed.
func (a *Authority) Decode(token string) (map[string]interface{}, *message.Error) {
	claims, err := a.parse(token, true)
	if err != nil {
		return nil, &message.Error{Kind: message.InvalidToken, Text: "Invalid token: " + errText(err)}
	}
	return claims, nil
}

// Encode signs an arbitrary payload as-is.
func (a *Authority) Encode(payload map[string]interface{}) (string, error) {
	if !a.Enabled() {
		return "", a.notConfigured()
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(payload))
	return t.SignedString(a.secret)
}

// UpdateExpiry decodes a token without verification, stamps a fresh
// iat/exp pair, optionally rewrites the application, and re-signs it.
// Returns "" when the token cannot be decoded.
func (a *Authority) UpdateExpiry(token, application string) string {
	claims, err := a.parse(token, false)
	if err != nil {
		return ""
	}

	now := time.Now().Unix()
	timeout := int64(300)
	if t, ok := numClaim(claims, "timeout"); ok {
		timeout = t
	}
	claims["iat"] = now
	claims["exp"] = now + timeout
	if application != "" {
		if _, ok := claims["application"]; ok {
			claims["application"] = application
		}
	}

	signed, err := a.Encode(claims)
	if err != nil {
		return ""
	}
	return signed
}

// IsValid checks a token. With verify set, the signature and expiry are
// both checked; without, only that the token parses.
func (a *Authority) IsValid(token string, verify bool) (bool, string) {
	claims, err := a.parse(token, verify)
	if err != nil {
		return false, "Invalid token: " + errText(err)
	}
	if verify {
		if exp, ok := numClaim(claims, "exp"); ok && exp < time.Now().Unix() {
			return false, "Invalid token: Token expired"
		}
	}
	return true, ""
}

// GetProperty decodes a token without verification and returns the named
// payload property, or nil.
func (a *Authority) GetProperty(name, token string) interface{} {
	claims, err := a.parse(token, false)
	if err != nil {
		return nil
	}
	return claims[name]
}

// ---------------------------------------------------------------------------
// Encoding internals
// ---------------------------------------------------------------------------

func (a *Authority) encode(s *Session, now time.Time) (string, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}

	claims := jwt.MapClaims{
		"exp":         now.Unix() + int64(timeout),
		"iat":         now.Unix(),
		"iss":         a.issuer,
		"application": s.Application,
		"timeout":     timeout,
	}

	secret := map[string]interface{}{}
	for name, value := range s.Data {
		if s.Visibility[name] {
			secret[name] = value
		} else {
			claims[name] = value
		}
	}
	if len(s.AllowedServices) > 0 {
		secret["allowedServices"] = s.AllowedServices
	}
	if len(secret) > 0 {
		blob, err := a.sealer.seal(secret)
		if err != nil {
			return "", fmt.Errorf("seal secret fields: %w", err)
		}
		claims[sealedClaim] = blob
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.secret)
}

func (a *Authority) decodeSession(token string) (*Session, *message.Error) {
	claims, err := a.parse(token, true)
	if err != nil {
		return nil, &message.Error{
			Kind:       message.InvalidToken,
			Text:       "Invalid token: " + errText(err),
			StatusCode: 403,
		}
	}

	s := NewSession(strClaim(claims, "application"), int(mustNum(claims, "timeout")))
	s.Token = token
	s.Iss = strClaim(claims, "iss")
	s.Iat, _ = numClaim(claims, "iat")
	s.Exp, _ = numClaim(claims, "exp")

	for name, value := range claims {
		if !reservedClaims[name] {
			s.Data[name] = value
		}
	}

	if blob, ok := claims[sealedClaim].(string); ok && blob != "" {
		secret, err := a.sealer.open(blob)
		if err != nil {
			return nil, &message.Error{
				Kind:       message.InvalidToken,
				Text:       "Invalid token: " + err.Error(),
				StatusCode: 403,
			}
		}
		for name, value := range secret {
			if name == "allowedServices" {
				s.AllowedServices = toBoolMap(value)
				continue
			}
			s.Data[name] = value
			s.Visibility[name] = true
		}
	}

	return s, nil
}

func (a *Authority) parse(token string, verify bool) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if !verify {
		_, _, err := jwt.NewParser().ParseUnverified(token, claims)
		if err != nil {
			return nil, err
		}
		return claims, nil
	}

	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ---------------------------------------------------------------------------
// Claim helpers
// ---------------------------------------------------------------------------

func strClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

func numClaim(claims jwt.MapClaims, name string) (int64, bool) {
	switch v := claims[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func mustNum(claims jwt.MapClaims, name string) int64 {
	n, _ := numClaim(claims, name)
	return n
}

func toBoolMap(v interface{}) map[string]bool {
	out := map[string]bool{}
	if m, ok := v.(map[string]interface{}); ok {
		for k, raw := range m {
			if b, ok := raw.(bool); ok {
				out[k] = b
			}
		}
	}
	return out
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
