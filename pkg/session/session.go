// Package session implements the session and token authority: it issues,
// validates, and refreshes signed session tokens with field-level secrecy,
// and manages opaque store-backed sessions for callers that do not use
// signed tokens.
package session

// Session is the authenticated identity and state associated with one
// logical client. It exists in two forms: store-backed (opaque token,
// ID/Expiry set) and self-contained (signed token payload, Iat/Exp set).
type Session struct {
	ID          string
	Token       string
	Application string
	Timeout     int // seconds

	Iat int64
	Exp int64
	Iss string

	// Expiry is the wall-clock expiry of a store-backed session.
	Expiry int64

	// Data holds all session fields, public and secret alike. Visibility
	// determines which of them are sealed into the encrypted token claim.
	Data map[string]interface{}

	// Visibility marks fields as secret (true) or public (false). Fields
	// absent from the map are public. The map itself never leaves the
	// process: it is rebuilt from the sealed claim on every decode.
	Visibility map[string]bool

	// AllowedServices overrides the application-level service permission
	// table for this session. Presence of a key is significant: an entry
	// can both grant a normally-denied service and deny a normally-allowed
	// one.
	AllowedServices map[string]bool
}

// NewSession creates an empty session shell.
func NewSession(application string, timeout int) *Session {
	return &Session{
		Application:     application,
		Timeout:         timeout,
		Data:            map[string]interface{}{},
		Visibility:      map[string]bool{},
		AllowedServices: map[string]bool{},
	}
}

// Set stores a field value, keeping its current visibility (new fields
// default to public).
func (s *Session) Set(name string, value interface{}) {
	if s.Data == nil {
		s.Data = map[string]interface{}{}
	}
	s.Data[name] = value
}

// Get returns a field value.
func (s *Session) Get(name string) (interface{}, bool) {
	v, ok := s.Data[name]
	return v, ok
}

// MakeSecret marks a field so it is only ever carried inside the encrypted
// token claim.
func (s *Session) MakeSecret(name string) {
	if s.Visibility == nil {
		s.Visibility = map[string]bool{}
	}
	s.Visibility[name] = true
}

// MakePublic clears the secret mark on a field.
func (s *Session) MakePublic(name string) {
	if s.Visibility == nil {
		return
	}
	s.Visibility[name] = false
}

// IsSecret reports whether a field is carried encrypted.
func (s *Session) IsSecret(name string) bool {
	return s.Visibility[name]
}

// Authenticated reports the session's authenticated flag.
func (s *Session) Authenticated() bool {
	b, _ := s.Data["authenticated"].(bool)
	return b
}

// ServiceOverride reports the session-level permission for a service and
// whether one is defined at all.
func (s *Session) ServiceOverride(service string) (allowed, defined bool) {
	if s.AllowedServices == nil {
		return false, false
	}
	allowed, defined = s.AllowedServices[service]
	return allowed, defined
}
