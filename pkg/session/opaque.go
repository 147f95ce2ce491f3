package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/store"
)

// record is the persisted form of an opaque session.
type record struct {
	ID              string                 `msgpack:"id"`
	Token           string                 `msgpack:"token"`
	Application     string                 `msgpack:"application"`
	Timeout         int                    `msgpack:"timeout"`
	Expiry          int64                  `msgpack:"expiry"`
	Data            map[string]interface{} `msgpack:"data,omitempty"`
	AllowedServices map[string]bool        `msgpack:"allowedServices,omitempty"`
}

// OpaqueSessions manages store-backed sessions addressed by an opaque
// token. Expired sessions are rejected on authentication; their removal
// is left to the expiry garbage collection outside this subsystem.
type OpaqueSessions struct {
	store    store.Store
	document string
	timeout  int
}

// NewOpaqueSessions builds the opaque session manager on a document store.
func NewOpaqueSessions(st store.Store, document string, timeout int) *OpaqueSessions {
	if timeout <= 0 {
		timeout = 300
	}
	return &OpaqueSessions{store: st, document: document, timeout: timeout}
}

func (o *OpaqueSessions) sessionLoc(id string) store.Locator {
	return store.Loc(o.document, "session", id)
}

func (o *OpaqueSessions) tokenLoc(token string) store.Locator {
	return store.Loc(o.document, "sessionsByToken", token)
}

// Create makes a new session for an application and persists it.
func (o *OpaqueSessions) Create(application string, msg *message.Envelope) (*Session, error) {
	rec := record{
		ID:          uuid.NewString(),
		Token:       uuid.NewString(),
		Application: application,
		Timeout:     o.timeout,
		Expiry:      time.Now().Unix() + int64(o.timeout),
		Data:        map[string]interface{}{},
	}
	if msg != nil {
		if msg.SocketID != "" {
			rec.Data["socketId"] = msg.SocketID
		}
		if msg.IPAddress != "" {
			rec.Data["ipAddress"] = msg.IPAddress
		}
	}

	if err := o.save(&rec); err != nil {
		return nil, err
	}
	if err := o.store.Set(o.tokenLoc(rec.Token), []byte(rec.ID)); err != nil {
		return nil, fmt.Errorf("index session token: %w", err)
	}
	return rec.toSession(), nil
}

// Authenticate resolves an opaque token to its live session.
func (o *OpaqueSessions) Authenticate(token string) (*Session, *message.Error) {
	invalid := &message.Error{Kind: message.SessionNotAuthenticated, Text: "Session does not exist or has expired"}
	if token == "" {
		return nil, invalid
	}

	idBytes, ok, err := o.store.Get(o.tokenLoc(token))
	if err != nil || !ok {
		return nil, invalid
	}

	rec, err := o.load(string(idBytes))
	if err != nil {
		return nil, invalid
	}
	if rec.Expiry < time.Now().Unix() {
		return nil, invalid
	}
	return rec.toSession(), nil
}

// UpdateExpiry pushes the session expiry forward from the current time.
func (o *OpaqueSessions) UpdateExpiry(s *Session) error {
	rec, err := o.load(s.ID)
	if err != nil {
		return err
	}
	rec.Expiry = time.Now().Unix() + int64(rec.Timeout)
	s.Expiry = rec.Expiry
	return o.save(rec)
}

// Save persists session mutations made by a handler (socket id updates,
// data fields, service overrides).
func (o *OpaqueSessions) Save(s *Session) error {
	rec := record{
		ID:              s.ID,
		Token:           s.Token,
		Application:     s.Application,
		Timeout:         s.Timeout,
		Expiry:          s.Expiry,
		Data:            s.Data,
		AllowedServices: s.AllowedServices,
	}
	return o.save(&rec)
}

func (o *OpaqueSessions) save(rec *record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	return o.store.Set(o.sessionLoc(rec.ID), data)
}

func (o *OpaqueSessions) load(id string) (*record, error) {
	data, ok, err := o.store.Get(o.sessionLoc(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}

func (r *record) toSession() *Session {
	s := NewSession(r.Application, r.Timeout)
	s.ID = r.ID
	s.Token = r.Token
	s.Expiry = r.Expiry
	if r.Data != nil {
		s.Data = r.Data
	}
	if r.AllowedServices != nil {
		s.AllowedServices = r.AllowedServices
	}
	return s
}
