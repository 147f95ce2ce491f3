// Package message defines the wire envelopes exchanged between transports,
// the dispatch router, the worker pool, and remote hubgate instances, plus
// the error taxonomy shared by all of them.
package message

import "encoding/json"

// Reserved control types, consumed directly by the dispatch router and
// never routed to application handlers.
const (
	TypeRegister     = "register"
	TypeReregister   = "reregister"
	TypeFragment     = "fragment"
	TypeJWTDecode    = "jwt-decode"
	TypeJWTEncode    = "jwt-encode"
	TypeJWTUpdateExp = "jwt-update-expiry"
	TypeJWTIsValid   = "jwt-is-valid"
)

// IsControlType reports whether a message type is one of the reserved
// control types.
func IsControlType(t string) bool {
	switch t {
	case TypeRegister, TypeReregister, TypeFragment,
		TypeJWTDecode, TypeJWTEncode, TypeJWTUpdateExp, TypeJWTIsValid:
		return true
	}
	return false
}

// Envelope is one inbound message. A transport adapter creates it, the
// dispatch router consumes it exactly once, and it is then discarded.
// Only the system-added fields (IPAddress, DBIndex, Resubmitted) are
// written after creation.
type Envelope struct {
	Type        string                 `json:"type" msgpack:"type"`
	Application string                 `json:"application,omitempty" msgpack:"application,omitempty"`
	Service     string                 `json:"service,omitempty" msgpack:"service,omitempty"`
	Token       string                 `json:"token,omitempty" msgpack:"token,omitempty"`
	JWT         bool                   `json:"jwt,omitempty" msgpack:"jwt,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty" msgpack:"params,omitempty"`
	DBIndex     string                 `json:"dbIndex,omitempty" msgpack:"dbIndex,omitempty"`
	SocketID    string                 `json:"socketId,omitempty" msgpack:"socketId,omitempty"`
	IP          string                 `json:"ip,omitempty" msgpack:"ip,omitempty"`
	IPs         []string               `json:"ips,omitempty" msgpack:"ips,omitempty"`
	IPAddress   string                 `json:"ipAddress,omitempty" msgpack:"ipAddress,omitempty"`
	Resubmitted bool                   `json:"resubmitted,omitempty" msgpack:"resubmitted,omitempty"`

	// RequestID correlates a proxied call with its asynchronous reply on a
	// microservice connection. Echoed back verbatim in the response.
	RequestID string `json:"requestId,omitempty" msgpack:"requestId,omitempty"`

	// REST-shape fields, populated by the REST transport adapter only.
	Method  string            `json:"method,omitempty" msgpack:"method,omitempty"`
	Path    string            `json:"path,omitempty" msgpack:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty" msgpack:"body,omitempty"`
}

// ParamString returns a string-valued entry from Params, or "".
func (e *Envelope) ParamString(name string) string {
	if e.Params == nil {
		return ""
	}
	s, _ := e.Params[name].(string)
	return s
}

// ParamBool returns a bool-valued entry from Params, or false.
func (e *Envelope) ParamBool(name string) bool {
	if e.Params == nil {
		return false
	}
	b, _ := e.Params[name].(bool)
	return b
}

// Response is the outbound envelope delivered back to a caller. SocketID
// exists only for front-door-internal addressing and is stripped before
// the response reaches a client.
type Response struct {
	Type         string                 `json:"type" msgpack:"type"`
	Finished     bool                   `json:"finished" msgpack:"finished"`
	Message      map[string]interface{} `json:"message,omitempty" msgpack:"message,omitempty"`
	ResponseTime string                 `json:"responseTime,omitempty" msgpack:"responseTime,omitempty"`
	SocketID     string                 `json:"socketId,omitempty" msgpack:"socketId,omitempty"`
	RequestID    string                 `json:"requestId,omitempty" msgpack:"requestId,omitempty"`
}

// Progress delivers zero or more intermediate payloads before the terminal
// result. The request/response ingress shape disables it.
type Progress func(payload map[string]interface{})

// Result is the single terminal outcome of one dispatched message: either
// a success payload or a structured error, never both.
type Result struct {
	Payload map[string]interface{}
	Error   *Error

	// Application records which application produced the result, so the
	// front door can run response interception before delivery. Stripped
	// before the response reaches a client.
	Application string
}

// OK builds a success result.
func OK(payload map[string]interface{}) *Result {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Result{Payload: payload}
}

// Fail builds an error result.
func Fail(err *Error) *Result {
	return &Result{Error: err}
}

// ToPayload flattens the result into the response message body.
func (r *Result) ToPayload() map[string]interface{} {
	if r.Error != nil {
		return r.Error.ToPayload()
	}
	return r.Payload
}
