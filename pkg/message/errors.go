package message

import "fmt"

// ErrorKind identifies one entry in the dispatch error taxonomy. Each kind
// carries a default message; applications may override text and status code
// per kind through an Overrides table.
type ErrorKind string

const (
	ModuleLoadError          ErrorKind = "moduleLoadError"
	NoDocumentStore          ErrorKind = "noDocumentStore"
	NoTypeHandler            ErrorKind = "noTypeHandler"
	SessionNotAuthenticated  ErrorKind = "sessionNotAuthenticated"
	NoServiceModuleType      ErrorKind = "noServiceModuleType"
	ServiceNotAllowed        ErrorKind = "serviceNotAllowed"
	ServiceNotAllowedForUser ErrorKind = "serviceNotAllowedForUser"
	InvalidToken             ErrorKind = "invalidToken"
	MicroserviceUnavailable  ErrorKind = "microserviceUnavailable"
	FragmentNotFound         ErrorKind = "fragmentNotFound"
	NoSuchDestination        ErrorKind = "noSuchDestination"
	SessionLockTimeout       ErrorKind = "sessionLockTimeout"
)

// Error is a structured dispatch error. Disconnect instructs the transport
// layer to drop the connection after delivery (authentication failures).
type Error struct {
	Kind       ErrorKind
	Text       string
	StatusCode int
	Disconnect bool

	// Service and File annotate service-permission and fragment errors.
	Service string
	File    string
}

func (e *Error) Error() string { return e.Text }

// ToPayload renders the error as a response message body.
func (e *Error) ToPayload() map[string]interface{} {
	p := map[string]interface{}{"error": e.Text}
	if e.StatusCode != 0 {
		p["status"] = map[string]interface{}{"code": e.StatusCode}
	}
	if e.Disconnect {
		p["disconnect"] = true
	}
	if e.Service != "" {
		p["service"] = e.Service
	}
	if e.File != "" {
		p["file"] = e.File
	}
	return p
}

// Override replaces the default text, and optionally the status code, for
// one error kind.
type Override struct {
	Text       string `yaml:"text" json:"text"`
	StatusCode int    `yaml:"statusCode,omitempty" json:"statusCode,omitempty"`
}

// Overrides is the per-application error customisation table.
type Overrides map[ErrorKind]Override

// Apply returns err with any matching override applied. A nil table or a
// missing entry leaves the error unchanged.
func (o Overrides) Apply(err *Error) *Error {
	if o == nil {
		return err
	}
	ov, ok := o[err.Kind]
	if !ok {
		return err
	}
	out := *err
	out.Text = ov.Text
	if ov.StatusCode != 0 {
		out.StatusCode = ov.StatusCode
	}
	return &out
}

// Errf builds an Error of the given kind with a formatted default text.
func Errf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Text: fmt.Sprintf(format, args...)}
}
