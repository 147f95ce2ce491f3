package session

import (
	"testing"

	"github.com/hubgate/hubgate/pkg/message"
)

// TestBearerToken verifies header extraction in both modes
func TestBearerToken(t *testing.T) {
	tests := []struct {
		name         string
		header       string
		expectBearer bool
		want         string
	}{
		{name: "bearer form", header: "Bearer abc123", expectBearer: true, want: "abc123"},
		{name: "bearer form with padding", header: "Bearer  abc123", expectBearer: true, want: "abc123"},
		{name: "missing prefix rejected", header: "abc123", expectBearer: true, want: ""},
		{name: "raw mode passes through", header: "abc123", expectBearer: false, want: "abc123"},
		{name: "no header", header: "", expectBearer: true, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &message.Envelope{Headers: map[string]string{}}
			if tt.header != "" {
				msg.Headers["authorization"] = tt.header
			}
			got := BearerToken(msg, tt.expectBearer)
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// TestValidateRestRequest verifies the REST authentication continuation
func TestValidateRestRequest(t *testing.T) {
	a := testAuthority()

	s := NewSession("demo", 300)
	s.Set("authenticated", true)
	s.MakeSecret("authenticated")
	authedToken, err := a.Update(s)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	fresh := NewSession("demo", 300)
	freshToken, _ := a.Update(fresh)

	t.Run("missing header", func(t *testing.T) {
		var failed *message.Error
		got := a.ValidateRestRequest(&message.Envelope{}, func(e *message.Error) { failed = e }, true, true)
		if got != nil {
			t.Fatal("expected nil session")
		}
		if failed == nil || failed.Text != "Authorization header missing or token not found in header (expected format: Bearer {{token}})" {
			t.Errorf("unexpected error: %+v", failed)
		}
	})

	t.Run("authenticated session accepted", func(t *testing.T) {
		msg := &message.Envelope{Headers: map[string]string{"authorization": "Bearer " + authedToken}}
		got := a.ValidateRestRequest(msg, func(*message.Error) { t.Fatal("unexpected failure") }, true, true)
		if got == nil {
			t.Fatal("expected a session")
		}
		if msg.Token != authedToken {
			t.Error("token not attached to the message")
		}
	})

	t.Run("unauthenticated session rejected", func(t *testing.T) {
		var failed *message.Error
		msg := &message.Envelope{Headers: map[string]string{"authorization": "Bearer " + freshToken}}
		got := a.ValidateRestRequest(msg, func(e *message.Error) { failed = e }, true, true)
		if got != nil {
			t.Fatal("expected nil session")
		}
		if failed == nil || failed.Text != "User is not authenticated" {
			t.Errorf("unexpected error: %+v", failed)
		}
	})

	t.Run("login endpoint skips authenticated check", func(t *testing.T) {
		msg := &message.Envelope{Headers: map[string]string{"authorization": "Bearer " + freshToken}}
		got := a.ValidateRestRequest(msg, func(*message.Error) { t.Fatal("unexpected failure") }, true, false)
		if got == nil {
			t.Fatal("expected a session")
		}
	})
}
