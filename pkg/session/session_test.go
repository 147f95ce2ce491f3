package session

import (
	"strings"
	"testing"
	"time"

	"github.com/hubgate/hubgate/pkg/message"
)

func testAuthority() *Authority {
	return NewAuthority("test-secret-please-change", "hubgate.jwt", 300)
}

// TestRegisterValidateRoundTrip verifies a registered session survives
// encode/decode with public fields intact and secret fields still secret
func TestRegisterValidateRoundTrip(t *testing.T) {
	a := testAuthority()

	res := a.Register(&message.Envelope{
		Type:        message.TypeRegister,
		Application: "demo",
		JWT:         true,
		SocketID:    "sock-1",
		IPAddress:   "10.0.0.1",
	})
	if res.Error != nil {
		t.Fatalf("register failed: %v", res.Error)
	}
	token, _ := res.Payload["token"].(string)
	if token == "" {
		t.Fatal("expected a token")
	}

	s, errObj := a.Validate(&message.Envelope{Token: token, JWT: true})
	if errObj != nil {
		t.Fatalf("validate failed: %s", errObj.Text)
	}

	if s.Application != "demo" {
		t.Errorf("expected application demo, got %s", s.Application)
	}
	if s.Authenticated() {
		t.Error("fresh session must not be authenticated")
	}
	for _, field := range []string{"authenticated", "socketId", "ipAddress"} {
		if !s.IsSecret(field) {
			t.Errorf("field %s should be secret", field)
		}
	}
	if v, _ := s.Get("socketId"); v != "sock-1" {
		t.Errorf("expected socketId sock-1, got %v", v)
	}
}

// TestSecretFieldsNotInPlaintext verifies secret values never appear in the
// encoded token outside the sealed claim
func TestSecretFieldsNotInPlaintext(t *testing.T) {
	a := testAuthority()

	s := NewSession("demo", 300)
	s.Set("username", "rob")
	s.Set("apiKey", "super-secret-value")
	s.MakeSecret("apiKey")

	token, err := a.Update(s)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if strings.Contains(token, "super-secret-value") {
		t.Error("secret value leaked into the token in plaintext")
	}

	decoded, errObj := a.decodeSession(token)
	if errObj != nil {
		t.Fatalf("decode: %s", errObj.Text)
	}
	if v, _ := decoded.Get("apiKey"); v != "super-secret-value" {
		t.Errorf("secret field lost: %v", v)
	}
	if !decoded.IsSecret("apiKey") {
		t.Error("apiKey should still be marked secret")
	}
	if decoded.IsSecret("username") {
		t.Error("username should be public")
	}
}

// TestUpdateIsIdempotentInForm verifies refresh always stamps iat=now and
// exp=now+timeout regardless of the previous expiry
func TestUpdateIsIdempotentInForm(t *testing.T) {
	a := testAuthority()

	s := NewSession("demo", 120)
	token1, err := a.Update(s)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}

	now := time.Now().Unix()
	token2, err := a.Update(s)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	for i, token := range []string{token1, token2} {
		claims, errObj := a.Decode(token)
		if errObj != nil {
			t.Fatalf("decode token %d: %s", i, errObj.Text)
		}
		iat, _ := numClaim(claims, "iat")
		exp, _ := numClaim(claims, "exp")
		if exp-iat != 120 {
			t.Errorf("token %d: expected exp-iat=120, got %d", i, exp-iat)
		}
		if iat < now-5 || iat > now+5 {
			t.Errorf("token %d: iat not near now", i)
		}
	}
}

// TestReregisterReplacesSocketID verifies reregister refreshes the token
// with the new connection identity
func TestReregisterReplacesSocketID(t *testing.T) {
	a := testAuthority()

	s := NewSession("demo", 300)
	s.Set("socketId", "old-sock")
	s.MakeSecret("socketId")

	res := a.Reregister(s, &message.Envelope{SocketID: "new-sock"})
	if res.Error != nil {
		t.Fatalf("reregister: %v", res.Error)
	}
	if ok, _ := res.Payload["ok"].(bool); !ok {
		t.Error("expected ok=true")
	}

	token, _ := res.Payload["token"].(string)
	decoded, errObj := a.decodeSession(token)
	if errObj != nil {
		t.Fatalf("decode: %s", errObj.Text)
	}
	if v, _ := decoded.Get("socketId"); v != "new-sock" {
		t.Errorf("expected new-sock, got %v", v)
	}
}

// TestIsValid verifies validity checks including the expired-token message
func TestIsValid(t *testing.T) {
	a := testAuthority()

	s := NewSession("demo", 300)
	good, err := a.Update(s)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if ok, reason := a.IsValid(good, true); !ok {
		t.Errorf("fresh token reported invalid: %s", reason)
	}

	expired, err := a.encode(s, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ok, reason := a.IsValid(expired, true)
	if ok {
		t.Fatal("expired token reported valid")
	}
	if !strings.HasPrefix(reason, "Invalid token:") {
		t.Errorf("unexpected reason: %s", reason)
	}

	// Without verification only parseability matters.
	if ok, _ := a.IsValid(expired, false); !ok {
		t.Error("unverified check should accept an expired token")
	}

	if ok, _ := a.IsValid("not-a-token", false); ok {
		t.Error("garbage token reported valid")
	}
}

// TestUpdateExpiryRewritesApplication verifies the unverified re-stamp path
// used by the microservice proxy
func TestUpdateExpiryRewritesApplication(t *testing.T) {
	a := testAuthority()

	s := NewSession("local-app", 300)
	token, _ := a.Update(s)

	rewritten := a.UpdateExpiry(token, "remote-app")
	if rewritten == "" {
		t.Fatal("expected a rewritten token")
	}

	if app := a.GetProperty("application", rewritten); app != "remote-app" {
		t.Errorf("expected remote-app, got %v", app)
	}

	if a.UpdateExpiry("garbage", "x") != "" {
		t.Error("undecodable token should yield empty string")
	}
}

// TestDisabledAuthority verifies signed-token operations fail with a
// disconnect hint when no secret is configured
func TestDisabledAuthority(t *testing.T) {
	a := NewAuthority("", "hubgate.jwt", 300)

	res := a.Register(&message.Envelope{Application: "demo", JWT: true})
	if res.Error == nil {
		t.Fatal("expected an error")
	}
	if !res.Error.Disconnect {
		t.Error("expected disconnect hint")
	}
	if res.Error.Kind != message.SessionNotAuthenticated {
		t.Errorf("unexpected kind: %s", res.Error.Kind)
	}
}
