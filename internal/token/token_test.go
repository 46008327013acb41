package token

import (
	"strings"
	"testing"
	"time"
)

func newTestCodec(now time.Time) *Codec {
	c := NewCodec("test-secret")
	c.now = func() time.Time { return now }
	return c
}

func TestIssueVerify_Roundtrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := newTestCodec(now)

	tests := []struct {
		name   string
		action Action
		refID  int64
		userID int64
		ttl    time.Duration
	}{
		{"reply button", ActionReply, 42, 12345, 30 * 24 * time.Hour},
		{"block button", ActionBlock, 1, 999, time.Hour},
		{"settings toggle, zero ref", ActionToggleAccept, 0, 77, 2 * time.Hour},
		{"admin block", ActionAdminBlock, 100000, 5551234, 7 * 24 * time.Hour},
		{"join check", ActionJoinCheck, 0, 1, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := c.Issue(tt.action, tt.refID, tt.userID, tt.ttl)
			decoded, ok := c.Verify(raw)
			if !ok {
				t.Fatalf("Verify(%q) failed", raw)
			}
			if decoded.Action != tt.action {
				t.Errorf("action = %q, want %q", decoded.Action, tt.action)
			}
			if decoded.ReferenceID != tt.refID {
				t.Errorf("referenceID = %d, want %d", decoded.ReferenceID, tt.refID)
			}
			if decoded.UserID != tt.userID {
				t.Errorf("userID = %d, want %d", decoded.UserID, tt.userID)
			}
			wantExp := now.Add(tt.ttl).Unix()
			if decoded.ExpiresAt.Unix() != wantExp {
				t.Errorf("expiresAt = %d, want %d", decoded.ExpiresAt.Unix(), wantExp)
			}
		})
	}
}

func TestIssue_ClampsTTLToMinimum(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := newTestCodec(now)

	raw := c.Issue(ActionReply, 1, 2, 5*time.Second)
	decoded, ok := c.Verify(raw)
	if !ok {
		t.Fatal("verify failed")
	}
	if got, want := decoded.ExpiresAt.Unix(), now.Add(60*time.Second).Unix(); got != want {
		t.Errorf("expiresAt = %d, want clamped %d", got, want)
	}
}

func TestVerify_Expiry(t *testing.T) {
	issued := time.Unix(1700000000, 0)
	c := newTestCodec(issued)
	raw := c.Issue(ActionReply, 1, 2, 60*time.Second)

	c.now = func() time.Time { return issued.Add(59 * time.Second) }
	if _, ok := c.Verify(raw); !ok {
		t.Error("token should still verify before expiry")
	}

	c.now = func() time.Time { return issued.Add(61 * time.Second) }
	if _, ok := c.Verify(raw); ok {
		t.Error("token should fail verification after expiry")
	}
}

func TestVerify_TamperedSignature(t *testing.T) {
	c := newTestCodec(time.Unix(1700000000, 0))
	raw := c.Issue(ActionReply, 42, 12345, time.Hour)

	// Flip every signature byte to another valid hex char, one at a time.
	dot := strings.LastIndex(raw, ".")
	sig := raw[dot+1:]
	for i := 0; i < len(sig); i++ {
		altered := []byte(sig)
		if altered[i] == 'a' {
			altered[i] = 'b'
		} else {
			altered[i] = 'a'
		}
		tampered := raw[:dot+1] + string(altered)
		if _, ok := c.Verify(tampered); ok {
			t.Errorf("tampered signature at byte %d verified", i)
		}
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c1 := newTestCodec(now)
	c2 := NewCodec("another-secret")
	c2.now = func() time.Time { return now }

	raw := c1.Issue(ActionBlock, 7, 8, time.Hour)
	if _, ok := c2.Verify(raw); ok {
		t.Error("token signed with a different secret verified")
	}
}

func TestVerify_Malformed(t *testing.T) {
	c := newTestCodec(time.Unix(1700000000, 0))
	valid := c.Issue(ActionReply, 42, 12345, time.Hour)
	parts := strings.Split(valid, ".")

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"too few fields", "r.1.2.3"},
		{"too many fields", valid + ".extra"},
		{"uppercase action", "R." + strings.Join(parts[1:], ".")},
		{"numeric action", "42." + strings.Join(parts[1:], ".")},
		{"four letter action", "abcd." + strings.Join(parts[1:], ".")},
		{"non-numeric ref", parts[0] + ".x." + strings.Join(parts[2:], ".")},
		{"negative ref", parts[0] + ".-1." + strings.Join(parts[2:], ".")},
		{"non-numeric user", parts[0] + "." + parts[1] + ".x." + strings.Join(parts[3:], ".")},
		{"zero user", parts[0] + "." + parts[1] + ".0." + strings.Join(parts[3:], ".")},
		{"non-numeric expiry", strings.Join(parts[:3], ".") + ".soon." + parts[4]},
		{"short signature", strings.Join(parts[:4], ".") + ".abc"},
		{"uppercase signature", strings.Join(parts[:4], ".") + "." + strings.ToUpper(parts[4])},
		{"non-hex signature", strings.Join(parts[:4], ".") + ".zzzzzzzzzzzzzzzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := c.Verify(tt.raw); ok {
				t.Errorf("Verify(%q) accepted malformed token", tt.raw)
			}
		})
	}
}
