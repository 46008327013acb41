// Package token signs and verifies the compact action tokens embedded in
// inline keyboard buttons. A token is self-contained: it survives process
// restarts and needs no server-side session, but can only be minted by a
// holder of the signing secret.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action is a closed set of button actions. The short string is purely the
// wire encoding; callers switch on the constants, never on raw strings.
type Action string

const (
	ActionReply        Action = "r"  // open a reply prompt for a received message
	ActionBlock        Action = "b"  // block the sender of a received message
	ActionReport       Action = "p"  // report a received message
	ActionAdminBlock   Action = "ab" // admin: block sender from a report
	ActionToggleAccept Action = "sa" // settings: toggle accept_messages
	ActionToggleMedia  Action = "sm" // settings: toggle allow_media
	ActionBannedWords  Action = "sw" // settings: start banned-words input
	ActionJoinCheck    Action = "jc" // re-check channel membership
)

const (
	// minTTL is the floor applied to every issued token.
	minTTL = 60 * time.Second

	// signatureLen is the hex length of the truncated HMAC.
	signatureLen = 16
)

// Token is the decoded form of a verified callback token.
type Token struct {
	Action      Action
	ReferenceID int64
	UserID      int64 // identity the button is bound to; only this user may use it
	ExpiresAt   time.Time
}

// Codec issues and verifies signed tokens with a shared secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec creates a codec. The secret must be non-empty; enforcing that is
// the caller's startup concern (config refuses to load without it).
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret), now: time.Now}
}

// Issue encodes action/referenceID/userID with an absolute expiry into
// "action.ref.user.exp.sig". The ttl is clamped to a minimum of 60 seconds.
func (c *Codec) Issue(action Action, referenceID, userID int64, ttl time.Duration) string {
	if ttl < minTTL {
		ttl = minTTL
	}
	expiresAt := c.now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d|%d|%d", action, referenceID, userID, expiresAt)
	return fmt.Sprintf("%s.%d.%d.%d.%s", action, referenceID, userID, expiresAt, c.sign(payload))
}

// Verify decodes and checks a token. It returns (nil, false) for anything
// malformed, expired, or mis-signed; it never returns an error because a
// token is attacker-controlled input and every failure means the same thing.
func (c *Codec) Verify(raw string) (*Token, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 5 {
		return nil, false
	}

	action, refRaw, userRaw, expRaw, signature := parts[0], parts[1], parts[2], parts[3], parts[4]
	if !isValidAction(action) {
		return nil, false
	}
	if !isDigits(refRaw) || !isDigits(userRaw) || !isDigits(expRaw) {
		return nil, false
	}
	if len(signature) != signatureLen || !isLowerHex(signature) {
		return nil, false
	}

	referenceID, err := strconv.ParseInt(refRaw, 10, 64)
	if err != nil {
		return nil, false
	}
	userID, err := strconv.ParseInt(userRaw, 10, 64)
	if err != nil {
		return nil, false
	}
	expiresAt, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return nil, false
	}
	if referenceID < 0 || userID <= 0 || expiresAt < c.now().Unix() {
		return nil, false
	}

	payload := fmt.Sprintf("%s|%d|%d|%d", action, referenceID, userID, expiresAt)
	expected := c.sign(payload)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return nil, false
	}

	return &Token{
		Action:      Action(action),
		ReferenceID: referenceID,
		UserID:      userID,
		ExpiresAt:   time.Unix(expiresAt, 0),
	}, true
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))[:signatureLen]
}

// isValidAction accepts 1-3 lowercase ASCII letters. Unknown-but-well-formed
// actions verify fine; the dispatcher answers them with a generic rejection.
func isValidAction(s string) bool {
	if len(s) < 1 || len(s) > 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
