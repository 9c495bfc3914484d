// Package token implements the signed capability tickets exchanged between
// the coordinator, agents, and clients.
//
// A token is `base64url(body) + "." + base64url(signature)` where body is
// canonical JSON (sorted keys, no whitespace) and the signature is
// HMAC-SHA256 over the raw body bytes. Every token carries an integer `exp`
// unix timestamp and a `kind` discriminator.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Token kinds.
const (
	KindClientAccess   = "client_access"
	KindEventsWS       = "events_ws"
	KindReadTicket     = "read_ticket"
	KindTransferUpload = "transfer_upload_ticket"
	KindInternalAgent  = "internal_agent"
)

// Error is returned for any token that fails decoding or verification.
// All decode failures share this type so callers map them to a single
// unauthorized response without leaking which check failed.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// ErrScope marks verification failures where the token itself is valid but
// bound to a different resource or missing a permission. Callers map it to
// a forbidden response instead of unauthorized.
var ErrScope = errors.New("ticket scope rejected")

// Claims is a decoded token body.
type Claims map[string]any

// String returns the named claim as a string, or "" when absent.
func (c Claims) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// Strings returns the named claim as a string slice, dropping non-string
// members.
func (c Claims) Strings(key string) []string {
	raw, ok := c[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Kind returns the token kind discriminator.
func (c Claims) Kind() string {
	return c.String("kind")
}

func b64encode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func b64decode(text string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(text, "="))
}

// Sign issues a token over payload with the given lifetime. The payload is
// not mutated; `exp` is always set from the clock, with a floor of one
// second.
func Sign(secret string, payload Claims, expiresIn time.Duration) (string, error) {
	if expiresIn < time.Second {
		expiresIn = time.Second
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["exp"] = time.Now().Add(expiresIn).Unix()

	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return b64encode(raw) + "." + b64encode(mac.Sum(nil)), nil
}

// Decode verifies the signature and expiry of a token and returns its
// claims. All failures return *Error.
func Decode(secret, tok string) (Claims, error) {
	bodyPart, sigPart, ok := strings.Cut(tok, ".")
	if !ok {
		return nil, &Error{Reason: "malformed token"}
	}
	body, err := b64decode(bodyPart)
	if err != nil {
		return nil, &Error{Reason: "malformed token"}
	}
	sig, err := b64decode(sigPart)
	if err != nil {
		return nil, &Error{Reason: "malformed token"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, &Error{Reason: "invalid token signature"}
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var claims Claims
	if err := dec.Decode(&claims); err != nil {
		return nil, &Error{Reason: "invalid token body"}
	}

	exp, ok := claims["exp"].(json.Number)
	if !ok {
		return nil, &Error{Reason: "invalid token expiry"}
	}
	expUnix, err := exp.Int64()
	if err != nil {
		return nil, &Error{Reason: "invalid token expiry"}
	}
	if expUnix < time.Now().Unix() {
		return nil, &Error{Reason: "token expired"}
	}
	return claims, nil
}

// VerifyReadTicket decodes a ticket presented against a share and checks its
// binding. Internal agent tickets bypass the permission check; read tickets
// must carry requiredPermission.
func VerifyReadTicket(secret, ticket, shareID, requiredPermission string) (Claims, error) {
	claims, err := Decode(secret, ticket)
	if err != nil {
		return nil, err
	}
	kind := claims.Kind()
	if kind != KindReadTicket && kind != KindInternalAgent {
		return nil, &Error{Reason: "invalid read ticket"}
	}
	if claims.String("share_id") != shareID {
		return nil, errors.Join(errors.New("ticket share mismatch"), ErrScope)
	}
	if kind == KindReadTicket {
		for _, p := range claims.Strings("permissions") {
			if p == requiredPermission {
				return claims, nil
			}
		}
		return nil, errors.Join(errors.New("permission denied"), ErrScope)
	}
	return claims, nil
}

// VerifyTransferTicket decodes an upload ticket and checks it is bound to
// the transfer and receiving share.
func VerifyTransferTicket(secret, ticket, transferID, shareID string) (Claims, error) {
	claims, err := Decode(secret, ticket)
	if err != nil {
		return nil, err
	}
	if claims.Kind() != KindTransferUpload {
		return nil, &Error{Reason: "invalid transfer ticket"}
	}
	if claims.String("transfer_id") != transferID {
		return nil, errors.Join(errors.New("transfer ticket mismatch"), ErrScope)
	}
	if claims.String("receiver_share_id") != shareID {
		return nil, errors.Join(errors.New("share mismatch"), ErrScope)
	}
	return claims, nil
}
