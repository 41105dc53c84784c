package wechat

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// State is the payload carried through the WeChat redirect.
type State struct {
	ReturnTo string `json:"returnTo"`
	TS       int64  `json:"ts"`
}

func (s State) IssuedAt() time.Time {
	return time.UnixMilli(s.TS)
}

// Expired reports whether the state is older than maxAge at now.
func (s State) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.IssuedAt()) > maxAge
}

// EncodeState serializes returnTo and the issue time as unpadded base64url JSON.
func EncodeState(returnTo string, now time.Time) string {
	payload, _ := json.Marshal(State{ReturnTo: returnTo, TS: now.UnixMilli()})
	return base64.RawURLEncoding.EncodeToString(payload)
}

// DecodeState parses a token from EncodeState. Standard and padded base64
// are accepted too. ok is false for anything that is not a state payload.
func DecodeState(token string) (State, bool) {
	if token == "" {
		return State{}, false
	}

	normalized := strings.NewReplacer("+", "-", "/", "_").Replace(strings.TrimRight(token, "="))
	payload, err := base64.RawURLEncoding.DecodeString(normalized)
	if err != nil {
		return State{}, false
	}

	var raw struct {
		ReturnTo *string `json:"returnTo"`
		TS       *int64  `json:"ts"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil || raw.TS == nil {
		return State{}, false
	}

	s := State{TS: *raw.TS}
	if raw.ReturnTo != nil {
		s.ReturnTo = *raw.ReturnTo
	}
	return s, true
}
