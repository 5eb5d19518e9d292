// Package session gates authenticated routes: opaque, domain-scoped
// session identifiers backed by a persistent store and fronted by a
// small LRU cache.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Session is one authenticated browser session.
//
// Invariant: LastActivity <= ExpiresAt. A read that finds
// now >= ExpiresAt deletes the record and reports no session; a
// successful read slides ExpiresAt forward by the store's configured
// timeout.
type Session struct {
	ID           string    `json:"id"`
	Domain       string    `json:"domain"`
	UserID       string    `json:"userId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	ClientIP     string    `json:"clientIp"`
	UserAgent    string    `json:"userAgent"`
}

func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) marshal() ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalSession(b []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	return &s, nil
}

// newSessionID returns a base64url-encoded identifier with 256 bits of
// crypto/rand entropy.
func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// userIndexKey builds the secondary-index key used by the by-user
// bucket, scoped by domain so a user id from one domain can't be used to
// list or invalidate sessions on another.
func userIndexKey(domain, userID, sessionID string) []byte {
	return []byte(domain + "\x00" + userID + "\x00" + sessionID)
}
