package session

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions = []byte("sessions")
	bucketByUser   = []byte("sessions_by_user")
)

// Store is the persisted session backing store, an embedded key-value
// database. It is safe for concurrent use; bbolt serializes writers
// internally.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
}

// OpenStore opens (creating if necessary) a bbolt-backed session store at
// path. ttl is the sliding session timeout applied on every successful
// read and at creation.
func OpenStore(path string, ttl time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening session store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketByUser)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session store buckets: %w", err)
	}

	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create issues a new session for (domain, userID) and persists it.
func (s *Store) Create(domain, userID, clientIP, userAgent string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:           id,
		Domain:       domain,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
		ClientIP:     clientIP,
		UserAgent:    userAgent,
	}

	if err := s.put(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get looks up id. If the session has expired it is deleted and (nil,
// false) is returned; otherwise its activity window slides forward and
// the updated record is persisted before being returned.
func (s *Store) Get(id string) (*Session, bool) {
	var sess *Session

	err := s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(id))
		if raw == nil {
			return nil
		}

		decoded, err := unmarshalSession(raw)
		if err != nil {
			return err
		}

		now := time.Now()
		if decoded.expired(now) {
			return deleteLocked(tx, decoded)
		}

		decoded.LastActivity = now
		decoded.ExpiresAt = now.Add(s.ttl)
		encoded, err := decoded.marshal()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSessions).Put([]byte(decoded.ID), encoded); err != nil {
			return err
		}
		sess = decoded
		return nil
	})
	if err != nil || sess == nil {
		return nil, false
	}
	return sess, true
}

// Delete removes a session by id, tolerating a nonexistent id.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(id))
		if raw == nil {
			return nil
		}
		sess, err := unmarshalSession(raw)
		if err != nil {
			return err
		}
		return deleteLocked(tx, sess)
	})
}

// DeleteAllForUser invalidates every session belonging to (domain,
// userID), e.g. on password change or explicit logout-everywhere.
func (s *Store) DeleteAllForUser(domain, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prefix := []byte(domain + "\x00" + userID + "\x00")
		c := tx.Bucket(bucketByUser).Cursor()
		var ids [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, append([]byte(nil), k...))
		}
		for _, k := range ids {
			id := k[len(prefix):]
			if err := tx.Bucket(bucketSessions).Delete(id); err != nil {
				return err
			}
			if err := tx.Bucket(bucketByUser).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) put(sess *Session) error {
	encoded, err := sess.marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Put([]byte(sess.ID), encoded); err != nil {
			return err
		}
		return tx.Bucket(bucketByUser).Put(userIndexKey(sess.Domain, sess.UserID, sess.ID), nil)
	})
}

func deleteLocked(tx *bolt.Tx, sess *Session) error {
	if err := tx.Bucket(bucketSessions).Delete([]byte(sess.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketByUser).Delete(userIndexKey(sess.Domain, sess.UserID, sess.ID))
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
