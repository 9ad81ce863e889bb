package db

import (
	"time"

	"mindgraphix/logx"
	"mindgraphix/models"
)

func sessionKey(id string) string { return sessionsPrefix + id }

// CreateSession stores a login session.
func (s *Store) CreateSession(sess models.Session) (models.Session, error) {
	if err := required("id", sess.ID); err != nil {
		return models.Session{}, err
	}
	if !sess.ExpiresAt.After(sess.IssuedAt) {
		return models.Session{}, invalid("expires_at", "must be after issued_at")
	}
	err := s.Update(func(tx *Tx) error {
		if err := tx.Check(sessionKey(sess.ID), 0); err != nil {
			return err
		}
		return tx.Set(sessionKey(sess.ID), sess)
	})
	return sess, err
}

// GetSession returns a live session. Expired sessions are reported as not found.
func (s *Store) GetSession(id string) (models.Session, error) {
	var sess models.Session
	err := s.View(func(tx *Tx) error {
		var err error
		sess, err = getRecord[models.Session](tx, sessionKey(id))
		if isNotFound(err) {
			return notFound("session", id)
		}
		if err != nil {
			return err
		}
		if sess.Expired(tx.Now()) {
			return notFound("session", id)
		}
		return nil
	})
	return sess, err
}

// RevokeSession deletes one session. Revoking a missing session is not an error.
func (s *Store) RevokeSession(id string) error {
	return s.Remove(sessionKey(id))
}

// RevokeUserSessions deletes every session of userID.
func (s *Store) RevokeUserSessions(userID string) (int, error) {
	var n int
	err := s.Update(func(tx *Tx) error {
		var err error
		n, err = stageRevokeUserSessions(tx, userID)
		return err
	})
	return n, err
}

func stageRevokeUserSessions(tx *Tx, userID string) (int, error) {
	n := 0
	for _, sess := range listRecords[models.Session](tx, sessionsPrefix) {
		if sess.UserID != userID {
			continue
		}
		if err := tx.Delete(sessionKey(sess.ID)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// PruneExpiredSessions deletes sessions that expired before now.
func (s *Store) PruneExpiredSessions(now time.Time) (int, error) {
	n := 0
	err := s.Update(func(tx *Tx) error {
		for _, sess := range listRecords[models.Session](tx, sessionsPrefix) {
			if !sess.Expired(now) {
				continue
			}
			if err := tx.Delete(sessionKey(sess.ID)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logx.Info("Pruned expired sessions", "count", n)
	}
	return n, nil
}
