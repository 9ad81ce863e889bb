package db

import (
	"sort"
	"strings"

	"mindgraphix/models"
)

// AdminRecipient addresses the shared admin notification partition.
const AdminRecipient = "admin"

func notificationPartition(recipient string) string {
	if recipient == AdminRecipient {
		return adminNotificationsPrefix
	}
	return notificationsPrefix + normalizeEmail(recipient) + "/"
}

func stageNotification(tx *Tx, recipient, kind, title, message string) (models.Notification, error) {
	if recipient != AdminRecipient {
		recipient = normalizeEmail(recipient)
	}
	n := models.Notification{
		ID:        newID(),
		Recipient: recipient,
		Type:      kind,
		Title:     title,
		Message:   message,
		Timestamp: tx.Now(),
		Revision:  tx.Revision(),
	}
	return n, tx.Set(notificationPartition(recipient)+n.ID, n)
}

// Notify delivers a notification to recipient, a user email or AdminRecipient.
func (s *Store) Notify(recipient, kind, title, message string) (models.Notification, error) {
	if err := required("recipient", recipient); err != nil {
		return models.Notification{}, err
	}
	if err := required("title", title); err != nil {
		return models.Notification{}, err
	}
	if kind == "" {
		kind = "info"
	}
	var n models.Notification
	err := s.Update(func(tx *Tx) error {
		var err error
		n, err = stageNotification(tx, recipient, kind, title, message)
		return err
	})
	return n, err
}

// ListNotifications returns recipient's notifications, newest first.
func (s *Store) ListNotifications(recipient string, unreadOnly bool) []models.Notification {
	var all []models.Notification
	_ = s.View(func(tx *Tx) error {
		all = listRecords[models.Notification](tx, notificationPartition(recipient))
		return nil
	})
	out := make([]models.Notification, 0, len(all))
	for _, n := range all {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// UnreadCount returns how many of recipient's notifications are unread.
func (s *Store) UnreadCount(recipient string) int {
	return len(s.ListNotifications(recipient, true))
}

// MarkNotificationRead flags one notification as read.
func (s *Store) MarkNotificationRead(recipient, id string) (models.Notification, error) {
	var out models.Notification
	err := s.Update(func(tx *Tx) error {
		key := notificationPartition(recipient) + id
		n, err := getRecord[models.Notification](tx, key)
		if isNotFound(err) {
			return notFound("notification", id)
		}
		if err != nil {
			return err
		}
		if n.Read {
			out = n
			return nil
		}
		n.Read = true
		n.Revision = tx.Revision()
		out = n
		return tx.Set(key, n)
	})
	return out, err
}

// MarkAllNotificationsRead flags every unread notification and returns the count.
func (s *Store) MarkAllNotificationsRead(recipient string) (int, error) {
	marked := 0
	err := s.Update(func(tx *Tx) error {
		prefix := notificationPartition(recipient)
		for _, n := range listRecords[models.Notification](tx, prefix) {
			if n.Read {
				continue
			}
			n.Read = true
			n.Revision = tx.Revision()
			if err := tx.Set(prefix+n.ID, n); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	return marked, err
}

// DeleteNotification removes one notification. Missing ids are ignored.
func (s *Store) DeleteNotification(recipient, id string) error {
	return s.Remove(notificationPartition(recipient) + id)
}

// moveNotifications re-homes a partition after an email change.
func moveNotifications(tx *Tx, oldEmail, newEmail string) error {
	from, to := notificationPartition(oldEmail), notificationPartition(newEmail)
	for _, e := range tx.List(from) {
		var n models.Notification
		if err := tx.Get(e.Key, &n); err != nil {
			continue
		}
		n.Recipient = normalizeEmail(newEmail)
		n.Revision = tx.Revision()
		if err := tx.Set(to+strings.TrimPrefix(e.Key, from), n); err != nil {
			return err
		}
		if err := tx.Delete(e.Key); err != nil {
			return err
		}
	}
	return nil
}
