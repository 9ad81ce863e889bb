package db

import (
	"strings"

	"mindgraphix/models"
)

func chatKey(id string) string { return chatsPrefix + id }

// OpenChatSession starts a conversation for a client. An optional first
// message is stored with it.
func (s *Store) OpenChatSession(clientID, clientName, firstMessage string) (models.ChatSession, error) {
	if err := required("client_id", clientID); err != nil {
		return models.ChatSession{}, err
	}
	var out models.ChatSession
	err := s.Update(func(tx *Tx) error {
		now := tx.Now()
		chat := models.ChatSession{
			ID:           newID(),
			ClientID:     clientID,
			ClientName:   clientName,
			Messages:     []models.ChatMessage{},
			Status:       models.ChatActive,
			CreatedAt:    now,
			LastActivity: now,
			Revision:     tx.Revision(),
		}
		if text := strings.TrimSpace(firstMessage); text != "" {
			chat.Messages = append(chat.Messages, models.ChatMessage{
				ID:         newID(),
				SenderID:   clientID,
				SenderName: clientName,
				SenderRole: models.RoleUser,
				Text:       text,
				Timestamp:  now,
			})
		}
		out = chat
		if err := tx.Set(chatKey(chat.ID), chat); err != nil {
			return err
		}
		_, err := stageNotification(tx, AdminRecipient, "chat", "New chat session", clientName)
		return err
	})
	return out, err
}

// GetChatSession returns the session with id.
func (s *Store) GetChatSession(id string) (models.ChatSession, error) {
	var c models.ChatSession
	err := s.View(func(tx *Tx) error {
		var err error
		c, err = getChat(tx, id)
		return err
	})
	return c, err
}

func getChat(tx *Tx, id string) (models.ChatSession, error) {
	c, err := getRecord[models.ChatSession](tx, chatKey(id))
	if isNotFound(err) {
		return c, notFound("chat session", id)
	}
	return c, err
}

// ListChatSessions returns sessions, most recently active first.
// A non-empty clientID restricts the list to that client.
func (s *Store) ListChatSessions(clientID string, status models.ChatStatus, opts ListOptions) (Page[models.ChatSession], error) {
	var all []models.ChatSession
	_ = s.View(func(tx *Tx) error {
		all = listRecords[models.ChatSession](tx, chatsPrefix)
		return nil
	})
	matched := make([]models.ChatSession, 0, len(all))
	for _, c := range all {
		if clientID != "" && c.ClientID != clientID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		matched = append(matched, c)
	}
	return Select(matched, opts, "last_activity", "desc")
}

// AppendChatMessage adds a message atomically and bumps last_activity.
func (s *Store) AppendChatMessage(id string, msg models.ChatMessage, ifRevision int64) (models.ChatSession, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	if err := required("text", msg.Text); err != nil {
		return models.ChatSession{}, err
	}
	var out models.ChatSession
	err := s.Update(func(tx *Tx) error {
		if err := tx.Check(chatKey(id), ifRevision); err != nil {
			return err
		}
		chat, err := getChat(tx, id)
		if err != nil {
			return err
		}
		if chat.Status == models.ChatClosed {
			return ErrChatClosed
		}
		msg.ID = newID()
		msg.Timestamp = tx.Now()
		chat.Messages = append(chat.Messages, msg)
		chat.LastActivity = msg.Timestamp
		chat.Revision = tx.Revision()
		out = chat
		if err := tx.Set(chatKey(id), chat); err != nil {
			return err
		}

		if msg.SenderID != chat.ClientID {
			if client, err := getUser(tx, chat.ClientID); err == nil {
				_, err := stageNotification(tx, client.Email, "chat", "New chat message", msg.SenderName)
				return err
			}
		}
		return nil
	})
	return out, err
}

// CloseChatSession marks a session closed. Closing twice is a no-op.
func (s *Store) CloseChatSession(id string) (models.ChatSession, error) {
	var out models.ChatSession
	err := s.Update(func(tx *Tx) error {
		chat, err := getChat(tx, id)
		if err != nil {
			return err
		}
		out = chat
		if chat.Status == models.ChatClosed {
			return nil
		}
		chat.Status = models.ChatClosed
		chat.LastActivity = tx.Now()
		chat.Revision = tx.Revision()
		out = chat
		return tx.Set(chatKey(id), chat)
	})
	return out, err
}

// DeleteChatSession removes a session.
func (s *Store) DeleteChatSession(id string) error {
	return s.Update(func(tx *Tx) error {
		if !tx.Exists(chatKey(id)) {
			return notFound("chat session", id)
		}
		return tx.Delete(chatKey(id))
	})
}
