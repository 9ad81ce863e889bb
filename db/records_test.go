package db

import (
	"fmt"
	"testing"
	"time"

	"mindgraphix/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Chats ---

func TestChatSessions(t *testing.T) {
	s := setupTestStore(t)
	client := registerTestUser(t, s, "client@example.com")

	chat, err := s.OpenChatSession(client.ID, client.Name, "  Hello there  ")
	require.NoError(t, err)
	assert.Equal(t, models.ChatActive, chat.Status)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "Hello there", chat.Messages[0].Text)
	assert.Len(t, s.ListNotifications(AdminRecipient, false), 1)

	reply, err := s.AppendChatMessage(chat.ID, models.ChatMessage{SenderID: "staff", SenderName: "Ada", SenderRole: models.RoleAdmin, Text: "Hi!"}, chat.Revision)
	require.NoError(t, err)
	require.Len(t, reply.Messages, 2)
	assert.False(t, reply.LastActivity.Before(chat.LastActivity))
	assert.Len(t, s.ListNotifications(client.Email, false), 1, "staff messages notify the client")

	_, err = s.AppendChatMessage(chat.ID, models.ChatMessage{SenderID: client.ID, Text: "late"}, chat.Revision)
	assert.ErrorIs(t, err, ErrRevisionConflict)
	_, err = s.AppendChatMessage(chat.ID, models.ChatMessage{SenderID: client.ID, Text: ""}, AnyRevision)
	assert.ErrorIs(t, err, ErrValidation)

	other, err := s.OpenChatSession("someone-else", "Guest", "")
	require.NoError(t, err)
	assert.Empty(t, other.Messages)

	page, err := s.ListChatSessions(client.ID, "", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	page, err = s.ListChatSessions("", "", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	closed, err := s.CloseChatSession(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChatClosed, closed.Status)
	again, err := s.CloseChatSession(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, closed.Revision, again.Revision, "closing twice is a no-op")

	_, err = s.AppendChatMessage(chat.ID, models.ChatMessage{SenderID: client.ID, Text: "hello?"}, AnyRevision)
	assert.ErrorIs(t, err, ErrChatClosed)

	page, err = s.ListChatSessions("", models.ChatActive, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	require.NoError(t, s.DeleteChatSession(chat.ID))
	assert.ErrorIs(t, s.DeleteChatSession(chat.ID), ErrNotFound)
	_, err = s.GetChatSession(chat.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Notifications ---

func TestNotifications(t *testing.T) {
	s := setupTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Notify("User@Example.com", "info", fmt.Sprintf("n%d", i), "")
		require.NoError(t, err)
	}
	_, err := s.Notify("", "info", "x", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.Notify("user@example.com", "info", "", "")
	assert.ErrorIs(t, err, ErrValidation)

	list := s.ListNotifications("user@example.com", false)
	require.Len(t, list, 3)
	assert.Equal(t, "n2", list[0].Title, "newest first")
	assert.Equal(t, "user@example.com", list[0].Recipient, "recipients are normalized")
	assert.Equal(t, 3, s.UnreadCount("USER@example.com"))

	read, err := s.MarkNotificationRead("user@example.com", list[1].ID)
	require.NoError(t, err)
	assert.True(t, read.Read)
	assert.Equal(t, 2, s.UnreadCount("user@example.com"))
	assert.Len(t, s.ListNotifications("user@example.com", true), 2)

	before := s.Revision()
	_, err = s.MarkNotificationRead("user@example.com", list[1].ID)
	require.NoError(t, err)
	assert.Equal(t, before, s.Revision(), "marking twice changes nothing")

	_, err = s.MarkNotificationRead("user@example.com", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.MarkAllNotificationsRead("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, s.UnreadCount("user@example.com"))

	require.NoError(t, s.DeleteNotification("user@example.com", list[0].ID))
	assert.Len(t, s.ListNotifications("user@example.com", false), 2)
	assert.Empty(t, s.ListNotifications(AdminRecipient, false), "partitions are separate")
}

// --- Admin logs ---

func TestAdminLogs_Retention(t *testing.T) {
	s, err := Open(NewMemoryBackend(), Options{AdminLogRetention: 5})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 8; i++ {
		_, err := s.AppendAdminLog(fmt.Sprintf("action-%d", i), "admin", "", "")
		require.NoError(t, err)
	}

	logs := s.ListAdminLogs("", 0)
	require.Len(t, logs, 5)
	assert.Equal(t, "action-7", logs[0].Action, "newest first")
	assert.Equal(t, "action-3", logs[4].Action, "oldest entries are dropped")
	assert.Equal(t, models.SeverityInfo, logs[0].Severity)

	assert.Len(t, s.ListAdminLogs("", 2), 2)

	_, err = s.AppendAdminLog("boom", "admin", "disk", models.SeverityCritical)
	require.NoError(t, err)
	critical := s.ListAdminLogs(models.SeverityCritical, 0)
	require.Len(t, critical, 1)
	assert.Equal(t, "disk", critical[0].Details)

	_, err = s.AppendAdminLog("x", "admin", "", "panic")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.AppendAdminLog("", "admin", "", "")
	assert.ErrorIs(t, err, ErrValidation)
}

// --- Sessions ---

func TestSessions(t *testing.T) {
	s := setupTestStore(t)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	live := models.Session{ID: "live", UserID: "u1", Tier: models.RoleUser, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	old := models.Session{ID: "old", UserID: "u1", Tier: models.RoleUser, IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	for _, sess := range []models.Session{live, old} {
		_, err := s.CreateSession(sess)
		require.NoError(t, err)
	}

	_, err := s.CreateSession(live)
	assert.ErrorIs(t, err, ErrRevisionConflict, "session ids are never reused")
	_, err = s.CreateSession(models.Session{ID: "bad", IssuedAt: now, ExpiresAt: now})
	assert.ErrorIs(t, err, ErrValidation)

	got, err := s.GetSession("live")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	_, err = s.GetSession("old")
	assert.ErrorIs(t, err, ErrNotFound, "expired sessions are not returned")

	n, err := s.PruneExpiredSessions(now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{sessionsPrefix + "live"}, s.Keys(sessionsPrefix))

	require.NoError(t, s.RevokeSession("live"))
	require.NoError(t, s.RevokeSession("live"), "revoking twice is fine")
	_, err = s.GetSession("live")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Quotes ---

func TestQuotes(t *testing.T) {
	s := setupTestStore(t)

	q, err := s.SubmitQuote(models.Quote{Name: "Grace", Email: "grace@example.com", Service: "branding", Message: "Need a brand kit"})
	require.NoError(t, err)
	assert.NotEmpty(t, q.ID)
	assert.NotNil(t, q.Files)
	notes := s.ListNotifications(AdminRecipient, false)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "branding")

	_, err = s.SubmitQuote(models.Quote{Name: "Grace", Email: "nope", Message: "x"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.SubmitQuote(models.Quote{Name: "Grace", Email: "grace@example.com"})
	assert.ErrorIs(t, err, ErrValidation)

	got, err := s.GetQuote(q.ID)
	require.NoError(t, err)
	assert.Equal(t, "Need a brand kit", got.Message)

	page, err := s.ListQuotes(ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	require.NoError(t, s.DeleteQuote(q.ID))
	assert.ErrorIs(t, s.DeleteQuote(q.ID), ErrNotFound)
}

// --- Uploads ---

func TestUploads(t *testing.T) {
	s := setupTestStore(t)

	f, err := s.RecordUpload(models.UploadedFile{Name: "logo.png", ContentType: "image/png", Size: 1234, StorageKey: "ab/logo.png", UploadedBy: "admin@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.False(t, f.UploadedAt.IsZero())

	_, err = s.RecordUpload(models.UploadedFile{ID: f.ID, Name: "dup.png", StorageKey: "x"})
	assert.ErrorIs(t, err, ErrRevisionConflict, "ids are never overwritten")
	_, err = s.RecordUpload(models.UploadedFile{Name: "nokey.png"})
	assert.ErrorIs(t, err, ErrValidation)

	got, err := s.GetUpload(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "ab/logo.png", got.StorageKey)

	page, err := s.ListUploads(ListOptions{Query: []string{`content_type startsWith "image/"`}})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	removed, err := s.DeleteUpload(f.ID, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, f.StorageKey, removed.StorageKey)
	_, err = s.DeleteUpload(f.ID, "admin@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	actions := []string{}
	for _, l := range s.ListAdminLogs("", 0) {
		actions = append(actions, l.Action)
	}
	assert.Equal(t, []string{"file_deleted", "file_uploaded"}, actions)
}
