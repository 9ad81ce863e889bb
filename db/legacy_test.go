package db

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mindgraphix/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHasher(plain string) (string, error) { return "hashed:" + plain, nil }

// Browser storage holds strings, so most values arrive double encoded.
func legacyValue(t *testing.T, v any) json.RawMessage {
	t.Helper()
	inner, err := json.Marshal(v)
	require.NoError(t, err)
	outer, err := json.Marshal(string(inner))
	require.NoError(t, err)
	return outer
}

func legacyDump(t *testing.T) []byte {
	t.Helper()
	dump := map[string]json.RawMessage{
		"siteContent": legacyValue(t, map[string]any{
			"hero.title":   "Legacy hero",
			"theme.colors": map[string]string{"primary": "#000"},
			"hero.broken":  42,
		}),
		"registeredUsers": legacyValue(t, []map[string]any{
			{"id": 1700000000000, "name": "Ada", "email": "ada@example.com", "password": "plain-pass", "registrationDate": "2024-01-02T03:04:05.000Z"},
			{"id": "u2", "name": "Dup", "email": "ADA@example.com", "password": "x"},
			{"id": "u3", "name": "Bcrypt", "email": "b@example.com", "password": "$2a$10$alreadyhashed", "isActive": false},
		}),
		"userRequests": legacyValue(t, []map[string]any{
			{"id": 17, "userId": 1700000000000, "userName": "Ada", "subject": "Site", "message": "Help", "priority": "URGENT", "status": "in-progress", "timestamp": 1704164645000,
				"responses": []map[string]any{{"author": "admin", "isAdmin": true, "text": "On it", "timestamp": "2024-01-03T00:00:00Z"}}},
		}),
		"chatSessions": legacyValue(t, []map[string]any{
			{"id": "c1", "clientId": "1700000000000", "clientName": "Ada", "status": "closed",
				"messages": []map[string]any{{"sender": "admin", "text": "Hello", "timestamp": 1704164645000}}},
		}),
		"adminLogs": legacyValue(t, []map[string]any{
			{"action": "newest", "user": "admin", "severity": "warning", "timestamp": "2024-02-01T00:00:00Z"},
			{"action": "oldest", "user": "admin", "severity": "loud"},
		}),
		"adminNotifications": legacyValue(t, []map[string]any{{"id": 5, "title": "Hi admins", "read": true}}),
		// A value stored raw rather than as a string.
		"notifications_Ada@Example.com": json.RawMessage(`[{"id": "n1", "title": "Welcome", "type": "success"}]`),
		"uploadedFiles":                 legacyValue(t, []map[string]any{{"id": "f1", "name": "brief.pdf", "type": "application/pdf", "size": 2048, "uploadedBy": "ada@example.com", "uploadDate": "2024-01-05"}}),
	}
	data, err := json.Marshal(dump)
	require.NoError(t, err)
	return data
}

func TestImportLegacy(t *testing.T) {
	s := setupTestStore(t)
	before := s.Revision()

	report, err := s.ImportLegacy(legacyDump(t), fakeHasher)
	require.NoError(t, err)
	assert.Equal(t, before+1, report.Revision, "everything lands in one transaction")

	assert.Equal(t, 2, report.Imported["users"])
	assert.Equal(t, 1, report.Imported["requests"])
	assert.Equal(t, 1, report.Imported["chats"])
	assert.Equal(t, 2, report.Imported["admin_logs"])
	assert.Equal(t, 2, report.Imported["notifications"])
	assert.Equal(t, 1, report.Imported["files"])
	assert.Equal(t, 2, report.Imported["content"])
	assert.Len(t, report.Skipped, 2, "duplicate user and schema violation: %v", report.Skipped)

	t.Run("Users", func(t *testing.T) {
		ada, err := s.GetUserByEmail("ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, "1700000000000", ada.ID, "numeric ids become strings")
		assert.Equal(t, "hashed:plain-pass", ada.PasswordHash)
		assert.True(t, ada.IsActive)
		assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), ada.RegistrationDate)

		b, err := s.GetUserByEmail("b@example.com")
		require.NoError(t, err)
		assert.Equal(t, "$2a$10$alreadyhashed", b.PasswordHash, "bcrypt hashes are kept")
		assert.False(t, b.IsActive)
	})

	t.Run("Requests", func(t *testing.T) {
		r, err := s.GetRequest("17")
		require.NoError(t, err)
		assert.Equal(t, models.StatusInProgress, r.Status)
		assert.Equal(t, models.PriorityUrgent, r.Priority)
		assert.Equal(t, time.UnixMilli(1704164645000).UTC(), r.Timestamp)
		require.Len(t, r.Responses, 1)
		assert.Equal(t, models.RoleAdmin, r.Responses[0].AuthorRole)
		assert.Equal(t, "On it", r.Responses[0].Message)
	})

	t.Run("Chats", func(t *testing.T) {
		c, err := s.GetChatSession("c1")
		require.NoError(t, err)
		assert.Equal(t, models.ChatClosed, c.Status)
		require.Len(t, c.Messages, 1)
		assert.Equal(t, models.RoleAdmin, c.Messages[0].SenderRole)
	})

	t.Run("Logs keep browser order", func(t *testing.T) {
		logs := s.ListAdminLogs("", 0)
		require.GreaterOrEqual(t, len(logs), 3)
		assert.Equal(t, "legacy_import", logs[0].Action)
		var order []string
		for _, l := range logs[1:] {
			order = append(order, l.Action)
		}
		assert.Equal(t, []string{"newest", "oldest"}, order)
		assert.Equal(t, models.SeverityInfo, logs[2].Severity, "unknown severities fall back to info")
	})

	t.Run("Notifications and content", func(t *testing.T) {
		notes := s.ListNotifications("ada@example.com", false)
		require.Len(t, notes, 1)
		assert.Equal(t, "success", notes[0].Type)
		admin := s.ListNotifications(AdminRecipient, false)
		require.Len(t, admin, 1)
		assert.True(t, admin[0].Read)

		blob := s.ContentBlob()
		assert.JSONEq(t, `"Legacy hero"`, string(blob["hero.title"]))
		assert.NotContains(t, blob, "hero.broken")

		f, err := s.GetUpload("f1")
		require.NoError(t, err)
		assert.Equal(t, "application/pdf", f.ContentType)
	})
}

func TestImportLegacy_Failures(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.ImportLegacy([]byte(`[1, 2]`), fakeHasher)
	assert.ErrorIs(t, err, ErrValidation)

	boom := errors.New("hasher down")
	dump := []byte(`{"registeredUsers": [{"name": "A", "email": "a@example.com", "password": "pw"}]}`)
	_, err = s.ImportLegacy(dump, func(string) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, s.Revision(), "nothing is written when hashing fails")

	report, err := s.ImportLegacy([]byte(`{"userRequests": "not a list"}`), fakeHasher)
	require.NoError(t, err)
	assert.Len(t, report.Skipped, 1)
}

func TestImportLegacy_LiveRecordsWin(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Set(requestKey("17"), models.Request{
		ID: "17", UserID: "live-user", Subject: "LIVE", Status: models.StatusPending, Priority: models.PriorityLow,
		Responses: []models.Response{{ID: "r1", AuthorName: "Staff", Message: "Already answered"}},
	})
	require.NoError(t, err)
	_, err = s.Set(userKey("1700000000000"), models.UserAccount{ID: "1700000000000", Name: "Live", Email: "live@example.com", IsActive: true})
	require.NoError(t, err)
	_, err = s.Set(uploadKey("f1"), models.UploadedFile{ID: "f1", Name: "live.png"})
	require.NoError(t, err)

	report, err := s.ImportLegacy(legacyDump(t), fakeHasher)
	require.NoError(t, err)
	assert.Contains(t, report.Skipped, "request 17: id already in use")
	assert.Contains(t, report.Skipped, "file f1: id already in use")
	assert.Zero(t, report.Imported["requests"])
	assert.Zero(t, report.Imported["files"])

	r, err := s.GetRequest("17")
	require.NoError(t, err)
	assert.Equal(t, "LIVE", r.Subject)
	require.Len(t, r.Responses, 1)
	assert.Equal(t, "Already answered", r.Responses[0].Message)

	f, err := s.GetUpload("f1")
	require.NoError(t, err)
	assert.Equal(t, "live.png", f.Name)

	t.Run("Colliding user gets a new id", func(t *testing.T) {
		live, err := s.GetUser("1700000000000")
		require.NoError(t, err)
		assert.Equal(t, "live@example.com", live.Email)

		ada, err := s.GetUserByEmail("ada@example.com")
		require.NoError(t, err)
		assert.NotEqual(t, "1700000000000", ada.ID)

		c, err := s.GetChatSession("c1")
		require.NoError(t, err)
		assert.Equal(t, ada.ID, c.ClientID, "records owned by the legacy user follow the new id")
	})
}
