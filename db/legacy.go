package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"mindgraphix/logx"
	"mindgraphix/models"
)

// PasswordHasher turns a plaintext password into a stored hash.
type PasswordHasher func(plain string) (string, error)

// LegacyReport summarizes an ImportLegacy run.
type LegacyReport struct {
	Imported map[string]int `json:"imported"`
	Skipped  []string       `json:"skipped"`
	Revision int64          `json:"revision"`
}

// legacyID accepts the string and numeric ids the browser code generated.
type legacyID string

func (id *legacyID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = legacyID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number")
	}
	*id = legacyID(n.String())
	return nil
}

// legacyTime accepts ISO 8601 strings and epoch milliseconds.
type legacyTime struct{ time.Time }

func (t *legacyTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed.UTC()
				return nil
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		return fmt.Errorf("unrecognized time %q", s)
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("time must be a string or number")
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

func (t legacyTime) or(fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.Time
}

type legacyUser struct {
	ID               legacyID   `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Password         string     `json:"password"`
	Phone            string     `json:"phone"`
	RegistrationDate legacyTime `json:"registrationDate"`
	IsActive         *bool      `json:"isActive"`
	Role             string     `json:"role"`
}

type legacyResponse struct {
	ID         legacyID   `json:"id"`
	AuthorID   legacyID   `json:"authorId"`
	Author     string     `json:"author"`
	AuthorName string     `json:"authorName"`
	Role       string     `json:"role"`
	IsAdmin    bool       `json:"isAdmin"`
	Message    string     `json:"message"`
	Text       string     `json:"text"`
	Timestamp  legacyTime `json:"timestamp"`
}

type legacyRequest struct {
	ID        legacyID         `json:"id"`
	UserID    legacyID         `json:"userId"`
	UserName  string           `json:"userName"`
	Subject   string           `json:"subject"`
	Message   string           `json:"message"`
	Priority  string           `json:"priority"`
	Status    string           `json:"status"`
	Timestamp legacyTime       `json:"timestamp"`
	Responses []legacyResponse `json:"responses"`
}

type legacyChatMessage struct {
	ID         legacyID   `json:"id"`
	SenderID   legacyID   `json:"senderId"`
	Sender     string     `json:"sender"`
	SenderName string     `json:"senderName"`
	IsAdmin    bool       `json:"isAdmin"`
	Text       string     `json:"text"`
	Message    string     `json:"message"`
	Timestamp  legacyTime `json:"timestamp"`
}

type legacyChat struct {
	ID           legacyID            `json:"id"`
	ClientID     legacyID            `json:"clientId"`
	ClientName   string              `json:"clientName"`
	Messages     []legacyChatMessage `json:"messages"`
	Status       string              `json:"status"`
	LastActivity legacyTime          `json:"lastActivity"`
}

type legacyNotification struct {
	ID        legacyID   `json:"id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Timestamp legacyTime `json:"timestamp"`
	Read      bool       `json:"read"`
}

type legacyLog struct {
	ID        legacyID   `json:"id"`
	Timestamp legacyTime `json:"timestamp"`
	Action    string     `json:"action"`
	User      string     `json:"user"`
	Details   string     `json:"details"`
	Severity  string     `json:"severity"`
}

type legacyFile struct {
	ID         legacyID   `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Size       int64      `json:"size"`
	URL        string     `json:"url"`
	UploadedBy string     `json:"uploadedBy"`
	UploadDate legacyTime `json:"uploadDate"`
}

// unwrapLegacyValue decodes the value of a storage key. Browser storage holds
// strings, so a dump may carry either the JSON itself or a string containing it.
func unwrapLegacyValue(raw json.RawMessage) json.RawMessage {
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil && json.Valid([]byte(inner)) {
		return json.RawMessage(inner)
	}
	return raw
}

func decodeLegacy[T any](dump map[string]json.RawMessage, key string, report *LegacyReport) []T {
	raw, ok := dump[key]
	if !ok {
		return nil
	}
	var out []T
	if err := json.Unmarshal(unwrapLegacyValue(raw), &out); err != nil {
		report.Skipped = append(report.Skipped, fmt.Sprintf("%s: %v", key, err))
		return nil
	}
	return out
}

func legacyStatus(s string) models.RequestStatus {
	switch strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(s)) {
	case "in_progress":
		return models.StatusInProgress
	case "resolved":
		return models.StatusResolved
	case "closed":
		return models.StatusClosed
	}
	return models.StatusPending
}

func legacyRole(s string, admin bool) models.Role {
	switch models.Role(strings.ToLower(s)) {
	case models.RoleAdmin:
		return models.RoleAdmin
	case models.RoleSupreme, "mind":
		return models.RoleSupreme
	}
	if admin {
		return models.RoleAdmin
	}
	return models.RoleUser
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// ImportLegacy migrates a raw browser storage dump into the store in one
// transaction. Plaintext passwords are hashed with hash. Accounts whose email
// already exists are skipped and reported.
func (s *Store) ImportLegacy(data []byte, hash PasswordHasher) (LegacyReport, error) {
	var dump map[string]json.RawMessage
	if err := json.Unmarshal(data, &dump); err != nil {
		return LegacyReport{}, &ValidationError{Message: "legacy dump must be a JSON object: " + err.Error()}
	}
	report := LegacyReport{Imported: make(map[string]int), Skipped: []string{}}

	users := decodeLegacy[legacyUser](dump, "registeredUsers", &report)
	// Hash before taking the store lock, bcrypt is slow.
	hashes := make([]string, len(users))
	for i, u := range users {
		switch {
		case u.Password == "":
		case isBcryptHash(u.Password):
			hashes[i] = u.Password
		default:
			h, err := hash(u.Password)
			if err != nil {
				return LegacyReport{}, fmt.Errorf("hash password for %s: %w", u.Email, err)
			}
			hashes[i] = h
		}
	}

	requests := decodeLegacy[legacyRequest](dump, "userRequests", &report)
	chats := decodeLegacy[legacyChat](dump, "chatSessions", &report)
	logs := decodeLegacy[legacyLog](dump, "adminLogs", &report)
	files := decodeLegacy[legacyFile](dump, "uploadedFiles", &report)
	adminNotes := decodeLegacy[legacyNotification](dump, "adminNotifications", &report)

	userPartitions := make(map[string][]legacyNotification)
	partitionKeys := make([]string, 0)
	for key := range dump {
		if email, ok := strings.CutPrefix(key, "notifications_"); ok {
			userPartitions[email] = decodeLegacy[legacyNotification](dump, key, &report)
			partitionKeys = append(partitionKeys, email)
		}
	}
	sort.Strings(partitionKeys)

	var content map[string]json.RawMessage
	if raw, ok := dump["siteContent"]; ok {
		if err := json.Unmarshal(unwrapLegacyValue(raw), &content); err != nil {
			report.Skipped = append(report.Skipped, fmt.Sprintf("siteContent: %v", err))
		}
	}

	err := s.Update(func(tx *Tx) error {
		now := tx.Now()

		// Live records win. A legacy record whose id is taken is reported
		// and left out, except users, which get a fresh id.
		taken := func(kind, id, key string) bool {
			if !tx.Exists(key) {
				return false
			}
			report.Skipped = append(report.Skipped, fmt.Sprintf("%s %s: id already in use", kind, id))
			return true
		}
		rekeyed := make(map[string]string)
		userID := func(legacy string) string {
			if id, ok := rekeyed[legacy]; ok {
				return id
			}
			return legacy
		}

		for i, u := range users {
			if hashes[i] == "" {
				report.Skipped = append(report.Skipped, fmt.Sprintf("user %s: no password", u.Email))
				continue
			}
			if err := validateEmail(strings.TrimSpace(u.Email)); err != nil {
				report.Skipped = append(report.Skipped, fmt.Sprintf("user %q: invalid email", u.Email))
				continue
			}
			active := true
			if u.IsActive != nil {
				active = *u.IsActive
			}
			account := models.UserAccount{
				ID:               string(u.ID),
				Name:             firstNonEmpty(u.Name, u.Email),
				Email:            strings.TrimSpace(u.Email),
				PasswordHash:     hashes[i],
				Phone:            u.Phone,
				RegistrationDate: u.RegistrationDate.or(now),
				IsActive:         active,
				Role:             legacyRole(u.Role, false),
			}
			if account.ID == "" || tx.Exists(userKey(account.ID)) {
				legacyID := account.ID
				account.ID = newID()
				if legacyID != "" {
					rekeyed[legacyID] = account.ID
				}
			}
			if err := stageNewUser(tx, &account); err != nil {
				if errors.Is(err, ErrDuplicateAccount) {
					report.Skipped = append(report.Skipped, fmt.Sprintf("user %s: duplicate email", account.Email))
					continue
				}
				return err
			}
			report.Imported["users"]++
		}

		for _, lr := range requests {
			r := models.Request{
				ID:        firstNonEmpty(string(lr.ID), newID()),
				UserID:    userID(string(lr.UserID)),
				UserName:  lr.UserName,
				Subject:   firstNonEmpty(lr.Subject, "(no subject)"),
				Message:   lr.Message,
				Priority:  models.Priority(strings.ToLower(lr.Priority)),
				Status:    legacyStatus(lr.Status),
				Timestamp: lr.Timestamp.or(now),
				Responses: []models.Response{},
				Revision:  tx.Revision(),
			}
			if taken("request", r.ID, requestKey(r.ID)) {
				continue
			}
			if !validPriority(r.Priority) {
				r.Priority = models.PriorityMedium
			}
			for _, resp := range lr.Responses {
				r.Responses = append(r.Responses, models.Response{
					ID:         firstNonEmpty(string(resp.ID), newID()),
					AuthorID:   userID(string(resp.AuthorID)),
					AuthorName: firstNonEmpty(resp.AuthorName, resp.Author),
					AuthorRole: legacyRole(resp.Role, resp.IsAdmin),
					Message:    firstNonEmpty(resp.Message, resp.Text),
					Timestamp:  resp.Timestamp.or(r.Timestamp),
				})
			}
			if err := tx.Set(requestKey(r.ID), r); err != nil {
				return err
			}
			report.Imported["requests"]++
		}

		for _, lc := range chats {
			chat := models.ChatSession{
				ID:           firstNonEmpty(string(lc.ID), newID()),
				ClientID:     userID(string(lc.ClientID)),
				ClientName:   lc.ClientName,
				Messages:     []models.ChatMessage{},
				Status:       models.ChatActive,
				LastActivity: lc.LastActivity.or(now),
				Revision:     tx.Revision(),
			}
			if taken("chat", chat.ID, chatKey(chat.ID)) {
				continue
			}
			if strings.EqualFold(lc.Status, string(models.ChatClosed)) {
				chat.Status = models.ChatClosed
			}
			chat.CreatedAt = chat.LastActivity
			for _, m := range lc.Messages {
				msg := models.ChatMessage{
					ID:         firstNonEmpty(string(m.ID), newID()),
					SenderID:   userID(string(m.SenderID)),
					SenderName: firstNonEmpty(m.SenderName, m.Sender),
					SenderRole: legacyRole("", m.IsAdmin || strings.EqualFold(m.Sender, "admin")),
					Text:       firstNonEmpty(m.Text, m.Message),
					Timestamp:  m.Timestamp.or(chat.LastActivity),
				}
				if msg.Timestamp.Before(chat.CreatedAt) {
					chat.CreatedAt = msg.Timestamp
				}
				chat.Messages = append(chat.Messages, msg)
			}
			if err := tx.Set(chatKey(chat.ID), chat); err != nil {
				return err
			}
			report.Imported["chats"]++
		}

		// The browser kept the newest entry first; store oldest first so
		// retention trims the right end.
		for i := len(logs) - 1; i >= 0; i-- {
			l := logs[i]
			sev := models.Severity(strings.ToLower(l.Severity))
			if !validSeverity(sev) {
				sev = models.SeverityInfo
			}
			entry := models.AdminLog{
				ID:        newID(),
				Timestamp: l.Timestamp.or(now),
				Action:    firstNonEmpty(l.Action, "legacy"),
				User:      l.User,
				Details:   l.Details,
				Severity:  sev,
				Revision:  tx.Revision(),
			}
			if err := tx.Set(adminLogsPrefix+entry.ID, entry); err != nil {
				return err
			}
			report.Imported["admin_logs"]++
		}

		stageNotes := func(recipient string, notes []legacyNotification) error {
			for _, ln := range notes {
				n := models.Notification{
					ID:        firstNonEmpty(string(ln.ID), newID()),
					Recipient: recipient,
					Type:      firstNonEmpty(ln.Type, "info"),
					Title:     ln.Title,
					Message:   ln.Message,
					Timestamp: ln.Timestamp.or(now),
					Read:      ln.Read,
					Revision:  tx.Revision(),
				}
				if taken("notification", n.ID, notificationPartition(recipient)+n.ID) {
					continue
				}
				if err := tx.Set(notificationPartition(recipient)+n.ID, n); err != nil {
					return err
				}
				report.Imported["notifications"]++
			}
			return nil
		}
		if err := stageNotes(AdminRecipient, adminNotes); err != nil {
			return err
		}
		for _, email := range partitionKeys {
			if err := stageNotes(normalizeEmail(email), userPartitions[email]); err != nil {
				return err
			}
		}

		for _, lf := range files {
			f := models.UploadedFile{
				ID:          firstNonEmpty(string(lf.ID), newID()),
				Name:        firstNonEmpty(lf.Name, "unnamed"),
				ContentType: lf.Type,
				Size:        lf.Size,
				StorageKey:  firstNonEmpty(lf.URL, "legacy/"+string(lf.ID)),
				UploadedBy:  lf.UploadedBy,
				UploadedAt:  lf.UploadDate.or(now),
				Revision:    tx.Revision(),
			}
			if taken("file", f.ID, uploadKey(f.ID)) {
				continue
			}
			if err := tx.Set(uploadKey(f.ID), f); err != nil {
				return err
			}
			report.Imported["files"]++
		}

		for key, value := range content {
			if err := ValidateContentKey(key); err != nil {
				report.Skipped = append(report.Skipped, fmt.Sprintf("content %s: invalid", key))
				continue
			}
			compact, err := canonicalJSON(value)
			if err != nil {
				report.Skipped = append(report.Skipped, fmt.Sprintf("content %s: invalid", key))
				continue
			}
			if err := s.ContentSchema().Validate(key, compact); err != nil {
				report.Skipped = append(report.Skipped, fmt.Sprintf("content %s: %v", key, err))
				continue
			}
			if err := tx.SetRaw(contentPrefix+key, compact); err != nil {
				return err
			}
			report.Imported["content"]++
		}

		_, err := stageAdminLog(tx, "legacy_import", "system",
			fmt.Sprintf("imported %v, skipped %d", report.Imported, len(report.Skipped)), models.SeverityInfo)
		return err
	})
	if err != nil {
		return LegacyReport{}, err
	}
	report.Revision = s.Revision()
	logx.Info("Legacy dump imported", "skipped", len(report.Skipped), "revision", report.Revision)
	return report, nil
}
