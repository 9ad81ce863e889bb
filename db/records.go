package db

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"

	"mindgraphix/logx"
	"mindgraphix/utils"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Collection key prefixes.
const (
	usersPrefix              = "registeredUsers/"
	emailIndexPrefix         = "index/email/"
	requestsPrefix           = "userRequests/"
	chatsPrefix              = "chatSessions/"
	notificationsPrefix      = "notifications/"
	adminNotificationsPrefix = "adminNotifications/"
	adminLogsPrefix          = "adminLogs/"
	uploadsPrefix            = "uploadedFiles/"
	quotesPrefix             = "quotes/"
	sessionsPrefix           = "sessions/"
)

// newID is swapped in tests that need predictable ids.
var newID = utils.GenerateSortableID

// getRecord decodes the record at key. Its revision field always reports the
// revision of the entry, even for records restored from a backup.
func getRecord[T any](tx *Tx, key string) (T, error) {
	var rec T
	raw, rev, ok := tx.Raw(key)
	if !ok {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, decodeRecord(key, raw, rev, &rec)
}

func decodeRecord(key string, raw []byte, rev int64, dst any) error {
	if !json.Valid(raw) {
		return fmt.Errorf("%w: %s is not valid JSON", ErrCorrupt, key)
	}
	if rev > 0 && gjson.GetBytes(raw, "revision").Exists() {
		if patched, err := sjson.SetBytes(append([]byte(nil), raw...), "revision", rev); err == nil {
			raw = patched
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

// listRecords decodes every record under prefix, skipping corrupt ones.
func listRecords[T any](tx *Tx, prefix string) []T {
	entries := tx.List(prefix)
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var rec T
		if _, staged := tx.puts[e.Key]; staged {
			e.Revision = 0
		}
		if err := decodeRecord(e.Key, e.Value, e.Revision, &rec); err != nil {
			logx.Warn("Skipping unreadable record", "key", e.Key, "error", err.Error())
			continue
		}
		out = append(out, rec)
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return invalid("email", "'%s' is not a valid email address", email)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(field, "is required")
	}
	return nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
