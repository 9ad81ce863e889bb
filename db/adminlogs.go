package db

import (
	"sort"

	"mindgraphix/models"
)

func validSeverity(s models.Severity) bool {
	switch s {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityError, models.SeverityCritical:
		return true
	}
	return false
}

// stageAdminLog appends an entry and trims the log to the retention limit in
// the same transaction. The oldest entries by commit order are dropped.
func stageAdminLog(tx *Tx, action, user, details string, severity models.Severity) (models.AdminLog, error) {
	if severity == "" {
		severity = models.SeverityInfo
	}
	entry := models.AdminLog{
		ID:        newID(),
		Timestamp: tx.Now(),
		Action:    action,
		User:      user,
		Details:   details,
		Severity:  severity,
		Revision:  tx.Revision(),
	}
	if err := tx.Set(adminLogsPrefix+entry.ID, entry); err != nil {
		return entry, err
	}

	existing := tx.List(adminLogsPrefix)
	retention := tx.s.opts.AdminLogRetention
	if len(existing) <= retention {
		return entry, nil
	}
	sort.SliceStable(existing, func(i, j int) bool {
		if existing[i].Revision != existing[j].Revision {
			return existing[i].Revision < existing[j].Revision
		}
		return existing[i].Key < existing[j].Key
	})
	for _, old := range existing[:len(existing)-retention] {
		if err := tx.Delete(old.Key); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// AppendAdminLog records an administrative action.
func (s *Store) AppendAdminLog(action, user, details string, severity models.Severity) (models.AdminLog, error) {
	if err := required("action", action); err != nil {
		return models.AdminLog{}, err
	}
	if severity != "" && !validSeverity(severity) {
		return models.AdminLog{}, invalid("severity", "unknown severity '%s'", severity)
	}
	var out models.AdminLog
	err := s.Update(func(tx *Tx) error {
		var err error
		out, err = stageAdminLog(tx, action, user, details, severity)
		return err
	})
	return out, err
}

// ListAdminLogs returns entries newest first, optionally filtered by severity.
// limit <= 0 returns every retained entry.
func (s *Store) ListAdminLogs(severity models.Severity, limit int) []models.AdminLog {
	var logs []models.AdminLog
	_ = s.View(func(tx *Tx) error {
		logs = listRecords[models.AdminLog](tx, adminLogsPrefix)
		return nil
	})
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].Revision != logs[j].Revision {
			return logs[i].Revision > logs[j].Revision
		}
		return logs[i].ID > logs[j].ID
	})

	out := make([]models.AdminLog, 0, len(logs))
	for _, l := range logs {
		if severity != "" && l.Severity != severity {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
