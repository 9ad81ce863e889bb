package db

import (
	"strings"

	"mindgraphix/logx"
	"mindgraphix/models"
)

// UserPatch holds the fields UpdateUser may change. Nil fields are left alone.
type UserPatch struct {
	Name     *string      `json:"name,omitempty"`
	Email    *string      `json:"email,omitempty"`
	Phone    *string      `json:"phone,omitempty"`
	IsActive *bool        `json:"is_active,omitempty"`
	Role     *models.Role `json:"role,omitempty"`
}

func userKey(id string) string { return usersPrefix + id }

func emailIndexKey(email string) string { return emailIndexPrefix + normalizeEmail(email) }

func validRole(r models.Role) bool {
	switch r {
	case models.RoleUser, models.RoleAdmin, models.RoleSupreme:
		return true
	}
	return false
}

// RegisterUser stores a new account. The email index is checked and written
// in the same transaction, so a duplicate email never produces a second record.
func (s *Store) RegisterUser(account models.UserAccount) (models.UserAccount, error) {
	account.Name = strings.TrimSpace(account.Name)
	account.Email = strings.TrimSpace(account.Email)
	if err := required("name", account.Name); err != nil {
		return models.UserAccount{}, err
	}
	if err := validateEmail(account.Email); err != nil {
		return models.UserAccount{}, err
	}
	if account.PasswordHash == "" {
		return models.UserAccount{}, invalid("password", "is required")
	}
	if account.Role == "" {
		account.Role = models.RoleUser
	}
	if !validRole(account.Role) {
		return models.UserAccount{}, invalid("role", "unknown role '%s'", account.Role)
	}

	err := s.Update(func(tx *Tx) error {
		return stageNewUser(tx, &account)
	})
	if err != nil {
		return models.UserAccount{}, err
	}
	logx.Info("User registered", "user_id", account.ID, "role", string(account.Role))
	return account, nil
}

func stageNewUser(tx *Tx, account *models.UserAccount) error {
	if tx.Exists(emailIndexKey(account.Email)) {
		return ErrDuplicateAccount
	}
	if account.ID == "" {
		account.ID = newID()
	}
	if account.RegistrationDate.IsZero() {
		account.RegistrationDate = tx.Now()
		account.IsActive = true
	}
	account.Revision = tx.Revision()
	if err := tx.Set(userKey(account.ID), account); err != nil {
		return err
	}
	return tx.Set(emailIndexKey(account.Email), account.ID)
}

// GetUser returns the account with id.
func (s *Store) GetUser(id string) (models.UserAccount, error) {
	var u models.UserAccount
	err := s.View(func(tx *Tx) error {
		var err error
		u, err = getUser(tx, id)
		return err
	})
	return u, err
}

func getUser(tx *Tx, id string) (models.UserAccount, error) {
	u, err := getRecord[models.UserAccount](tx, userKey(id))
	if isNotFound(err) {
		return u, notFound("user", id)
	}
	return u, err
}

// GetUserByEmail looks up an account through the email index.
func (s *Store) GetUserByEmail(email string) (models.UserAccount, error) {
	var u models.UserAccount
	err := s.View(func(tx *Tx) error {
		var id string
		if err := tx.Get(emailIndexKey(email), &id); err != nil {
			if isNotFound(err) {
				return notFound("user", normalizeEmail(email))
			}
			return err
		}
		var err error
		u, err = getUser(tx, id)
		return err
	})
	return u, err
}

// ListUsers returns accounts without password hashes.
func (s *Store) ListUsers(opts ListOptions) (Page[models.UserAccount], error) {
	var users []models.UserAccount
	_ = s.View(func(tx *Tx) error {
		users = listRecords[models.UserAccount](tx, usersPrefix)
		return nil
	})
	for i := range users {
		users[i] = users[i].Sanitized()
	}
	return Select(users, opts, "registration_date", "desc")
}

// CountUsers returns the number of stored accounts.
func (s *Store) CountUsers() int {
	return len(s.Keys(usersPrefix))
}

// UpdateUser applies patch to the account at id.
func (s *Store) UpdateUser(id string, patch UserPatch, ifRevision int64) (models.UserAccount, error) {
	var out models.UserAccount
	err := s.Update(func(tx *Tx) error {
		if err := tx.Check(userKey(id), ifRevision); err != nil {
			return err
		}
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}

		if patch.Name != nil {
			if err := required("name", *patch.Name); err != nil {
				return err
			}
			u.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Phone != nil {
			u.Phone = strings.TrimSpace(*patch.Phone)
		}
		if patch.IsActive != nil {
			u.IsActive = *patch.IsActive
		}
		if patch.Role != nil {
			if !validRole(*patch.Role) {
				return invalid("role", "unknown role '%s'", *patch.Role)
			}
			u.Role = *patch.Role
		}
		if patch.Email != nil && normalizeEmail(*patch.Email) != normalizeEmail(u.Email) {
			email := strings.TrimSpace(*patch.Email)
			if err := validateEmail(email); err != nil {
				return err
			}
			if tx.Exists(emailIndexKey(email)) {
				return ErrDuplicateAccount
			}
			if err := tx.Delete(emailIndexKey(u.Email)); err != nil {
				return err
			}
			if err := tx.Set(emailIndexKey(email), u.ID); err != nil {
				return err
			}
			if err := moveNotifications(tx, u.Email, email); err != nil {
				return err
			}
			u.Email = email
		}

		u.Revision = tx.Revision()
		out = u
		return tx.Set(userKey(id), u)
	})
	return out, err
}

// SetPassword replaces the stored bcrypt hash and revokes every session of the user.
func (s *Store) SetPassword(id, passwordHash string) error {
	if passwordHash == "" {
		return invalid("password", "is required")
	}
	return s.Update(func(tx *Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		u.PasswordHash = passwordHash
		u.Revision = tx.Revision()
		if err := tx.Set(userKey(id), u); err != nil {
			return err
		}
		_, err = stageRevokeUserSessions(tx, id)
		return err
	})
}

// DeleteUser removes the account with its email index, notifications and sessions.
func (s *Store) DeleteUser(id string) error {
	err := s.Update(func(tx *Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		for _, key := range tx.Keys(notificationPartition(u.Email)) {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		if _, err := stageRevokeUserSessions(tx, id); err != nil {
			return err
		}
		if err := tx.Delete(emailIndexKey(u.Email)); err != nil {
			return err
		}
		return tx.Delete(userKey(id))
	})
	if err == nil {
		logx.Info("User deleted", "user_id", id)
	}
	return err
}
