package db

import (
	"fmt"
	"strings"

	"mindgraphix/models"
)

func quoteKey(id string) string { return quotesPrefix + id }

// SubmitQuote stores a quote request from the public site and notifies the admins.
func (s *Store) SubmitQuote(q models.Quote) (models.Quote, error) {
	q.Name = strings.TrimSpace(q.Name)
	q.Email = strings.TrimSpace(q.Email)
	q.Message = strings.TrimSpace(q.Message)
	if err := required("name", q.Name); err != nil {
		return models.Quote{}, err
	}
	if err := validateEmail(q.Email); err != nil {
		return models.Quote{}, err
	}
	if err := required("message", q.Message); err != nil {
		return models.Quote{}, err
	}
	if q.Files == nil {
		q.Files = []string{}
	}

	err := s.Update(func(tx *Tx) error {
		q.ID = newID()
		q.CreatedAt = tx.Now()
		q.Revision = tx.Revision()
		if err := tx.Set(quoteKey(q.ID), q); err != nil {
			return err
		}
		service := q.Service
		if service == "" {
			service = "general"
		}
		_, err := stageNotification(tx, AdminRecipient, "quote",
			"New quote request", fmt.Sprintf("%s (%s) asked about %s", q.Name, q.Email, service))
		return err
	})
	if err != nil {
		return models.Quote{}, err
	}
	return q, nil
}

// GetQuote returns the quote with id.
func (s *Store) GetQuote(id string) (models.Quote, error) {
	var q models.Quote
	err := s.View(func(tx *Tx) error {
		var err error
		q, err = getRecord[models.Quote](tx, quoteKey(id))
		if isNotFound(err) {
			return notFound("quote", id)
		}
		return err
	})
	return q, err
}

// ListQuotes returns quotes, newest first by default.
func (s *Store) ListQuotes(opts ListOptions) (Page[models.Quote], error) {
	var all []models.Quote
	_ = s.View(func(tx *Tx) error {
		all = listRecords[models.Quote](tx, quotesPrefix)
		return nil
	})
	return Select(all, opts, "created_at", "desc")
}

// DeleteQuote removes a quote.
func (s *Store) DeleteQuote(id string) error {
	return s.Update(func(tx *Tx) error {
		if !tx.Exists(quoteKey(id)) {
			return notFound("quote", id)
		}
		return tx.Delete(quoteKey(id))
	})
}
