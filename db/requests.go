package db

import (
	"fmt"
	"strings"

	"mindgraphix/logx"
	"mindgraphix/models"
)

// requestTransitions lists the statuses each status may move to.
var requestTransitions = map[models.RequestStatus][]models.RequestStatus{
	models.StatusPending:    {models.StatusInProgress, models.StatusResolved, models.StatusClosed},
	models.StatusInProgress: {models.StatusPending, models.StatusResolved, models.StatusClosed},
	models.StatusResolved:   {models.StatusInProgress, models.StatusClosed},
	models.StatusClosed:     {},
}

// CanTransition reports whether a request may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to models.RequestStatus) bool {
	if from == to {
		_, known := requestTransitions[from]
		return known
	}
	for _, next := range requestTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validPriority(p models.Priority) bool {
	switch p {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh, models.PriorityUrgent:
		return true
	}
	return false
}

func validStatus(s models.RequestStatus) bool {
	_, ok := requestTransitions[s]
	return ok
}

func requestKey(id string) string { return requestsPrefix + id }

// CreateRequest stores a new pending request and notifies the admins.
func (s *Store) CreateRequest(r models.Request) (models.Request, error) {
	r.Subject = strings.TrimSpace(r.Subject)
	r.Message = strings.TrimSpace(r.Message)
	if err := required("subject", r.Subject); err != nil {
		return models.Request{}, err
	}
	if err := required("message", r.Message); err != nil {
		return models.Request{}, err
	}
	if r.Priority == "" {
		r.Priority = models.PriorityMedium
	}
	if !validPriority(r.Priority) {
		return models.Request{}, invalid("priority", "must be low, medium, high or urgent, got '%s'", r.Priority)
	}

	err := s.Update(func(tx *Tx) error {
		r.ID = newID()
		r.Status = models.StatusPending
		r.Timestamp = tx.Now()
		r.Responses = []models.Response{}
		r.Revision = tx.Revision()
		if err := tx.Set(requestKey(r.ID), r); err != nil {
			return err
		}
		_, err := stageNotification(tx, AdminRecipient, "request",
			fmt.Sprintf("New %s priority request", r.Priority),
			fmt.Sprintf("%s: %s", r.UserName, r.Subject))
		return err
	})
	if err != nil {
		return models.Request{}, err
	}
	logx.Info("Request created", "request_id", r.ID, "priority", string(r.Priority))
	return r, nil
}

// GetRequest returns the request with id.
func (s *Store) GetRequest(id string) (models.Request, error) {
	var r models.Request
	err := s.View(func(tx *Tx) error {
		var err error
		r, err = getRequest(tx, id)
		return err
	})
	return r, err
}

func getRequest(tx *Tx, id string) (models.Request, error) {
	r, err := getRecord[models.Request](tx, requestKey(id))
	if isNotFound(err) {
		return r, notFound("request", id)
	}
	return r, err
}

// RequestFilter narrows ListRequests. Empty fields match everything.
type RequestFilter struct {
	UserID   string
	Status   models.RequestStatus
	Priority models.Priority
}

// ListRequests returns matching requests, newest first by default.
func (s *Store) ListRequests(filter RequestFilter, opts ListOptions) (Page[models.Request], error) {
	var all []models.Request
	_ = s.View(func(tx *Tx) error {
		all = listRecords[models.Request](tx, requestsPrefix)
		return nil
	})
	matched := make([]models.Request, 0, len(all))
	for _, r := range all {
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && r.Priority != filter.Priority {
			continue
		}
		matched = append(matched, r)
	}
	return Select(matched, opts, "timestamp", "desc")
}

// UpdateRequestStatus moves a request through its lifecycle. A move to the
// current status changes nothing.
func (s *Store) UpdateRequestStatus(id string, status models.RequestStatus, actor string, ifRevision int64) (models.Request, error) {
	if !validStatus(status) {
		return models.Request{}, invalid("status", "unknown status '%s'", status)
	}
	var out models.Request
	err := s.Update(func(tx *Tx) error {
		if err := tx.Check(requestKey(id), ifRevision); err != nil {
			return err
		}
		r, err := getRequest(tx, id)
		if err != nil {
			return err
		}
		if r.Status == status {
			out = r
			return nil
		}
		if !CanTransition(r.Status, status) {
			return &TransitionError{From: r.Status, To: status}
		}

		from := r.Status
		r.Status = status
		r.Revision = tx.Revision()
		out = r
		if err := tx.Set(requestKey(id), r); err != nil {
			return err
		}
		if owner, err := getUser(tx, r.UserID); err == nil {
			if _, err := stageNotification(tx, owner.Email, "request_status",
				"Request status updated",
				fmt.Sprintf("%s is now %s", r.Subject, status)); err != nil {
				return err
			}
		}
		_, err = stageAdminLog(tx, "request_status", actor,
			fmt.Sprintf("request %s: %s -> %s", id, from, status), models.SeverityInfo)
		return err
	})
	return out, err
}

// AddResponse appends a reply inside one transaction so earlier replies are
// never lost. Staff replies notify the request owner.
func (s *Store) AddResponse(id string, resp models.Response, ifRevision int64) (models.Request, error) {
	resp.Message = strings.TrimSpace(resp.Message)
	if err := required("message", resp.Message); err != nil {
		return models.Request{}, err
	}
	var out models.Request
	err := s.Update(func(tx *Tx) error {
		if err := tx.Check(requestKey(id), ifRevision); err != nil {
			return err
		}
		r, err := getRequest(tx, id)
		if err != nil {
			return err
		}
		if r.Status == models.StatusClosed {
			return &ValidationError{Field: "status", Message: "request is closed"}
		}

		resp.ID = newID()
		resp.Timestamp = tx.Now()
		r.Responses = append(r.Responses, resp)
		r.Revision = tx.Revision()
		out = r
		if err := tx.Set(requestKey(id), r); err != nil {
			return err
		}

		staff := resp.AuthorRole == models.RoleAdmin || resp.AuthorRole == models.RoleSupreme
		if staff && resp.AuthorID != r.UserID {
			if owner, err := getUser(tx, r.UserID); err == nil {
				_, err := stageNotification(tx, owner.Email, "request_response",
					"New reply to your request", r.Subject)
				return err
			}
			return nil
		}
		_, err = stageNotification(tx, AdminRecipient, "request_response",
			"Client replied to a request", fmt.Sprintf("%s: %s", r.UserName, r.Subject))
		return err
	})
	return out, err
}

// DeleteRequest removes a request and records who did it.
func (s *Store) DeleteRequest(id, actor string) error {
	return s.Update(func(tx *Tx) error {
		r, err := getRequest(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(requestKey(id)); err != nil {
			return err
		}
		_, err = stageAdminLog(tx, "request_deleted", actor,
			fmt.Sprintf("request %s (%s)", id, r.Subject), models.SeverityWarning)
		return err
	})
}
