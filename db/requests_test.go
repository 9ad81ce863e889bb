package db

import (
	"fmt"
	"testing"

	"mindgraphix/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerTestUser(t *testing.T, s *Store, email string) models.UserAccount {
	t.Helper()
	u, err := s.RegisterUser(models.UserAccount{Name: "Test User", Email: email, PasswordHash: "$2a$04$hash"})
	require.NoError(t, err)
	return u
}

func createTestRequest(t *testing.T, s *Store, owner models.UserAccount, priority models.Priority) models.Request {
	t.Helper()
	r, err := s.CreateRequest(models.Request{
		UserID:   owner.ID,
		UserName: owner.Name,
		Subject:  "Logo redesign",
		Message:  "We need a fresh logo.",
		Priority: priority,
	})
	require.NoError(t, err)
	return r
}

func TestCanTransition(t *testing.T) {
	all := []models.RequestStatus{models.StatusPending, models.StatusInProgress, models.StatusResolved, models.StatusClosed}
	allowed := map[string]bool{
		"pending->in_progress": true, "pending->resolved": true, "pending->closed": true,
		"in_progress->pending": true, "in_progress->resolved": true, "in_progress->closed": true,
		"resolved->in_progress": true, "resolved->closed": true,
	}
	for _, from := range all {
		for _, to := range all {
			name := fmt.Sprintf("%s->%s", from, to)
			t.Run(name, func(t *testing.T) {
				want := allowed[name] || from == to
				assert.Equal(t, want, CanTransition(from, to))
			})
		}
	}
	assert.False(t, CanTransition("archived", "archived"), "unknown statuses never transition")
}

func TestCreateRequest(t *testing.T) {
	s := setupTestStore(t)
	owner := registerTestUser(t, s, "client@example.com")

	r := createTestRequest(t, s, owner, "")
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, models.PriorityMedium, r.Priority, "priority defaults to medium")
	assert.NotNil(t, r.Responses)
	assert.False(t, r.Timestamp.IsZero())

	admin := s.ListNotifications(AdminRecipient, false)
	require.Len(t, admin, 1)
	assert.Equal(t, "request", admin[0].Type)

	_, err := s.CreateRequest(models.Request{UserID: owner.ID, Subject: "x", Message: "y", Priority: "asap"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.CreateRequest(models.Request{UserID: owner.ID, Subject: "  ", Message: "y"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateRequestStatus(t *testing.T) {
	s := setupTestStore(t)
	owner := registerTestUser(t, s, "client@example.com")

	t.Run("Urgent request resolved directly keeps a single record", func(t *testing.T) {
		r := createTestRequest(t, s, owner, models.PriorityUrgent)

		updated, err := s.UpdateRequestStatus(r.ID, models.StatusResolved, "admin@example.com", r.Revision)
		require.NoError(t, err)
		assert.Equal(t, r.ID, updated.ID)
		assert.Equal(t, models.StatusResolved, updated.Status)
		assert.Greater(t, updated.Revision, r.Revision)

		page, err := s.ListRequests(RequestFilter{}, ListOptions{})
		require.NoError(t, err)
		matches := 0
		for _, item := range page.Items {
			if item.ID == r.ID {
				matches++
			}
		}
		assert.Equal(t, 1, matches)

		notes := s.ListNotifications(owner.Email, false)
		require.NotEmpty(t, notes)
		assert.Equal(t, "request_status", notes[0].Type)

		logs := s.ListAdminLogs("", 1)
		require.Len(t, logs, 1)
		assert.Equal(t, "request_status", logs[0].Action)
		assert.Equal(t, "admin@example.com", logs[0].User)
	})

	t.Run("Same status is a no-op", func(t *testing.T) {
		r := createTestRequest(t, s, owner, models.PriorityLow)
		before := s.Revision()
		same, err := s.UpdateRequestStatus(r.ID, models.StatusPending, "admin", AnyRevision)
		require.NoError(t, err)
		assert.Equal(t, r.Revision, same.Revision)
		assert.Equal(t, before, s.Revision())
	})

	t.Run("Closed is terminal", func(t *testing.T) {
		r := createTestRequest(t, s, owner, models.PriorityHigh)
		_, err := s.UpdateRequestStatus(r.ID, models.StatusClosed, "admin", AnyRevision)
		require.NoError(t, err)

		_, err = s.UpdateRequestStatus(r.ID, models.StatusPending, "admin", AnyRevision)
		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, models.StatusClosed, terr.From)
		assert.Equal(t, models.StatusPending, terr.To)
	})

	t.Run("Stale revision", func(t *testing.T) {
		r := createTestRequest(t, s, owner, models.PriorityHigh)
		_, err := s.UpdateRequestStatus(r.ID, models.StatusInProgress, "admin", r.Revision)
		require.NoError(t, err)
		_, err = s.UpdateRequestStatus(r.ID, models.StatusResolved, "admin", r.Revision)
		assert.ErrorIs(t, err, ErrRevisionConflict)
	})

	t.Run("Unknown status and request", func(t *testing.T) {
		_, err := s.UpdateRequestStatus("nope", "done", "admin", AnyRevision)
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.UpdateRequestStatus("nope", models.StatusResolved, "admin", AnyRevision)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAddResponse(t *testing.T) {
	s := setupTestStore(t)
	owner := registerTestUser(t, s, "client@example.com")
	r := createTestRequest(t, s, owner, models.PriorityMedium)

	first, err := s.AddResponse(r.ID, models.Response{AuthorID: "staff-1", AuthorName: "Ada", AuthorRole: models.RoleAdmin, Message: "On it"}, r.Revision)
	require.NoError(t, err)
	second, err := s.AddResponse(r.ID, models.Response{AuthorID: owner.ID, AuthorName: owner.Name, AuthorRole: models.RoleUser, Message: "Thanks!"}, first.Revision)
	require.NoError(t, err)

	require.Len(t, second.Responses, 2, "earlier replies are kept")
	assert.Equal(t, "On it", second.Responses[0].Message)
	assert.Equal(t, "Thanks!", second.Responses[1].Message)
	assert.NotEqual(t, second.Responses[0].ID, second.Responses[1].ID)

	stored, err := s.GetRequest(r.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Revision, stored.Revision)
	assert.Len(t, stored.Responses, 2)

	ownerNotes := s.ListNotifications(owner.Email, false)
	require.Len(t, ownerNotes, 1, "staff replies notify the owner")
	assert.Equal(t, "request_response", ownerNotes[0].Type)
	adminNotes := s.ListNotifications(AdminRecipient, false)
	assert.Equal(t, "request_response", adminNotes[0].Type, "client replies notify the admins")

	t.Run("Stale revision loses no replies", func(t *testing.T) {
		_, err := s.AddResponse(r.ID, models.Response{Message: "late"}, first.Revision)
		assert.ErrorIs(t, err, ErrRevisionConflict)
		stored, err := s.GetRequest(r.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Responses, 2)
	})

	t.Run("Empty message", func(t *testing.T) {
		_, err := s.AddResponse(r.ID, models.Response{Message: "   "}, AnyRevision)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Closed request", func(t *testing.T) {
		_, err := s.UpdateRequestStatus(r.ID, models.StatusClosed, "admin", AnyRevision)
		require.NoError(t, err)
		_, err = s.AddResponse(r.ID, models.Response{Message: "hello?"}, AnyRevision)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestListRequests_Filters(t *testing.T) {
	s := setupTestStore(t)
	alice := registerTestUser(t, s, "alice@example.com")
	bob := registerTestUser(t, s, "bob@example.com")

	createTestRequest(t, s, alice, models.PriorityUrgent)
	r2 := createTestRequest(t, s, alice, models.PriorityLow)
	createTestRequest(t, s, bob, models.PriorityUrgent)
	_, err := s.UpdateRequestStatus(r2.ID, models.StatusInProgress, "admin", AnyRevision)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		filter RequestFilter
		opts   ListOptions
		want   int
	}{
		{name: "All", want: 3},
		{name: "By owner", filter: RequestFilter{UserID: alice.ID}, want: 2},
		{name: "By status", filter: RequestFilter{Status: models.StatusInProgress}, want: 1},
		{name: "By priority", filter: RequestFilter{Priority: models.PriorityUrgent}, want: 2},
		{name: "Owner and priority", filter: RequestFilter{UserID: bob.ID, Priority: models.PriorityUrgent}, want: 1},
		{name: "Query", opts: ListOptions{Query: []string{`priority equals "low"`}}, want: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := s.ListRequests(tc.filter, tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, page.Total)
		})
	}
}

func TestDeleteRequest(t *testing.T) {
	s := setupTestStore(t)
	owner := registerTestUser(t, s, "client@example.com")
	r := createTestRequest(t, s, owner, models.PriorityMedium)

	require.NoError(t, s.DeleteRequest(r.ID, "admin@example.com"))
	_, err := s.GetRequest(r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteRequest(r.ID, "admin@example.com"), ErrNotFound)

	logs := s.ListAdminLogs(models.SeverityWarning, 0)
	require.Len(t, logs, 1)
	assert.Equal(t, "request_deleted", logs[0].Action)
}
