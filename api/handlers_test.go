package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"mindgraphix/blob"
	"mindgraphix/config"
	"mindgraphix/db"
	"mindgraphix/logx"
	"mindgraphix/models"
	"mindgraphix/policy"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// testJWTSecret is a fixed secret for generating tokens during tests.
const testJWTSecret = "test-integration-secret-key-needs-to-be-long-enough"

const (
	staffEmail    = "staff@example.com"
	bossEmail     = "boss@example.com"
	bossAnswer    = "Rex"
	testPassword  = "password123"
	maxTestFailed = 3
)

func TestMain(m *testing.M) {
	logx.Silence()
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnv struct {
	handler http.Handler
	store   *db.Store
	cfg     *config.Config
	deps    *Deps
}

// setupTestServer builds the full handler over an in-memory store, a temp
// dir blob store and a policy granting staff@ admin and boss@ supreme.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		JwtSecret:        testJWTSecret,
		TokenLifetime:    time.Hour,
		BcryptCost:       bcrypt.MinCost,
		LoginRate:        1000,
		LoginBurst:       1000,
		MaxLoginAttempts: maxTestFailed,
		LockoutDuration:  time.Minute,
		MaxUploadBytes:   1 << 20,
		MaxTotalBytes:    8 << 20,
	}

	store, err := db.Open(db.NewMemoryBackend(), db.Options{})
	require.NoError(t, err, "Failed to open test store")
	t.Cleanup(func() { _ = store.Close() })

	hash, err := policy.HashAnswer(bossAnswer, bcrypt.MinCost)
	require.NoError(t, err)
	p, err := policy.Parse([]byte(fmt.Sprintf(`
grants:
  admin: [%s]
  supreme: [%s]
supreme:
  question: "First pet?"
  answer_hash: "%s"
`, staffEmail, bossEmail, hash)))
	require.NoError(t, err)

	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)

	deps := NewDeps(store, cfg, policy.Static(p), blobs)
	return &testEnv{handler: NewHandler(deps), store: store, cfg: cfg, deps: deps}
}

// performRequest executes an HTTP request against the test handler.
func (e *testEnv) performRequest(method, path string, body io.Reader, token string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil && method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// Helper to marshal data to JSON bytes buffer for request body
func marshalJSONBody(t *testing.T, data interface{}) *bytes.Buffer {
	t.Helper()
	bodyBytes, err := json.Marshal(data)
	require.NoError(t, err, "Failed to marshal JSON body for request")
	return bytes.NewBuffer(bodyBytes)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

// registerAndLogin creates an account and returns its id and token.
func (e *testEnv) registerAndLogin(t *testing.T, email, name string) (string, string) {
	t.Helper()
	rr := e.performRequest(http.MethodPost, "/auth/register", marshalJSONBody(t, gin.H{
		"name": name, "email": email, "password": testPassword,
	}), "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	user := decode[models.UserAccount](t, rr)
	return user.ID, e.login(t, email, testPassword).Token
}

func (e *testEnv) login(t *testing.T, email, password string) LoginResponse {
	t.Helper()
	rr := e.performRequest(http.MethodPost, "/auth/login", marshalJSONBody(t, gin.H{"email": email, "password": password}), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[LoginResponse](t, rr)
}

func (e *testEnv) elevate(t *testing.T, token string) string {
	t.Helper()
	rr := e.performRequest(http.MethodPost, "/auth/elevate", marshalJSONBody(t, gin.H{"answer": bossAnswer}), token)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[LoginResponse](t, rr).Token
}

// --- Authentication ---

func TestPing(t *testing.T) {
	env := setupTestServer(t)
	rr := env.performRequest(http.MethodGet, "/api/ping", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pong")
}

func TestAuthEndpoints(t *testing.T) {
	env := setupTestServer(t)

	t.Run("Register Success", func(t *testing.T) {
		rr := env.performRequest(http.MethodPost, "/auth/register", marshalJSONBody(t, gin.H{
			"name": "Ada", "email": "ada@example.com", "password": testPassword, "phone": "555-0100",
		}), "")
		require.Equal(t, http.StatusCreated, rr.Code)
		body := decode[map[string]any](t, rr)
		assert.Equal(t, "ada@example.com", body["email"])
		assert.Equal(t, string(models.RoleUser), body["role"])
		assert.NotContains(t, body, "password_hash")
		assert.NotEmpty(t, rr.Header().Get("ETag"))
	})

	t.Run("Register Duplicate Email Any Case", func(t *testing.T) {
		before := env.store.Revision()
		rr := env.performRequest(http.MethodPost, "/auth/register", marshalJSONBody(t, gin.H{
			"name": "Ada Again", "email": "ADA@Example.com", "password": testPassword,
		}), "")
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, before, env.store.Revision(), "a rejected registration writes nothing")
		assert.Equal(t, 1, env.store.CountUsers())
	})

	t.Run("Register Short Password", func(t *testing.T) {
		rr := env.performRequest(http.MethodPost, "/auth/register", marshalJSONBody(t, gin.H{
			"name": "Bob", "email": "bob@example.com", "password": "short",
		}), "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Login Success", func(t *testing.T) {
		resp := env.login(t, "ada@example.com", testPassword)
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, models.RoleUser, resp.Tier)
		assert.False(t, resp.CanElevate)
		assert.Empty(t, resp.User.PasswordHash)

		rr := env.performRequest(http.MethodGet, "/me", nil, resp.Token)
		require.Equal(t, http.StatusOK, rr.Code)
		me := decode[MeResponse](t, rr)
		assert.Equal(t, "ada@example.com", me.User.Email)
		assert.Equal(t, models.RoleUser, me.Tier)
	})

	t.Run("Login Errors Are Generic", func(t *testing.T) {
		wrong := env.performRequest(http.MethodPost, "/auth/login", marshalJSONBody(t, gin.H{"email": "ada@example.com", "password": "nope-nope"}), "")
		unknown := env.performRequest(http.MethodPost, "/auth/login", marshalJSONBody(t, gin.H{"email": "ghost@example.com", "password": "nope-nope"}), "")
		assert.Equal(t, http.StatusUnauthorized, wrong.Code)
		assert.Equal(t, http.StatusUnauthorized, unknown.Code)
		assert.Equal(t, wrong.Body.String(), unknown.Body.String())

		id, _ := env.registerAndLogin(t, "off@example.com", "Off")
		inactive := false
		_, err := env.store.UpdateUser(id, db.UserPatch{IsActive: &inactive}, db.AnyRevision)
		require.NoError(t, err)
		disabled := env.performRequest(http.MethodPost, "/auth/login", marshalJSONBody(t, gin.H{"email": "off@example.com", "password": testPassword}), "")
		assert.Equal(t, http.StatusUnauthorized, disabled.Code, "a disabled account with the right password")
		assert.Equal(t, wrong.Body.String(), disabled.Body.String())
	})

	t.Run("Logout Revokes Session", func(t *testing.T) {
		token := env.login(t, "ada@example.com", testPassword).Token
		rr := env.performRequest(http.MethodPost, "/auth/logout", nil, token)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		rr = env.performRequest(http.MethodGet, "/me", nil, token)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("Unauthenticated Access", func(t *testing.T) {
		rr := env.performRequest(http.MethodGet, "/me", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		rr = env.performRequest(http.MethodGet, "/me", nil, "not-a-token")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestLoginLockout(t *testing.T) {
	env := setupTestServer(t)
	env.registerAndLogin(t, "lock@example.com", "Lock")

	for i := 0; i < maxTestFailed; i++ {
		rr := env.performRequest(http.MethodPost, "/auth/login", marshalJSONBody(t, gin.H{"email": "lock@example.com", "password": "wrong-password"}), "")
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	rr := env.performRequest(http.MethodPost, "/auth/login", marshalJSONBody(t, gin.H{"email": "lock@example.com", "password": testPassword}), "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code, "the right password is refused while locked")
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	logs := env.store.ListAdminLogs("", 0)
	require.NotEmpty(t, logs)
	assert.Equal(t, "account_locked", logs[0].Action)
}

func TestChangePassword(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.registerAndLogin(t, "pw@example.com", "Pw")

	rr := env.performRequest(http.MethodPut, "/me/password", marshalJSONBody(t, gin.H{"current_password": "wrong-one", "new_password": "brand-new-pass"}), token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.performRequest(http.MethodPut, "/me/password", marshalJSONBody(t, gin.H{"current_password": testPassword, "new_password": "brand-new-pass"}), token)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.performRequest(http.MethodGet, "/me", nil, token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "changing the password revokes sessions")
	env.login(t, "pw@example.com", "brand-new-pass")
}

func TestAdminResetsPassword(t *testing.T) {
	env := setupTestServer(t)
	clientID, clientToken := env.registerAndLogin(t, "forgetful@example.com", "Forgetful")
	_, bossToken := env.registerAndLogin(t, bossEmail, "Boss")
	supreme := env.elevate(t, bossToken)

	rr := env.performRequest(http.MethodPost, "/admin/users/"+clientID+"/password", nil, supreme)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	generated := decode[map[string]string](t, rr)["password"]
	require.Len(t, generated, 16)

	rr = env.performRequest(http.MethodGet, "/me", nil, clientToken)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "old sessions end with the reset")
	env.login(t, "forgetful@example.com", generated)

	rr = env.performRequest(http.MethodPost, "/admin/users/"+clientID+"/password", marshalJSONBody(t, gin.H{"password": "short"}), supreme)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.performRequest(http.MethodPost, "/admin/users/missing/password", nil, supreme)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	logs := env.store.ListAdminLogs(models.SeverityWarning, 0)
	require.NotEmpty(t, logs)
	assert.Equal(t, "user_password_reset", logs[0].Action)
}

// --- Privilege tiers ---

func TestCapabilities(t *testing.T) {
	env := setupTestServer(t)
	_, userToken := env.registerAndLogin(t, "client@example.com", "Client")
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")

	body := func() io.Reader { return marshalJSONBody(t, gin.H{"value": "Welcome"}) }

	rr := env.performRequest(http.MethodPut, "/content/hero.title", body(), "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.performRequest(http.MethodPut, "/content/hero.title", body(), userToken)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.performRequest(http.MethodPut, "/content/hero.title", body(), staffToken)
	assert.Equal(t, http.StatusOK, rr.Code, "a granted admin may edit content")

	rr = env.performRequest(http.MethodGet, "/admin/users", nil, staffToken)
	assert.Equal(t, http.StatusForbidden, rr.Code, "user management needs supreme")
}

func TestDemotionAppliesImmediately(t *testing.T) {
	env := setupTestServer(t)
	_, bossToken := env.registerAndLogin(t, bossEmail, "Boss")
	supreme := env.elevate(t, bossToken)

	rr := env.performRequest(http.MethodPost, "/admin/users", marshalJSONBody(t, gin.H{
		"name": "Helper", "email": "helper@example.com", "role": "admin", "password": testPassword,
	}), supreme)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	helper := decode[CreateUserResponse](t, rr).User
	assert.Empty(t, decode[CreateUserResponse](t, rr).Password, "no password is generated when one is given")

	helperToken := env.login(t, "helper@example.com", testPassword).Token
	rr = env.performRequest(http.MethodGet, "/admin/logs", nil, helperToken)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.performRequest(http.MethodPut, "/admin/users/"+helper.ID, marshalJSONBody(t, gin.H{"role": "user"}), supreme)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.performRequest(http.MethodGet, "/admin/logs", nil, helperToken)
	assert.Equal(t, http.StatusForbidden, rr.Code, "the old token carries admin but the account is now a user")
}

func TestElevation(t *testing.T) {
	env := setupTestServer(t)
	_, userToken := env.registerAndLogin(t, "client@example.com", "Client")
	env.registerAndLogin(t, bossEmail, "Boss")

	login := env.login(t, bossEmail, testPassword)
	assert.Equal(t, models.RoleAdmin, login.Tier, "login never grants supreme")
	assert.True(t, login.CanElevate)

	t.Run("Question", func(t *testing.T) {
		rr := env.performRequest(http.MethodGet, "/auth/elevate", nil, login.Token)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "First pet?", decode[map[string]string](t, rr)["question"])

		rr = env.performRequest(http.MethodGet, "/auth/elevate", nil, userToken)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("Wrong Answer", func(t *testing.T) {
		rr := env.performRequest(http.MethodPost, "/auth/elevate", marshalJSONBody(t, gin.H{"answer": "Fido"}), login.Token)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("Right Answer", func(t *testing.T) {
		rr := env.performRequest(http.MethodGet, "/admin/users", nil, login.Token)
		assert.Equal(t, http.StatusForbidden, rr.Code)

		rr = env.performRequest(http.MethodPost, "/auth/elevate", marshalJSONBody(t, gin.H{"answer": "  rex "}), login.Token)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		elevated := decode[LoginResponse](t, rr)
		assert.Equal(t, models.RoleSupreme, elevated.Tier)

		rr = env.performRequest(http.MethodGet, "/admin/users", nil, elevated.Token)
		require.Equal(t, http.StatusOK, rr.Code)
		page := decode[db.Page[models.UserAccount]](t, rr)
		assert.Equal(t, 2, page.Total)
		for _, u := range page.Items {
			assert.Empty(t, u.PasswordHash)
		}

		rr = env.performRequest(http.MethodGet, "/me", nil, login.Token)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "the pre-elevation session is revoked")

		logs := env.store.ListAdminLogs(models.SeverityWarning, 0)
		require.NotEmpty(t, logs)
		assert.Equal(t, "supreme_elevation", logs[0].Action)
	})
}

// --- Content ---

func TestContentEndpoints(t *testing.T) {
	env := setupTestServer(t)
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")

	var etag string
	t.Run("Update And Read", func(t *testing.T) {
		rr := env.performRequest(http.MethodPut, "/content/hero.title", marshalJSONBody(t, gin.H{"value": "Hello"}), staffToken)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		etag = rr.Header().Get("ETag")
		require.NotEmpty(t, etag)

		rr = env.performRequest(http.MethodGet, "/content/hero.title", nil, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, etag, rr.Header().Get("ETag"))
		entry := decode[models.ContentEntry](t, rr)
		assert.JSONEq(t, `"Hello"`, string(entry.Value))
	})

	t.Run("Stale If-Match Conflicts", func(t *testing.T) {
		rr := env.performRequest(http.MethodPut, "/content/hero.title", marshalJSONBody(t, gin.H{"value": "Second"}), staffToken, "If-Match", etag)
		require.Equal(t, http.StatusOK, rr.Code)

		rr = env.performRequest(http.MethodPut, "/content/hero.title", marshalJSONBody(t, gin.H{"value": "Lost update"}), staffToken, "If-Match", etag)
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.NotEqual(t, etag, rr.Header().Get("ETag"), "the conflict reports the current revision")

		rr = env.performRequest(http.MethodPut, "/content/hero.title", nil, staffToken, "If-Match", "abc")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Schema Violation", func(t *testing.T) {
		rr := env.performRequest(http.MethodPut, "/content/hero.title", marshalJSONBody(t, gin.H{"value": 42}), staffToken)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Batch And Blob", func(t *testing.T) {
		rr := env.performRequest(http.MethodPut, "/content", marshalJSONBody(t, gin.H{
			"about.body":   "We make **brands**.",
			"theme.colors": gin.H{"primary": "#112233"},
		}), staffToken)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		rr = env.performRequest(http.MethodGet, "/content", nil, "")
		require.Equal(t, http.StatusOK, rr.Code)
		content := decode[map[string]json.RawMessage](t, rr)
		assert.Len(t, content, 3)
		assert.JSONEq(t, `"Second"`, string(content["hero.title"]))

		rr = env.performRequest(http.MethodGet, "/content/theme.colors.primary", nil, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `"#112233"`, string(decode[models.ContentEntry](t, rr).Value))
	})

	t.Run("Render Markdown", func(t *testing.T) {
		rr := env.performRequest(http.MethodGet, "/content/about.body/html", nil, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rr.Body.String(), "<strong>brands</strong>")
	})

	t.Run("Export Import Round Trip", func(t *testing.T) {
		rr := env.performRequest(http.MethodGet, "/admin/content/export", nil, staffToken)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")
		exported := rr.Body.Bytes()

		rr = env.performRequest(http.MethodDelete, "/content/hero.title", nil, staffToken)
		require.Equal(t, http.StatusNoContent, rr.Code)
		rr = env.performRequest(http.MethodGet, "/content/hero.title", nil, "")
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = env.performRequest(http.MethodPost, "/admin/content/import?mode=merge", bytes.NewReader(exported), staffToken)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, 3, decode[db.ImportResult](t, rr).Written)

		rr = env.performRequest(http.MethodGet, "/content/hero.title", nil, "")
		assert.Equal(t, http.StatusOK, rr.Code)

		logs := env.store.ListAdminLogs("", 1)
		require.Len(t, logs, 1)
		assert.Equal(t, "content_import", logs[0].Action)
		assert.Equal(t, staffEmail, logs[0].User)
	})

	t.Run("Import Rejects Tampered Export", func(t *testing.T) {
		rr := env.performRequest(http.MethodGet, "/admin/content/export", nil, staffToken)
		tampered := strings.Replace(rr.Body.String(), "Second", "Forged", 1)
		rr = env.performRequest(http.MethodPost, "/admin/content/import", strings.NewReader(tampered), staffToken)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Export Keeps Markup Characters", func(t *testing.T) {
		rr := env.performRequest(http.MethodPut, "/content/custom.styles", marshalJSONBody(t, gin.H{"value": "div > p & <x>"}), staffToken)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		rr = env.performRequest(http.MethodGet, "/admin/content/export", nil, staffToken)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"div > p & <x>"`)
		exported := rr.Body.Bytes()

		before := env.store.Revision()
		rr = env.performRequest(http.MethodPost, "/admin/content/import", bytes.NewReader(exported), staffToken)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, before, decode[db.ImportResult](t, rr).Revision, "importing an unchanged export writes nothing")

		rr = env.performRequest(http.MethodGet, "/content/custom.styles", nil, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"div > p & <x>"`)
	})
}

// --- Requests ---

func TestRequestWorkflow(t *testing.T) {
	env := setupTestServer(t)
	_, clientToken := env.registerAndLogin(t, "client@example.com", "Client")
	_, otherToken := env.registerAndLogin(t, "other@example.com", "Other")
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")

	rr := env.performRequest(http.MethodPost, "/requests", marshalJSONBody(t, gin.H{
		"subject": "Logo redesign", "message": "Need it by Friday", "priority": "urgent",
	}), clientToken)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	req := decode[models.Request](t, rr)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, models.PriorityUrgent, req.Priority)

	t.Run("Visibility", func(t *testing.T) {
		rr := env.performRequest(http.MethodGet, "/requests/"+req.ID, nil, otherToken)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = env.performRequest(http.MethodGet, "/requests", nil, otherToken)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Zero(t, decode[db.Page[models.Request]](t, rr).Total)

		rr = env.performRequest(http.MethodGet, "/requests?priority=urgent", nil, staffToken)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, decode[db.Page[models.Request]](t, rr).Total)
	})

	t.Run("Only Staff Change Status", func(t *testing.T) {
		rr := env.performRequest(http.MethodPut, "/requests/"+req.ID+"/status", marshalJSONBody(t, gin.H{"status": "resolved"}), clientToken)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("Responses Append", func(t *testing.T) {
		rr := env.performRequest(http.MethodPost, "/requests/"+req.ID+"/responses", marshalJSONBody(t, gin.H{"message": "On it"}), staffToken)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		rr = env.performRequest(http.MethodPost, "/requests/"+req.ID+"/responses", marshalJSONBody(t, gin.H{"message": "Thanks"}), clientToken)
		require.Equal(t, http.StatusCreated, rr.Code)
		updated := decode[models.Request](t, rr)
		require.Len(t, updated.Responses, 2)
		assert.Equal(t, models.RoleAdmin, updated.Responses[0].AuthorRole)
		assert.Equal(t, "Thanks", updated.Responses[1].Message)
	})

	t.Run("Pending To Resolved Logs Once", func(t *testing.T) {
		rr := env.performRequest(http.MethodPut, "/requests/"+req.ID+"/status", marshalJSONBody(t, gin.H{"status": "resolved"}), staffToken)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, models.StatusResolved, decode[models.Request](t, rr).Status)

		var statusLogs []models.AdminLog
		for _, l := range env.store.ListAdminLogs("", 0) {
			if l.Action == "request_status" {
				statusLogs = append(statusLogs, l)
			}
		}
		require.Len(t, statusLogs, 1)
		assert.Equal(t, staffEmail, statusLogs[0].User)
		assert.Contains(t, statusLogs[0].Details, "pending -> resolved")

		rr = env.performRequest(http.MethodGet, "/notifications?unread=true", nil, clientToken)
		require.Equal(t, http.StatusOK, rr.Code)
		inbox := decode[NotificationList](t, rr)
		require.NotEmpty(t, inbox.Items)
		assert.Equal(t, "request_status", inbox.Items[0].Type)
	})

	t.Run("Closed Is Final", func(t *testing.T) {
		rr := env.performRequest(http.MethodPut, "/requests/"+req.ID+"/status", marshalJSONBody(t, gin.H{"status": "closed"}), staffToken)
		require.Equal(t, http.StatusOK, rr.Code)
		rr = env.performRequest(http.MethodPut, "/requests/"+req.ID+"/status", marshalJSONBody(t, gin.H{"status": "pending"}), staffToken)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		rr = env.performRequest(http.MethodPost, "/requests/"+req.ID+"/responses", marshalJSONBody(t, gin.H{"message": "Hello?"}), clientToken)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Delete", func(t *testing.T) {
		rr := env.performRequest(http.MethodDelete, "/requests/"+req.ID, nil, staffToken)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		rr = env.performRequest(http.MethodGet, "/requests/"+req.ID, nil, staffToken)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

// --- Chats and notifications ---

func TestChatWorkflow(t *testing.T) {
	env := setupTestServer(t)
	_, clientToken := env.registerAndLogin(t, "client@example.com", "Client")
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")

	rr := env.performRequest(http.MethodPost, "/chats", marshalJSONBody(t, gin.H{"message": "Hi there"}), clientToken)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	chat := decode[models.ChatSession](t, rr)
	require.Len(t, chat.Messages, 1)

	rr = env.performRequest(http.MethodPost, "/chats/"+chat.ID+"/messages", marshalJSONBody(t, gin.H{"text": "Hello, how can we help?"}), staffToken)
	require.Equal(t, http.StatusCreated, rr.Code)
	chat = decode[models.ChatSession](t, rr)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, models.RoleAdmin, chat.Messages[1].SenderRole)

	rr = env.performRequest(http.MethodGet, "/notifications", nil, clientToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[NotificationList](t, rr).Unread)

	rr = env.performRequest(http.MethodPost, "/notifications/read-all", nil, clientToken)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.performRequest(http.MethodGet, "/notifications", nil, clientToken)
	assert.Zero(t, decode[NotificationList](t, rr).Unread)

	rr = env.performRequest(http.MethodPost, "/chats/"+chat.ID+"/close", nil, clientToken)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.performRequest(http.MethodPost, "/chats/"+chat.ID+"/messages", marshalJSONBody(t, gin.H{"text": "One more thing"}), clientToken)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.performRequest(http.MethodGet, "/admin/notifications", nil, staffToken)
	require.Equal(t, http.StatusOK, rr.Code)
	admin := decode[NotificationList](t, rr)
	require.NotEmpty(t, admin.Items)
	assert.Equal(t, "chat", admin.Items[0].Type)

	rr = env.performRequest(http.MethodGet, "/admin/notifications", nil, clientToken)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestSendNotification(t *testing.T) {
	env := setupTestServer(t)
	_, clientToken := env.registerAndLogin(t, "client@example.com", "Client")
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")

	rr := env.performRequest(http.MethodPost, "/admin/notifications", marshalJSONBody(t, gin.H{"recipient": "nobody@example.com", "title": "Hi"}), staffToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.performRequest(http.MethodPost, "/admin/notifications", marshalJSONBody(t, gin.H{"recipient": "Client@Example.com", "title": "Invoice ready"}), staffToken)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sent := decode[models.Notification](t, rr)

	rr = env.performRequest(http.MethodPost, "/notifications/"+sent.ID+"/read", nil, clientToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[models.Notification](t, rr).Read)

	rr = env.performRequest(http.MethodDelete, "/notifications/"+sent.ID, nil, clientToken)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, env.store.ListNotifications("client@example.com", false))
}

// --- Quotes ---

func TestQuotes(t *testing.T) {
	env := setupTestServer(t)
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")

	rr := env.performRequest(http.MethodPost, "/quotes", marshalJSONBody(t, gin.H{"name": "Eve", "email": "not-an-email", "message": "Website"}), "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.performRequest(http.MethodPost, "/quotes", marshalJSONBody(t, gin.H{"name": "Eve", "email": "eve@example.com", "service": "web", "message": "Website please"}), "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	q := decode[models.Quote](t, rr)

	rr = env.performRequest(http.MethodGet, "/admin/quotes", nil, staffToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[db.Page[models.Quote]](t, rr).Total)

	rr = env.performRequest(http.MethodGet, "/admin/quotes/"+q.ID, nil, staffToken)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = env.performRequest(http.MethodDelete, "/admin/quotes/"+q.ID, nil, staffToken)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = env.performRequest(http.MethodGet, "/admin/quotes/"+q.ID, nil, staffToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// --- Files ---

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestFileEndpoints(t *testing.T) {
	env := setupTestServer(t)
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")
	_, clientToken := env.registerAndLogin(t, "client@example.com", "Client")
	content := []byte("%PDF-1.4 brief")

	body, contentType := multipartBody(t, "file", "brief.pdf", content)
	rr := env.performRequest(http.MethodPost, "/files", body, staffToken, "Content-Type", contentType)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	file := decode[models.UploadedFile](t, rr)
	assert.Equal(t, "brief.pdf", file.Name)
	assert.Equal(t, int64(len(content)), file.Size)
	assert.Len(t, file.Checksum, 64)

	t.Run("Clients Cannot Manage Files", func(t *testing.T) {
		rr := env.performRequest(http.MethodGet, "/files", nil, clientToken)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("Download Streams Body", func(t *testing.T) {
		rr := env.performRequest(http.MethodGet, "/files/"+file.ID+"/download", nil, staffToken)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, content, rr.Body.Bytes())
		assert.Contains(t, rr.Header().Get("Content-Disposition"), "brief.pdf")
		assert.Equal(t, file.Checksum, rr.Header().Get("X-Checksum-Sha256"))
	})

	t.Run("Too Large", func(t *testing.T) {
		env.cfg.MaxUploadBytes = 4
		defer func() { env.cfg.MaxUploadBytes = 1 << 20 }()
		body, contentType := multipartBody(t, "file", "big.bin", content)
		rr := env.performRequest(http.MethodPost, "/files", body, staffToken, "Content-Type", contentType)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("Missing Field", func(t *testing.T) {
		body, contentType := multipartBody(t, "attachment", "x.txt", content)
		rr := env.performRequest(http.MethodPost, "/files", body, staffToken, "Content-Type", contentType)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Delete", func(t *testing.T) {
		rr := env.performRequest(http.MethodDelete, "/files/"+file.ID, nil, staffToken)
		require.Equal(t, http.StatusNoContent, rr.Code)
		rr = env.performRequest(http.MethodGet, "/files/"+file.ID+"/download", nil, staffToken)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		_, err := env.deps.Blobs.Open(t.Context(), file.StorageKey)
		assert.ErrorIs(t, err, blob.ErrNotFound)
	})
}

// --- System ---

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")

	rr := env.performRequest(http.MethodGet, "/admin/health", nil, staffToken)
	require.Equal(t, http.StatusOK, rr.Code)
	health := decode[HealthResponse](t, rr)
	assert.Equal(t, "ok", health.Status)
	assert.Positive(t, health.Goroutines)
	assert.Positive(t, health.HeapAlloc)
	assert.Equal(t, 1, health.Users)
	assert.Equal(t, env.store.Revision(), health.Store.Revision)
}

func TestBackupRestoreReset(t *testing.T) {
	env := setupTestServer(t)
	_, bossToken := env.registerAndLogin(t, bossEmail, "Boss")
	supreme := env.elevate(t, bossToken)
	_, err := env.store.UpdateContent("hero.title", json.RawMessage(`"Kept"`), db.AnyRevision)
	require.NoError(t, err)

	rr := env.performRequest(http.MethodGet, "/admin/backup", nil, supreme)
	require.Equal(t, http.StatusOK, rr.Code)
	backup := decode[db.Backup](t, rr)
	assert.Equal(t, db.BackupFormat, backup.Format)
	for key := range backup.Entries {
		assert.False(t, strings.HasPrefix(key, "sessions/"), "sessions are never exported: %s", key)
	}
	data := rr.Body.Bytes()

	rr = env.performRequest(http.MethodPost, "/admin/reset", nil, supreme)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "reset needs confirmation")

	rr = env.performRequest(http.MethodPost, "/admin/reset?confirm=yes&prefix=siteContent/", nil, supreme)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.performRequest(http.MethodGet, "/content/hero.title", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.performRequest(http.MethodPost, "/admin/restore", bytes.NewReader(data), supreme)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = env.performRequest(http.MethodGet, "/content/hero.title", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.performRequest(http.MethodGet, "/me", nil, supreme)
	assert.Equal(t, http.StatusOK, rr.Code, "restoring keeps login sessions")
}

func TestEventStream(t *testing.T) {
	env := setupTestServer(t)
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/events?prefix=siteContent/&token=" + staffToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.store.Stats().Subscribers == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = env.store.Notify(db.AdminRecipient, "note", "ignored", "")
	require.NoError(t, err)
	_, err = env.store.UpdateContent("hero.title", json.RawMessage(`"Live"`), db.AnyRevision)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var change models.Change
	require.NoError(t, conn.ReadJSON(&change))
	assert.Equal(t, "siteContent/hero.title", change.Key, "keys outside the prefix are filtered")
	assert.Equal(t, models.ChangePut, change.Op)
}

func TestEventStream_ClosesWhenSessionEnds(t *testing.T) {
	env := setupTestServer(t)
	env.deps.pingPeriod = 20 * time.Millisecond
	_, staffToken := env.registerAndLogin(t, staffEmail, "Staff")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/events?token=" + staffToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.store.Stats().Subscribers == 1 }, 2*time.Second, 10*time.Millisecond)

	rr := env.performRequest(http.MethodPost, "/auth/logout", nil, staffToken)
	require.Equal(t, http.StatusNoContent, rr.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	require.Eventually(t, func() bool { return env.store.Stats().Subscribers == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStream_RequiresCapability(t *testing.T) {
	env := setupTestServer(t)
	_, clientToken := env.registerAndLogin(t, "client@example.com", "Client")

	rr := env.performRequest(http.MethodGet, "/admin/events?token="+clientToken, nil, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
