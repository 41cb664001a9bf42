package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"icap/backend/internal/auth"
	"icap/backend/internal/catalog"
	"icap/backend/internal/config"
	"icap/backend/internal/identity"
	"icap/backend/internal/identity/identitytest"
	"icap/backend/internal/logging"
	"icap/backend/internal/metrics"
	"icap/backend/internal/model"
	"icap/backend/internal/ratelimit"
)

type testApp struct {
	url     string
	store   *identitytest.Store
	tokens  *auth.Tokens
	metrics *metrics.Auth
	roles   map[string]model.Role
}

func newTestApp(t *testing.T, limiter *ratelimit.LoginLimiter) *testApp {
	t.Helper()
	cfg := config.Config{JWTSecret: "test-secret", JWTIssuer: "test-issuer", TokenTTL: 15 * time.Minute}
	logger := logging.Discard()
	store := identitytest.NewStore()
	m := metrics.NewAuth()
	tokens, err := auth.NewHMACTokens(cfg.JWTSecret, auth.Options{
		Issuer:            cfg.JWTIssuer,
		TTL:               cfg.TokenTTL,
		Logger:            logger,
		IntegrityFailures: m.ClaimIntegrityFailures,
	})
	if err != nil {
		t.Fatalf("tokens error: %v", err)
	}
	server, err := NewServer(cfg, Dependencies{
		Store:      store,
		Service:    identity.NewService(store, tokens, logger),
		Authorizer: identity.NewAuthorizer(store, logger),
		Metrics:    m,
		Limiter:    limiter,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("server error: %v", err)
	}
	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)

	roles := map[string]model.Role{
		identity.RoleAdmin:   store.AddRole(identity.RoleAdmin),
		identity.RoleTeacher: store.AddRole(identity.RoleTeacher, catalog.GradesView, catalog.GradesEdit),
		"CAJERO":             store.AddRole("CAJERO", catalog.PaymentsCollect),
		"SECRETARIA":         store.AddRole("SECRETARIA", catalog.StudentsView, catalog.RolesView),
	}
	return &testApp{url: app.URL, store: store, tokens: tokens, metrics: m, roles: roles}
}

func (a *testApp) addAccount(ci, email, roleName string) model.Account {
	person := a.store.AddPerson(ci, "Test", "Account")
	if roleName == "" {
		return a.store.AddAccount(person, email, "Secret123", nil)
	}
	role := a.roles[roleName]
	return a.store.AddAccount(person, email, "Secret123", &role)
}

func (a *testApp) addStudent(ci string) model.Student {
	person := a.store.AddPerson(ci, "Test", "Student")
	student := a.store.AddStudent(person)
	a.store.AddAccount(person, ci+"@estudiantes.local", "Secret123", nil)
	return student
}

func doReq(t *testing.T, method, url, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func login(t *testing.T, app *testApp, path string, body map[string]string) string {
	t.Helper()
	resp, payload := doReq(t, http.MethodPost, app.url+path, "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (%v)", path, resp.StatusCode, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" || payload["token_type"] != "bearer" {
		t.Fatalf("login %s: unexpected payload %v", path, payload)
	}
	return token
}

func TestLoginEndpoints(t *testing.T) {
	app := newTestApp(t, nil)
	app.addAccount("1000001", "docente@inst.edu", identity.RoleTeacher)
	app.addAccount("1000002", "caja@inst.edu", "CAJERO")
	app.addStudent("1000003")

	token := login(t, app, "/auth/admin/login", map[string]string{"email": "docente@inst.edu", "password": "Secret123"})
	claims, err := app.tokens.Parse(token)
	if err != nil || claims.Role != identity.RoleTeacher {
		t.Fatalf("expected DOCENTE claim, got %+v (%v)", claims, err)
	}
	login(t, app, "/auth/teacher/login", map[string]string{"ci": "1000001", "password": "Secret123"})
	login(t, app, "/auth/student/login", map[string]string{"ci": "1000003", "password": "Secret123"})

	resp, payload := doReq(t, http.MethodPost, app.url+"/auth/admin/login", "", map[string]string{"email": "caja@inst.edu", "password": "Secret123"})
	if resp.StatusCode != http.StatusForbidden || payload["message"] != identity.MsgAccessDenied || payload["current_role"] != "CAJERO" {
		t.Fatalf("expected 403 Acceso denegado., got %d %v", resp.StatusCode, payload)
	}

	// A student's credentials at the admin portal.
	resp, payload = doReq(t, http.MethodPost, app.url+"/auth/admin/login", "", map[string]string{"ci": "1000003", "password": "Secret123"})
	if resp.StatusCode != http.StatusForbidden || payload["current_role"] != identity.RoleStudent {
		t.Fatalf("expected 403 for student at admin portal, got %d %v", resp.StatusCode, payload)
	}

	_, wrong := doReq(t, http.MethodPost, app.url+"/auth/admin/login", "", map[string]string{"email": "docente@inst.edu", "password": "bad"})
	resp, missing := doReq(t, http.MethodPost, app.url+"/auth/admin/login", "", map[string]string{"email": "nobody@inst.edu", "password": "bad"})
	if resp.StatusCode != http.StatusUnauthorized || wrong["message"] != missing["message"] || wrong["error"] != missing["error"] || len(wrong) != len(missing) {
		t.Fatalf("expected identical 401 bodies, got %v and %v", wrong, missing)
	}

	resp, payload = doReq(t, http.MethodPost, app.url+"/auth/student/login", "", map[string]string{"ci": ""})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	fields, _ := payload["errors"].(map[string]interface{})
	if _, ok := fields["password"]; !ok {
		t.Fatalf("expected password field error, got %v", payload)
	}

	if got := testutil.ToFloat64(app.metrics.Logins.WithLabelValues("admin", "success")); got != 1 {
		t.Fatalf("expected 1 admin success, got %v", got)
	}
	if got := testutil.ToFloat64(app.metrics.Logins.WithLabelValues("admin", string(identity.CodeAccessDenied))); got != 2 {
		t.Fatalf("expected 2 admin access denials, got %v", got)
	}
}

func TestRegisterThenProfile(t *testing.T) {
	app := newTestApp(t, nil)
	body := map[string]string{
		"ci":                    "12345678",
		"nombre":                "Juan",
		"apellido":              "Pérez",
		"password":              "Test1234",
		"password_confirmation": "Test1234",
	}
	resp, payload := doReq(t, http.MethodPost, app.url+"/auth/student/register", "", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, payload)
	}
	token := payload["token"].(string)

	resp, profile := doReq(t, http.MethodGet, app.url+"/auth/profile", token, nil)
	if resp.StatusCode != http.StatusOK || profile["ci"] != "12345678" || profile["rol"] != identity.RoleStudent || profile["tipo"] != "estudiante" {
		t.Fatalf("unexpected profile %d %v", resp.StatusCode, profile)
	}

	resp, payload = doReq(t, http.MethodPost, app.url+"/auth/student/register", "", body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on duplicate ci, got %d (%v)", resp.StatusCode, payload)
	}
}

func TestAuthMiddlewareRejections(t *testing.T) {
	app := newTestApp(t, nil)

	resp, payload := doReq(t, http.MethodGet, app.url+"/auth/profile", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || payload["error"] != string(identity.CodeTokenMissing) || payload["message"] != identity.MsgLoginAgain {
		t.Fatalf("expected token_missing, got %d %v", resp.StatusCode, payload)
	}
	req, _ := http.NewRequest(http.MethodGet, app.url+"/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer ")
	emptyResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	var emptyPayload map[string]interface{}
	_ = json.NewDecoder(emptyResp.Body).Decode(&emptyPayload)
	emptyResp.Body.Close()
	if emptyResp.StatusCode != http.StatusUnauthorized || emptyPayload["error"] != string(identity.CodeTokenMissing) {
		t.Fatalf("expected token_missing for an empty bearer, got %d %v", emptyResp.StatusCode, emptyPayload)
	}
	resp, payload = doReq(t, http.MethodGet, app.url+"/auth/profile", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized || payload["error"] != string(identity.CodeTokenInvalid) {
		t.Fatalf("expected token_invalid, got %d %v", resp.StatusCode, payload)
	}

	expired, err := auth.NewHMACTokens("test-secret", auth.Options{Issuer: "test-issuer", TTL: -time.Minute, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("tokens error: %v", err)
	}
	role, _ := auth.NewRoleClaim(identity.RoleAdmin, nil)
	token, _, _ := expired.Issue(auth.Identity{Subject: "whoever"}, role, nil)
	resp, payload = doReq(t, http.MethodGet, app.url+"/auth/profile", token, nil)
	if resp.StatusCode != http.StatusUnauthorized || payload["error"] != string(identity.CodeTokenExpired) {
		t.Fatalf("expected token_expired, got %d %v", resp.StatusCode, payload)
	}

	if got := testutil.ToFloat64(app.metrics.Rejections.WithLabelValues(string(identity.CodeTokenExpired))); got != 1 {
		t.Fatalf("expected one expired rejection, got %v", got)
	}
}

func TestRawAuthorizationHeader(t *testing.T) {
	app := newTestApp(t, nil)
	app.addAccount("2000001", "admin@inst.edu", identity.RoleAdmin)
	token := login(t, app, "/auth/admin/login", map[string]string{"email": "admin@inst.edu", "password": "Secret123"})

	req, _ := http.NewRequest(http.MethodGet, app.url+"/auth/profile", nil)
	req.Header.Set("Authorization", token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected raw token header to be accepted, got %d", resp.StatusCode)
	}
}

func TestRoleAndPermissionGates(t *testing.T) {
	app := newTestApp(t, nil)
	app.addAccount("3000001", "admin@inst.edu", identity.RoleAdmin)
	app.addAccount("3000002", "docente@inst.edu", identity.RoleTeacher)
	app.addAccount("3000003", "secre@inst.edu", "SECRETARIA")
	student := app.addStudent("3000004")
	other := app.addStudent("3000005")

	adminToken := login(t, app, "/auth/admin/login", map[string]string{"email": "admin@inst.edu", "password": "Secret123"})
	docenteToken := login(t, app, "/auth/admin/login", map[string]string{"email": "docente@inst.edu", "password": "Secret123"})
	studentToken := login(t, app, "/auth/student/login", map[string]string{"ci": "3000004", "password": "Secret123"})

	// SECRETARIA is not a portal role, so mint its token directly.
	secre := app.roles["SECRETARIA"]
	secreAccount, _ := app.store.AccountByEmail(context.Background(), "secre@inst.edu")
	roleClaim, _ := auth.NewRoleClaim(secre.Name, &secre.ID)
	secreToken, _, err := app.tokens.Issue(auth.Identity{Subject: secreAccount.ID, AccountID: secreAccount.ID}, roleClaim, nil)
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}

	resp, _ := doReq(t, http.MethodGet, app.url+"/roles", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected admin to list roles, got %d", resp.StatusCode)
	}
	resp, payload := doReq(t, http.MethodGet, app.url+"/roles", docenteToken, nil)
	if resp.StatusCode != http.StatusForbidden || payload["message"] != identity.MsgAccessDenied {
		t.Fatalf("expected docente to be denied roles, got %d %v", resp.StatusCode, payload)
	}

	loads := app.store.PermissionLoadCount()
	resp, _ = doReq(t, http.MethodGet, app.url+"/students/"+student.ID, adminToken, nil)
	if resp.StatusCode != http.StatusOK || app.store.PermissionLoadCount() != loads {
		t.Fatalf("expected admin pass without permission loads, got %d", resp.StatusCode)
	}
	resp, _ = doReq(t, http.MethodGet, app.url+"/students/"+student.ID, secreToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected estudiantes.ver holder to pass, got %d", resp.StatusCode)
	}
	resp, payload = doReq(t, http.MethodGet, app.url+"/students/"+student.ID, docenteToken, nil)
	if resp.StatusCode != http.StatusForbidden || payload["message"] != identity.MsgPermissionDenied {
		t.Fatalf("expected docente to be denied, got %d %v", resp.StatusCode, payload)
	}
	resp, _ = doReq(t, http.MethodGet, app.url+"/students/"+student.ID, studentToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected student to read own record, got %d", resp.StatusCode)
	}
	resp, _ = doReq(t, http.MethodGet, app.url+"/students/"+other.ID, studentToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected student to be denied another record, got %d", resp.StatusCode)
	}
	resp, payload = doReq(t, http.MethodGet, app.url+"/students/not-a-uuid", adminToken, nil)
	if resp.StatusCode != http.StatusNotFound || payload["error"] != "not_found" {
		t.Fatalf("expected 404 for a malformed student id, got %d %v", resp.StatusCode, payload)
	}

	// /permissions has no auth middleware in front; the gate parses the token itself.
	resp, _ = doReq(t, http.MethodGet, app.url+"/permissions", secreToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected roles.ver holder to read the catalog, got %d", resp.StatusCode)
	}
	resp, _ = doReq(t, http.MethodGet, app.url+"/permissions", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp, payload = doReq(t, http.MethodGet, app.url+"/auth/permissions", docenteToken, nil)
	if resp.StatusCode != http.StatusOK || payload["rol"] != identity.RoleTeacher {
		t.Fatalf("unexpected permissions response %d %v", resp.StatusCode, payload)
	}
	if perms, _ := payload["permisos"].([]interface{}); len(perms) != 2 {
		t.Fatalf("expected two docente permissions, got %v", payload["permisos"])
	}
}

func TestRefreshAndLogout(t *testing.T) {
	app := newTestApp(t, nil)
	app.addAccount("4000001", "docente@inst.edu", identity.RoleTeacher)
	app.addStudent("4000002")

	token := login(t, app, "/auth/admin/login", map[string]string{"email": "docente@inst.edu", "password": "Secret123"})
	resp, payload := doReq(t, http.MethodPost, app.url+"/auth/refresh", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected refresh 200, got %d %v", resp.StatusCode, payload)
	}
	claims, err := app.tokens.Parse(payload["token"].(string))
	if err != nil || claims.Role != identity.RoleTeacher {
		t.Fatalf("expected refreshed DOCENTE token, got %+v (%v)", claims, err)
	}

	studentToken := login(t, app, "/auth/student/login", map[string]string{"ci": "4000002", "password": "Secret123"})
	resp, _ = doReq(t, http.MethodPost, app.url+"/auth/refresh", studentToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected student refresh 403, got %d", resp.StatusCode)
	}

	resp, _ = doReq(t, http.MethodPost, app.url+"/auth/logout", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected logout 200, got %d", resp.StatusCode)
	}
}

func TestLoginThrottle(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	app := newTestApp(t, ratelimit.NewLoginLimiter(client, 2, time.Minute))
	app.addAccount("5000001", "docente@inst.edu", identity.RoleTeacher)

	for i := 0; i < 2; i++ {
		resp, _ := doReq(t, http.MethodPost, app.url+"/auth/admin/login", "", map[string]string{"email": "docente@inst.edu", "password": "bad"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, resp.StatusCode)
		}
	}
	resp, payload := doReq(t, http.MethodPost, app.url+"/auth/admin/login", "", map[string]string{"email": "docente@inst.edu", "password": "Secret123"})
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", resp.StatusCode, payload)
	}
	if got := testutil.ToFloat64(app.metrics.ThrottledLoginAttempts); got != 1 {
		t.Fatalf("expected one throttled attempt, got %v", got)
	}

	mr.FastForward(2 * time.Minute)
	login(t, app, "/auth/admin/login", map[string]string{"email": "docente@inst.edu", "password": "Secret123"})
}

func TestHealthMetricsAndJWKS(t *testing.T) {
	app := newTestApp(t, nil)

	resp, payload := doReq(t, http.MethodGet, app.url+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", resp.StatusCode, payload)
	}
	resp, payload = doReq(t, http.MethodGet, app.url+"/.well-known/jwks.json", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected jwks status %d", resp.StatusCode)
	}
	if keys, _ := payload["keys"].([]interface{}); len(keys) != 0 {
		t.Fatalf("expected no keys for HMAC tokens, got %v", keys)
	}

	metricsResp, err := http.Get(app.url + "/metrics")
	if err != nil {
		t.Fatalf("metrics error: %v", err)
	}
	defer metricsResp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(metricsResp.Body)
	if !strings.Contains(buf.String(), "go_goroutines") {
		t.Fatalf("expected go collector output in /metrics")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"Bearer abc":      "abc",
		"bearer  abc ":    "abc",
		"abc":             "abc",
		"Bearer ":         "",
		"bearer":          "",
		"Basic dXNlcjpwdw": "",
	}
	for header, want := range cases {
		if got := bearerToken(header); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
