package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/bloclabs/bloc-backend/internal/auth"
	"github.com/bloclabs/bloc-backend/internal/blocs"
	"github.com/bloclabs/bloc-backend/internal/generator"
	"github.com/bloclabs/bloc-backend/internal/identity"
	"github.com/bloclabs/bloc-backend/internal/preferences"
	"github.com/bloclabs/bloc-backend/internal/streaks"
)

const (
	testCookieName = "bloc_session"
	testCronSecret = "cron-secret"
)

type recordingMailer struct {
	lastEmail string
	lastCode  string
}

func (m *recordingMailer) SendLoginCode(_ context.Context, email, code string) error {
	m.lastEmail = email
	m.lastCode = code
	return nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, request generator.Request) (generator.Result, error) {
	return generator.Result{
		Title:       "On " + request.Topic,
		Content:     "A short study of " + request.Topic,
		NextDayIdea: "Tomorrow: more " + request.Topic,
	}, nil
}

type routerHarness struct {
	handler http.Handler
	mailer  *recordingMailer
	db      *gorm.DB
	now     time.Time
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&identity.User{}, &identity.LoginCode{},
		&preferences.Preferences{},
		&blocs.Bloc{},
		&streaks.Streak{}, &streaks.ReadingHistory{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	harness := &routerHarness{
		mailer: &recordingMailer{},
		db:     db,
		now:    time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return harness.now }

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database: db,
		Mailer:   harness.mailer,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to create identity service: %v", err)
	}

	prefService, err := preferences.NewService(preferences.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create preferences service: %v", err)
	}

	blocService, err := blocs.NewService(blocs.ServiceConfig{
		Database:    db,
		Preferences: prefService,
		Generator:   stubGenerator{},
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to create bloc service: %v", err)
	}

	streakService, err := streaks.NewService(streaks.ServiceConfig{
		Database:  db,
		Timezones: prefService,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to create streak service: %v", err)
	}

	sessions := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "bloc-backend",
		Audience:      "bloc-app",
		SessionTTL:    time.Hour,
		Clock:         clock,
	})

	handler, err := NewHTTPHandler(Dependencies{
		Identity:    identityService,
		Sessions:    sessions,
		Preferences: prefService,
		Blocs:       blocService,
		Streaks:     streakService,
		CookieName:  testCookieName,
		CronSecret:  testCronSecret,
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	harness.handler = handler
	return harness
}

func (h *routerHarness) do(t *testing.T, method, path string, body any, cookie string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: cookie})
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return body
}

// login walks the OTP flow and returns the session cookie value.
func (h *routerHarness) login(t *testing.T, email string) string {
	t.Helper()
	if rec := h.do(t, http.MethodPost, "/auth/send-otp", map[string]string{"email": email}, ""); rec.Code != http.StatusOK {
		t.Fatalf("send-otp failed with %d: %s", rec.Code, rec.Body.String())
	}
	rec := h.do(t, http.MethodPost, "/auth/verify-otp", map[string]string{"email": email, "code": h.mailer.lastCode}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-otp failed with %d: %s", rec.Code, rec.Body.String())
	}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == testCookieName && cookie.Value != "" {
			return cookie.Value
		}
	}
	t.Fatalf("no session cookie issued")
	return ""
}

func (h *routerHarness) onboard(t *testing.T, cookie string) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/user/preferences", map[string]any{
		"bio":           "Curious generalist",
		"topics":        []string{"Philosophy"},
		"readingDays":   "daily",
		"preferredTime": "08:00",
		"timezone":      "UTC",
	}, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("preferences save failed with %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOTPLoginFlowIssuesSession(t *testing.T) {
	harness := newRouterHarness(t)

	rec := harness.do(t, http.MethodPost, "/auth/send-otp", map[string]string{"email": "reader@example.com"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("send-otp returned %d", rec.Code)
	}
	if harness.mailer.lastEmail != "reader@example.com" || len(harness.mailer.lastCode) != 6 {
		t.Fatalf("mailer not invoked correctly: %+v", harness.mailer)
	}

	rec = harness.do(t, http.MethodPost, "/auth/verify-otp", map[string]string{
		"email": "reader@example.com",
		"code":  harness.mailer.lastCode,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-otp returned %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["needsOnboarding"] != true {
		t.Fatalf("new user should need onboarding, got %v", body["needsOnboarding"])
	}
	user, ok := body["user"].(map[string]any)
	if !ok || user["email"] != "reader@example.com" {
		t.Fatalf("unexpected user payload: %v", body["user"])
	}
}

func TestVerifyOTPRejectsWrongCode(t *testing.T) {
	harness := newRouterHarness(t)
	if rec := harness.do(t, http.MethodPost, "/auth/send-otp", map[string]string{"email": "reader@example.com"}, ""); rec.Code != http.StatusOK {
		t.Fatalf("send-otp returned %d", rec.Code)
	}

	rec := harness.do(t, http.MethodPost, "/auth/verify-otp", map[string]string{
		"email": "reader@example.com",
		"code":  "000000",
	}, "")
	if harness.mailer.lastCode == "000000" {
		t.Skip("generated code collided with the wrong-code fixture")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong code, got %d", rec.Code)
	}
}

func TestSendOTPRejectsMalformedEmail(t *testing.T) {
	harness := newRouterHarness(t)
	rec := harness.do(t, http.MethodPost, "/auth/send-otp", map[string]string{"email": "not-an-email"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	harness := newRouterHarness(t)
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/user/preferences"},
		{http.MethodGet, "/blocs/today"},
		{http.MethodPost, "/blocs/generate-bonus"},
		{http.MethodGet, "/user/streak"},
	}
	for _, route := range paths {
		rec := harness.do(t, route.method, route.path, nil, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s without session returned %d", route.method, route.path, rec.Code)
		}
	}
}

func TestPasswordLoginAfterSetPassword(t *testing.T) {
	harness := newRouterHarness(t)
	cookie := harness.login(t, "reader@example.com")

	rec := harness.do(t, http.MethodPost, "/auth/set-password", map[string]string{"password": "hunter22"}, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("set-password returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = harness.do(t, http.MethodPost, "/auth/check-email", map[string]string{"email": "reader@example.com"}, "")
	body := decodeBody(t, rec)
	if body["exists"] != true || body["hasPassword"] != true {
		t.Fatalf("unexpected check-email payload: %v", body)
	}

	rec = harness.do(t, http.MethodPost, "/auth/login-password", map[string]string{
		"email":    "reader@example.com",
		"password": "hunter22",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("password login returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = harness.do(t, http.MethodPost, "/auth/login-password", map[string]string{
		"email":    "reader@example.com",
		"password": "wrong-password",
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password returned %d", rec.Code)
	}
}

func TestPreferencesRoundtripOverHTTP(t *testing.T) {
	harness := newRouterHarness(t)
	cookie := harness.login(t, "reader@example.com")

	rec := harness.do(t, http.MethodGet, "/user/preferences", nil, cookie)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before onboarding, got %d", rec.Code)
	}

	harness.onboard(t, cookie)

	rec = harness.do(t, http.MethodGet, "/user/preferences", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("preferences lookup returned %d", rec.Code)
	}
	body := decodeBody(t, rec)
	prefs, ok := body["preferences"].(map[string]any)
	if !ok || prefs["readingDays"] != "daily" {
		t.Fatalf("unexpected preferences payload: %v", body)
	}
}

func TestSavePreferencesValidatesInput(t *testing.T) {
	harness := newRouterHarness(t)
	cookie := harness.login(t, "reader@example.com")

	rec := harness.do(t, http.MethodPost, "/user/preferences", map[string]any{
		"topics":        []string{},
		"readingDays":   "daily",
		"preferredTime": "08:00",
		"timezone":      "UTC",
	}, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty topics, got %d", rec.Code)
	}
}

func TestGenerateTodayAndReadBack(t *testing.T) {
	harness := newRouterHarness(t)
	cookie := harness.login(t, "reader@example.com")
	harness.onboard(t, cookie)

	rec := harness.do(t, http.MethodPost, "/blocs/generate-today", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate-today returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = harness.do(t, http.MethodPost, "/blocs/generate-today", nil, cookie)
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat generate-today returned %d, want 409", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "already_generated" {
		t.Fatalf("unexpected conflict body: %v", body)
	}

	rec = harness.do(t, http.MethodGet, "/blocs/today", nil, cookie)
	body := decodeBody(t, rec)
	list, ok := body["blocs"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("unexpected today payload: %v", body)
	}
	if body["isFirstDay"] != false {
		t.Fatalf("expected isFirstDay false, got %v", body["isFirstDay"])
	}
}

func TestGenerateTodayWithoutPreferences(t *testing.T) {
	harness := newRouterHarness(t)
	cookie := harness.login(t, "reader@example.com")

	rec := harness.do(t, http.MethodPost, "/blocs/generate-today", nil, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without preferences, got %d", rec.Code)
	}
}

func TestBonusLimitReturns429(t *testing.T) {
	harness := newRouterHarness(t)
	cookie := harness.login(t, "reader@example.com")
	harness.onboard(t, cookie)

	for i := 0; i < 3; i++ {
		rec := harness.do(t, http.MethodPost, "/blocs/generate-bonus", nil, cookie)
		if rec.Code != http.StatusOK {
			t.Fatalf("bonus %d returned %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}

	rec := harness.do(t, http.MethodPost, "/blocs/generate-bonus", nil, cookie)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["limit"] != float64(3) || body["current"] != float64(3) {
		t.Fatalf("unexpected limit payload: %v", body)
	}
}

func TestCompleteBlocAdvancesStreak(t *testing.T) {
	harness := newRouterHarness(t)
	cookie := harness.login(t, "reader@example.com")
	harness.onboard(t, cookie)

	rec := harness.do(t, http.MethodPost, "/blocs/generate-today", nil, cookie)
	body := decodeBody(t, rec)
	list := body["blocs"].([]any)
	blocID := list[0].(map[string]any)["id"].(string)

	rec = harness.do(t, http.MethodPost, "/blocs/"+blocID+"/complete", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete returned %d: %s", rec.Code, rec.Body.String())
	}
	streak := decodeBody(t, rec)["streak"].(map[string]any)
	if streak["currentStreak"] != float64(1) {
		t.Fatalf("unexpected streak payload: %v", streak)
	}

	rec = harness.do(t, http.MethodGet, "/user/streak", nil, cookie)
	streak = decodeBody(t, rec)["streak"].(map[string]any)
	if streak["currentStreak"] != float64(1) || streak["lastReadDate"] != "2026-03-02" {
		t.Fatalf("streak readback mismatch: %v", streak)
	}

	rec = harness.do(t, http.MethodGet, "/archive/history", nil, cookie)
	history := decodeBody(t, rec)["history"].([]any)
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
}

func TestCompleteRejectsUnknownBloc(t *testing.T) {
	harness := newRouterHarness(t)
	cookie := harness.login(t, "reader@example.com")

	rec := harness.do(t, http.MethodPost, "/blocs/no-such-bloc/complete", nil, cookie)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestBlocOwnershipEnforcedOverHTTP(t *testing.T) {
	harness := newRouterHarness(t)
	ownerCookie := harness.login(t, "owner@example.com")
	harness.onboard(t, ownerCookie)

	rec := harness.do(t, http.MethodPost, "/blocs/generate-today", nil, ownerCookie)
	body := decodeBody(t, rec)
	blocID := body["blocs"].([]any)[0].(map[string]any)["id"].(string)

	otherCookie := harness.login(t, "other@example.com")
	rec = harness.do(t, http.MethodGet, "/blocs/"+blocID, nil, otherCookie)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign bloc fetch returned %d, want 404", rec.Code)
	}
}

func TestCronSweepRequiresSecret(t *testing.T) {
	harness := newRouterHarness(t)

	rec := harness.do(t, http.MethodGet, "/cron/generate-blocs", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret returned %d", rec.Code)
	}

	request := httptest.NewRequest(http.MethodGet, "/cron/generate-blocs", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+testCronSecret)
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("authorized sweep returned %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	for _, key := range []string{"usersProcessed", "blocsCreated", "errors"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("sweep response missing %q: %v", key, body)
		}
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	harness := newRouterHarness(t)

	rec := harness.do(t, http.MethodPost, "/auth/logout", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logout returned %d", rec.Code)
	}
	cleared := false
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == testCookieName && cookie.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("logout did not clear the session cookie")
	}
}

func TestUpdateProfileRejectsTakenUsername(t *testing.T) {
	harness := newRouterHarness(t)
	firstCookie := harness.login(t, "first@example.com")
	rec := harness.do(t, http.MethodPut, "/user/profile", map[string]string{"username": "reader", "fullName": "First Reader"}, firstCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile update returned %d: %s", rec.Code, rec.Body.String())
	}

	secondCookie := harness.login(t, "second@example.com")
	rec = harness.do(t, http.MethodPut, "/user/profile", map[string]string{"username": "reader", "fullName": "Second Reader"}, secondCookie)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for taken username, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	harness := newRouterHarness(t)
	rec := harness.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}
