package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bloclabs/bloc-backend/internal/auth"
	"github.com/bloclabs/bloc-backend/internal/blocs"
	"github.com/bloclabs/bloc-backend/internal/identity"
	"github.com/bloclabs/bloc-backend/internal/preferences"
	"github.com/bloclabs/bloc-backend/internal/streaks"
)

const (
	userIDContextKey    = "bloc_user_id"
	defaultHistoryLimit = 30
)

var (
	errMissingIdentityService   = errors.New("identity service dependency required")
	errMissingSessionManager    = errors.New("session manager dependency required")
	errMissingPreferenceService = errors.New("preferences service dependency required")
	errMissingBlocService       = errors.New("bloc service dependency required")
	errMissingStreakService     = errors.New("streak service dependency required")
	errMissingCookieName        = errors.New("session cookie name required")
)

// SessionTokens issues and validates the session cookie contents.
type SessionTokens interface {
	IssueSessionToken(userID string) (string, error)
	ValidateSessionToken(token string) (string, error)
	SessionTTL() time.Duration
}

type Dependencies struct {
	Identity       *identity.Service
	Sessions       SessionTokens
	Preferences    *preferences.Service
	Blocs          *blocs.Service
	Streaks        *streaks.Service
	CookieName     string
	CronSecret     string
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.Preferences == nil {
		return nil, errMissingPreferenceService
	}
	if deps.Blocs == nil {
		return nil, errMissingBlocService
	}
	if deps.Streaks == nil {
		return nil, errMissingStreakService
	}
	if deps.CookieName == "" {
		return nil, errMissingCookieName
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		identity:    deps.Identity,
		sessions:    deps.Sessions,
		preferences: deps.Preferences,
		blocs:       deps.Blocs,
		streaks:     deps.Streaks,
		cookieName:  deps.CookieName,
		cronSecret:  deps.CronSecret,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	authGroup := router.Group("/auth")
	authGroup.POST("/send-otp", handler.handleSendOTP)
	authGroup.POST("/verify-otp", handler.handleVerifyOTP)
	authGroup.POST("/login-password", handler.handleLoginPassword)
	authGroup.POST("/check-email", handler.handleCheckEmail)
	authGroup.POST("/logout", handler.handleLogout)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/set-password", handler.handleSetPassword)
	protected.GET("/user/profile", handler.handleGetProfile)
	protected.PUT("/user/profile", handler.handleUpdateProfile)
	protected.GET("/user/preferences", handler.handleGetPreferences)
	protected.POST("/user/preferences", handler.handleSavePreferences)
	protected.GET("/user/streak", handler.handleStreak)
	protected.GET("/blocs/today", handler.handleToday)
	protected.GET("/blocs/archive", handler.handleArchive)
	protected.POST("/blocs/generate-today", handler.handleGenerateToday)
	protected.POST("/blocs/generate-bonus", handler.handleGenerateBonus)
	protected.GET("/blocs/:id", handler.handleGetBloc)
	protected.POST("/blocs/:id/complete", handler.handleComplete)
	protected.GET("/archive/history", handler.handleHistory)

	router.GET("/cron/generate-blocs", handler.handleCronSweep)

	return router, nil
}

type httpHandler struct {
	identity    *identity.Service
	sessions    SessionTokens
	preferences *preferences.Service
	blocs       *blocs.Service
	streaks     *streaks.Service
	cookieName  string
	cronSecret  string
	logger      *zap.Logger
}

func respondError(c *gin.Context, status int, message string, err error) {
	body := gin.H{"error": message}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	c.JSON(status, body)
}

func (h *httpHandler) setSessionCookie(c *gin.Context, userID string) error {
	token, err := h.sessions.IssueSessionToken(userID)
	if err != nil {
		return err
	}
	maxAge := int(h.sessions.SessionTTL().Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, token, maxAge, "/", "", false, true)
	return nil
}

func (h *httpHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, "", -1, "/", "", false, true)
}

type userPayload struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

func toUserPayload(user identity.User) userPayload {
	return userPayload{
		ID:       user.ID,
		Email:    user.Email,
		Username: user.Username,
		FullName: user.FullName,
	}
}

type emailPayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleSendOTP(c *gin.Context) {
	var request emailPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	err := h.identity.RequestCode(c.Request.Context(), request.Email)
	if errors.Is(err, identity.ErrInvalidEmail) {
		respondError(c, http.StatusBadRequest, "invalid_email", err)
		return
	}
	if err != nil {
		h.logger.Error("failed to send login code", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "code_send_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "code sent"})
}

type verifyPayload struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *httpHandler) handleVerifyOTP(c *gin.Context) {
	var request verifyPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	user, err := h.identity.VerifyCode(c.Request.Context(), request.Email, request.Code)
	if errors.Is(err, identity.ErrInvalidEmail) {
		respondError(c, http.StatusBadRequest, "invalid_email", err)
		return
	}
	if errors.Is(err, identity.ErrInvalidCode) {
		respondError(c, http.StatusUnauthorized, "invalid_code", err)
		return
	}
	if err != nil {
		h.logger.Error("code verification failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "verification_failed", err)
		return
	}

	if err := h.setSessionCookie(c, user.ID); err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "session_issue_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":            toUserPayload(user),
		"needsOnboarding": h.needsOnboarding(c, user.ID),
	})
}

type passwordLoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLoginPassword(c *gin.Context) {
	var request passwordLoginPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	user, err := h.identity.AuthenticatePassword(c.Request.Context(), request.Email, request.Password)
	if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrInvalidEmail) {
		respondError(c, http.StatusUnauthorized, "invalid_credentials", err)
		return
	}
	if err != nil {
		h.logger.Error("password login failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "login_failed", err)
		return
	}

	if err := h.setSessionCookie(c, user.ID); err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "session_issue_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":            toUserPayload(user),
		"needsOnboarding": h.needsOnboarding(c, user.ID),
	})
}

func (h *httpHandler) handleCheckEmail(c *gin.Context) {
	var request emailPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	status, err := h.identity.CheckEmail(c.Request.Context(), request.Email)
	if errors.Is(err, identity.ErrInvalidEmail) {
		respondError(c, http.StatusBadRequest, "invalid_email", err)
		return
	}
	if err != nil {
		h.logger.Error("email check failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "check_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exists":      status.Exists,
		"hasPassword": status.HasPassword,
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

type setPasswordPayload struct {
	Password string `json:"password"`
}

func (h *httpHandler) handleSetPassword(c *gin.Context) {
	var request setPasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	userID := c.GetString(userIDContextKey)
	err := h.identity.SetPassword(c.Request.Context(), userID, request.Password)
	if errors.Is(err, identity.ErrWeakPassword) {
		respondError(c, http.StatusBadRequest, "weak_password", err)
		return
	}
	if errors.Is(err, identity.ErrUserNotFound) {
		respondError(c, http.StatusNotFound, "user_not_found", err)
		return
	}
	if err != nil {
		h.logger.Error("set password failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "set_password_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password set"})
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	user, err := h.identity.Profile(c.Request.Context(), c.GetString(userIDContextKey))
	if errors.Is(err, identity.ErrUserNotFound) {
		respondError(c, http.StatusNotFound, "user_not_found", err)
		return
	}
	if err != nil {
		h.logger.Error("profile lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "profile_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": toUserPayload(user)})
}

type profileUpdatePayload struct {
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	user, err := h.identity.UpdateProfile(c.Request.Context(), c.GetString(userIDContextKey), request.Username, request.FullName)
	switch {
	case errors.Is(err, identity.ErrInvalidUsername):
		respondError(c, http.StatusBadRequest, "invalid_username", err)
		return
	case errors.Is(err, identity.ErrUsernameTaken):
		respondError(c, http.StatusConflict, "username_taken", err)
		return
	case errors.Is(err, identity.ErrUserNotFound):
		respondError(c, http.StatusNotFound, "user_not_found", err)
		return
	case err != nil:
		h.logger.Error("profile update failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "profile_update_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": toUserPayload(user)})
}

type preferencesPayload struct {
	Bio           string   `json:"bio"`
	Topics        []string `json:"topics"`
	ReadingDays   string   `json:"readingDays"`
	PreferredTime string   `json:"preferredTime"`
	Timezone      string   `json:"timezone"`
}

func toPreferencesPayload(prefs preferences.Preferences) preferencesPayload {
	return preferencesPayload{
		Bio:           prefs.Bio,
		Topics:        prefs.Topics,
		ReadingDays:   string(prefs.ReadingDays),
		PreferredTime: prefs.PreferredTime,
		Timezone:      prefs.Timezone,
	}
}

func (h *httpHandler) handleGetPreferences(c *gin.Context) {
	prefs, err := h.preferences.Get(c.Request.Context(), c.GetString(userIDContextKey))
	if errors.Is(err, preferences.ErrNotFound) {
		respondError(c, http.StatusNotFound, "preferences_not_found", err)
		return
	}
	if err != nil {
		h.logger.Error("preferences lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "preferences_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": toPreferencesPayload(prefs)})
}

func (h *httpHandler) handleSavePreferences(c *gin.Context) {
	var request preferencesPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}

	prefs, err := h.preferences.Save(c.Request.Context(), c.GetString(userIDContextKey), preferences.SaveInput{
		Bio:           request.Bio,
		Topics:        request.Topics,
		ReadingDays:   preferences.ReadingDays(request.ReadingDays),
		PreferredTime: request.PreferredTime,
		Timezone:      request.Timezone,
	})
	if isPreferenceValidationError(err) {
		respondError(c, http.StatusBadRequest, "invalid_preferences", err)
		return
	}
	if err != nil {
		h.logger.Error("preferences save failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "preferences_save_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": toPreferencesPayload(prefs)})
}

func isPreferenceValidationError(err error) bool {
	return errors.Is(err, preferences.ErrNoTopics) ||
		errors.Is(err, preferences.ErrTooManyTopics) ||
		errors.Is(err, preferences.ErrInvalidReadingDays) ||
		errors.Is(err, preferences.ErrInvalidPreferredTime) ||
		errors.Is(err, preferences.ErrInvalidTimezone)
}

type streakPayload struct {
	CurrentStreak int    `json:"currentStreak"`
	LongestStreak int    `json:"longestStreak"`
	LastReadDate  string `json:"lastReadDate"`
}

func toStreakPayload(streak streaks.Streak) streakPayload {
	return streakPayload{
		CurrentStreak: streak.CurrentStreak,
		LongestStreak: streak.LongestStreak,
		LastReadDate:  streak.LastReadDate,
	}
}

func (h *httpHandler) handleStreak(c *gin.Context) {
	streak, err := h.streaks.Current(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.logger.Error("streak lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "streak_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"streak": toStreakPayload(streak)})
}

type blocPayload struct {
	ID            string `json:"id"`
	Topic         string `json:"topic"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	NextDayIdea   string `json:"nextDayIdea"`
	ScheduledDate string `json:"scheduledDate"`
	IsBonus       bool   `json:"isBonus"`
	Status        string `json:"status"`
}

func toBlocPayload(bloc blocs.Bloc) blocPayload {
	return blocPayload{
		ID:            bloc.ID,
		Topic:         bloc.Topic,
		Title:         bloc.Title,
		Content:       bloc.Content,
		NextDayIdea:   bloc.NextDayIdea,
		ScheduledDate: bloc.ScheduledDate,
		IsBonus:       bloc.IsBonus,
		Status:        string(bloc.Status),
	}
}

func toBlocPayloads(list []blocs.Bloc) []blocPayload {
	payloads := make([]blocPayload, 0, len(list))
	for _, bloc := range list {
		payloads = append(payloads, toBlocPayload(bloc))
	}
	return payloads
}

func (h *httpHandler) handleToday(c *gin.Context) {
	result, err := h.blocs.Today(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.logger.Error("today lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "today_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"blocs":      toBlocPayloads(result.Blocs),
		"isFirstDay": result.IsFirstDay,
	})
}

func (h *httpHandler) handleArchive(c *gin.Context) {
	past, err := h.blocs.Archive(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.logger.Error("archive lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "archive_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocs": toBlocPayloads(past)})
}

func (h *httpHandler) handleGetBloc(c *gin.Context) {
	bloc, err := h.blocs.Get(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if errors.Is(err, blocs.ErrNotFound) {
		respondError(c, http.StatusNotFound, "bloc_not_found", err)
		return
	}
	if err != nil {
		h.logger.Error("bloc lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "bloc_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bloc": toBlocPayload(bloc)})
}

func (h *httpHandler) handleComplete(c *gin.Context) {
	streak, err := h.streaks.RecordCompletion(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if errors.Is(err, streaks.ErrBlocNotFound) {
		respondError(c, http.StatusNotFound, "bloc_not_found", err)
		return
	}
	if err != nil {
		h.logger.Error("completion failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "completion_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"streak": toStreakPayload(streak)})
}

func (h *httpHandler) handleGenerateToday(c *gin.Context) {
	result, err := h.blocs.GenerateScheduled(c.Request.Context(), c.GetString(userIDContextKey))
	if errors.Is(err, blocs.ErrNotConfigured) {
		respondError(c, http.StatusBadRequest, "preferences_required", err)
		return
	}
	if errors.Is(err, blocs.ErrGenerationFailed) {
		respondError(c, http.StatusInternalServerError, "generation_failed", err)
		return
	}
	if err != nil {
		h.logger.Error("scheduled generation failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "generation_failed", err)
		return
	}
	if result.AlreadyGenerated {
		respondError(c, http.StatusConflict, "already_generated", nil)
		return
	}

	failed := make([]string, 0, len(result.Failed))
	for _, failure := range result.Failed {
		failed = append(failed, failure.Topic)
	}
	c.JSON(http.StatusOK, gin.H{
		"blocs":        toBlocPayloads(result.Created),
		"failedTopics": failed,
	})
}

func (h *httpHandler) handleGenerateBonus(c *gin.Context) {
	result, err := h.blocs.GenerateBonus(c.Request.Context(), c.GetString(userIDContextKey))
	var limitErr *blocs.DailyLimitError
	if errors.As(err, &limitErr) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "daily_limit_reached",
			"limit":   limitErr.Limit,
			"current": limitErr.Current,
		})
		return
	}
	if errors.Is(err, blocs.ErrNotConfigured) {
		respondError(c, http.StatusBadRequest, "preferences_required", err)
		return
	}
	if err != nil {
		h.logger.Error("bonus generation failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "generation_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bloc":      toBlocPayload(result.Bloc),
		"remaining": result.Remaining,
	})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	entries, err := h.streaks.History(c.Request.Context(), c.GetString(userIDContextKey), defaultHistoryLimit)
	if err != nil {
		h.logger.Error("history lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "history_failed", err)
		return
	}

	payloads := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, gin.H{
			"blocId":        entry.BlocID,
			"topic":         entry.Topic,
			"title":         entry.Title,
			"scheduledDate": entry.ScheduledDate,
			"isBonus":       entry.IsBonus,
			"completedAt":   entry.CompletedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"history": payloads})
}

func (h *httpHandler) handleCronSweep(c *gin.Context) {
	if h.cronSecret == "" || c.GetHeader("Authorization") != "Bearer "+h.cronSecret {
		respondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	stats, err := h.blocs.Sweep(c.Request.Context())
	if err != nil {
		h.logger.Error("generation sweep failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "sweep_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"usersProcessed": stats.UsersProcessed,
		"blocsCreated":   stats.BlocsCreated,
		"errors":         stats.Errors,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	if cookie, err := c.Cookie(h.cookieName); err == nil {
		token = cookie
	}
	if token == "" {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	subject, err := h.sessions.ValidateSessionToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSession) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// needsOnboarding reports whether the user still has to pick topics.
func (h *httpHandler) needsOnboarding(c *gin.Context, userID string) bool {
	_, err := h.preferences.Get(c.Request.Context(), userID)
	return errors.Is(err, preferences.ErrNotFound)
}
