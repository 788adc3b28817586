package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/commgate/commgate/internal/api/middleware"
	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
)

// sessionTTL is how long a web session stays valid.
const sessionTTL = 7 * 24 * time.Hour

// settingAdminPasswordChanged gates setup completion. Seeded "false" on
// first boot alongside the default admin user.
const settingAdminPasswordChanged = "admin_password_changed"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.store.Users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		// Same response for unknown user and bad password.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ok, err := database.CheckPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	session := &models.Session{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(sessionTTL),
	}
	if err := s.store.Sessions.Create(r.Context(), session); err != nil {
		writeDomainError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	s.logger.Info("user logged in", "username", user.Username)
	writeSuccess(w, http.StatusOK, envelope{
		"token": session.Token,
		"user": envelope{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		if err := s.store.Sessions.Delete(r.Context(), cookie.Value); err != nil {
			s.logger.Warn("deleting session", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeSuccess(w, http.StatusOK, nil)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req changePasswordRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	user, err := s.store.Users.GetByID(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ok, err := database.CheckPassword(req.CurrentPassword, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := database.HashPassword(req.NewPassword)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.Users.UpdatePassword(r.Context(), user.ID, hash); err != nil {
		writeDomainError(w, err)
		return
	}

	// Changing the seeded admin password completes the first setup step.
	if user.Role == "admin" {
		if err := s.store.Settings.Set(r.Context(), settingAdminPasswordChanged, "true"); err != nil {
			s.logger.Warn("updating setup flag", "error", err)
		}
	}

	s.logger.Info("password changed", "username", user.Username)
	writeSuccess(w, http.StatusOK, nil)
}

// handleAppToken issues a JWT for the mobile app, bound to the current
// web session's user.
func (s *Server) handleAppToken(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	username, _ := middleware.UsernameFromContext(r.Context())

	token, err := middleware.GenerateAppToken(s.jwtSecret, userID, username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"token": token})
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	passwordChanged := false
	if value, err := s.store.Settings.Get(r.Context(), settingAdminPasswordChanged); err == nil {
		passwordChanged = value == "true"
	}
	providersConfigured := len(s.registry.List()) > 0
	pbxConfigured := s.cfg.PBXConfigured()

	steps := []envelope{
		{"id": "admin_password", "label": "Change the admin password", "done": passwordChanged},
		{"id": "providers", "label": "Configure at least one provider", "done": providersConfigured},
		{"id": "pbx", "label": "Connect the PBX manager interface", "done": pbxConfigured},
	}

	currentStep := ""
	for _, step := range steps {
		if step["done"] == false {
			currentStep = step["id"].(string)
			break
		}
	}

	writeJSON(w, http.StatusOK, envelope{
		"setupNeeded":          !passwordChanged,
		"currentStep":          currentStep,
		"adminPasswordChanged": passwordChanged,
		"steps":                steps,
	})
}
