package api

import (
	"net/http"
	"time"

	"github.com/commgate/commgate/internal/api/middleware"
	"github.com/commgate/commgate/internal/database/models"
)

type pushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
	DeviceID string `json:"deviceId,omitempty"`
}

func (s *Server) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req pushTokenRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if req.Platform != "fcm" && req.Platform != "apns" {
		writeError(w, http.StatusBadRequest, "platform must be fcm or apns")
		return
	}

	err := s.store.PushTokens.Upsert(r.Context(), &models.PushToken{
		UserID:   userID,
		Token:    req.Token,
		Platform: req.Platform,
		DeviceID: req.DeviceID,
		LastUsed: time.Now(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

type webPushRequest struct {
	Endpoint string `json:"endpoint"`
	P256DH   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

func (s *Server) handleRegisterWebPush(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req webPushRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Endpoint == "" || req.P256DH == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh and auth are required")
		return
	}

	err := s.store.WebPush.Upsert(r.Context(), &models.WebPushSubscription{
		Endpoint: req.Endpoint,
		UserID:   userID,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}
