package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/commgate/commgate/internal/api/middleware"
	"github.com/commgate/commgate/internal/voip"
)

type answerCallRequest struct {
	CallID    string `json:"callId"`
	Extension string `json:"extension,omitempty"`
}

func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	var req answerCallRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "callId is required")
		return
	}

	// Without an explicit target the call goes to the extension it is
	// already ringing on.
	extension := req.Extension
	if extension == "" {
		for _, rc := range s.tracker.GetRingingCalls() {
			if rc.CallID == req.CallID {
				extension = rc.Extension
				break
			}
		}
	}

	if err := s.tracker.AnswerCall(req.CallID, extension); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

type rejectCallRequest struct {
	CallID string `json:"callId"`
}

func (s *Server) handleRejectCall(w http.ResponseWriter, r *http.Request) {
	var req rejectCallRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "callId is required")
		return
	}

	if err := s.tracker.RejectCall(req.CallID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) handleRingingCalls(w http.ResponseWriter, r *http.Request) {
	ringing := s.tracker.GetRingingCalls()
	writeJSON(w, http.StatusOK, envelope{"calls": ringing})
}

type originateRequest struct {
	Channel     string `json:"channel,omitempty"`
	From        string `json:"from,omitempty"`
	Destination string `json:"destination,omitempty"`
	Exten       string `json:"exten,omitempty"`
	CallerID    string `json:"callerId,omitempty"`
	Timeout     int    `json:"timeout,omitempty"` // seconds
}

func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The app sends from/destination; older clients send channel/exten.
	from := req.From
	if from == "" {
		from = req.Channel
	}
	destination := req.Destination
	if destination == "" {
		destination = req.Exten
	}
	if from == "" || destination == "" {
		writeError(w, http.StatusBadRequest, "from and destination are required")
		return
	}

	timeout := time.Duration(req.Timeout) * time.Second
	callID, err := s.tracker.Originate(from, destination, req.CallerID, timeout)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"callId": callID})
}

type createExtensionRequest struct {
	DisplayName string `json:"displayName,omitempty"`
	WebRTC      bool   `json:"webrtc,omitempty"`
}

func (s *Server) handleCreateExtension(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req createExtensionRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ext, err := s.provisioner.CreateExtension(r.Context(), userID, voip.CreateOptions{
		DisplayName: req.DisplayName,
		WebRTC:      req.WebRTC,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, envelope{
		"extension": envelope{
			"extension":   ext.Extension,
			"secret":      ext.Secret,
			"displayName": ext.DisplayName,
			"transport":   ext.Transport,
			"webrtc":      ext.WebRTC,
			"synced":      ext.SyncedToPBX,
		},
	})
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	extensions, err := s.store.Extensions.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]envelope, 0, len(extensions))
	for _, ext := range extensions {
		out = append(out, envelope{
			"extension":   ext.Extension,
			"userId":      ext.UserID,
			"displayName": ext.DisplayName,
			"transport":   ext.Transport,
			"webrtc":      ext.WebRTC,
			"enabled":     ext.Enabled,
			"synced":      ext.SyncedToPBX,
			"syncError":   ext.PBXSyncError,
		})
	}
	writeJSON(w, http.StatusOK, envelope{"extensions": out})
}

func (s *Server) handleDeleteExtension(w http.ResponseWriter, r *http.Request) {
	extension := chi.URLParam(r, "extension")
	if err := s.provisioner.DeleteExtension(r.Context(), extension); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	extension := chi.URLParam(r, "extension")
	secret, err := s.provisioner.UpdateSecret(r.Context(), extension)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"secret": secret})
}

func (s *Server) handleResyncExtension(w http.ResponseWriter, r *http.Request) {
	extension := chi.URLParam(r, "extension")
	if err := s.provisioner.Resync(r.Context(), extension); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) handleExtensionStatus(w http.ResponseWriter, r *http.Request) {
	extension := chi.URLParam(r, "extension")
	status, err := s.provisioner.GetStatus(r.Context(), extension)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		"extension":  status.Extension,
		"registered": status.Registered,
		"contact":    status.Contact,
		"detail":     status.Detail,
	})
}
