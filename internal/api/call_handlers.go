package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
)

const defaultCallLimit = 50

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := database.CallListFilter{
		Limit:     defaultCallLimit,
		Direction: query.Get("direction"),
		Status:    query.Get("status"),
		Search:    query.Get("search"),
	}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = parsed
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = parsed
	}

	rows, total, err := s.store.Calls.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]envelope, 0, len(rows))
	for _, call := range rows {
		out = append(out, callToJSON(&call))
	}
	writeJSON(w, http.StatusOK, envelope{"calls": out, "total": total})
}

func (s *Server) handleMarkCallSeen(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if _, err := s.store.Calls.GetByID(r.Context(), callID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.Calls.MarkSeen(r.Context(), callID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func callToJSON(call *models.Call) envelope {
	return envelope{
		"id":             call.ID,
		"direction":      call.Direction,
		"callerNumber":   call.CallerNumber,
		"calledNumber":   call.CalledNumber,
		"callerName":     call.CallerName,
		"lineName":       call.LineName,
		"startTime":      call.StartTime,
		"answerTime":     call.AnswerTime,
		"endTime":        call.EndTime,
		"duration":       call.Duration,
		"answeredByUser": call.AnsweredByUser,
		"answeredByExt":  call.AnsweredByExt,
		"status":         call.Status,
		"seen":           call.Seen,
	}
}
