package api

import (
	"net/http"
	"strings"

	"github.com/commgate/commgate/internal/sms"
)

type sendSMSRequest struct {
	To         string `json:"to"`
	Message    string `json:"message"`
	From       string `json:"from,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
}

func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	var req sendSMSRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "to and message are required")
		return
	}

	result, err := s.sender.SendMessage(r.Context(), req.To, req.Message, sms.SendOptions{
		From:       req.From,
		ProviderID: req.ProviderID,
		Country:    countryForNumber(req.To),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	fields := envelope{
		"messageId": result.MessageID,
		"chatId":    chatIDForNumber(req.To),
		"provider":  result.ProviderID,
	}
	if result.ModemID != "" {
		fields["modemId"] = result.ModemID
	}
	writeSuccess(w, http.StatusOK, fields)
}

// chatIDForNumber derives the mirrored chat id for a destination number.
func chatIDForNumber(to string) string {
	if strings.HasPrefix(to, "sms_") {
		return to
	}
	return "sms_" + strings.TrimPrefix(to, "+")
}

// frenchPrefixes maps E.164 prefixes to the FR compliance rules:
// metropolitan France and the overseas departments.
var frenchPrefixes = []string{"+33", "+590", "+594", "+596", "+262"}

// countryForNumber maps a destination number to the compliance country
// code. Unknown prefixes get no country and pass the gate unchecked.
func countryForNumber(to string) string {
	for _, prefix := range frenchPrefixes {
		if strings.HasPrefix(to, prefix) {
			return "FR"
		}
	}
	return ""
}
