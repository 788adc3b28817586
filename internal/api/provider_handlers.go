package api

import (
	"context"
	"net/http"
	"time"
)

// providerStatus is one row of the providers status response.
type providerStatus struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	Phone     string `json:"phone,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Healthy   bool   `json:"healthy"`
}

func (s *Server) handleProvidersStatus(w http.ResponseWriter, r *http.Request) {
	health := s.sender.HealthSnapshot()

	providers := make([]providerStatus, 0)
	for _, instance := range s.registry.List() {
		row := providerStatus{
			Name:    instance.ID(),
			Type:    instance.Type(),
			Healthy: true,
		}
		if h, ok := health[instance.ID()]; ok {
			row.Healthy = h.Healthy
		}

		statusCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		status, err := instance.GetStatus(statusCtx)
		cancel()
		if err != nil {
			row.Detail = err.Error()
		} else {
			row.Connected = status.Connected
			row.Phone = status.Phone
			row.Detail = status.Detail
		}

		providers = append(providers, row)
	}

	writeJSON(w, http.StatusOK, envelope{
		"providers": providers,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
