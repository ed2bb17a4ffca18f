package deadlines

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/clinic-timeline/internal/scheduling"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// Handlers contains HTTP handlers for proposal transitions and deadlines
type Handlers struct {
	service *Service
	logger  *logger.Logger
}

// NewHandlers creates new deadline handlers
func NewHandlers(service *Service, log *logger.Logger) *Handlers {
	return &Handlers{service: service, logger: log}
}

// RegisterRoutes registers the deadline routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/proposals/{id}/status", h.transitionProposalHandler).Methods("PUT")
	api.HandleFunc("/patients/{patientRef}/deadlines", h.getDeadlinesHandler).Methods("GET")

	h.logger.WithComponent("deadlines").Info("Deadline routes configured")
}

// TransitionRequest is the body of a proposal status change
type TransitionRequest struct {
	Status types.ProposalStatus `json:"status"`

	// PlannedProcedureDate accepts YYYY-MM-DD or RFC3339
	PlannedProcedureDate string `json:"planned_procedure_date,omitempty"`
}

func (h *Handlers) transitionProposalHandler(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		scheduling.WriteError(w, h.logger, types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	var planned *time.Time
	if req.PlannedProcedureDate != "" {
		t, err := parseDate(req.PlannedProcedureDate)
		if err != nil {
			scheduling.WriteError(w, h.logger, types.NewValidationError(types.ErrCodeInvalidInput, "invalid planned_procedure_date", map[string]interface{}{
				"value": req.PlannedProcedureDate,
			}))
			return
		}
		planned = &t
	}

	result, err := h.service.TransitionProposal(r.Context(), mux.Vars(r)["id"], req.Status, planned, scheduling.UserIDFromRequest(r))
	if err != nil {
		scheduling.WriteError(w, h.logger, err)
		return
	}
	scheduling.WriteJSON(w, h.logger, http.StatusOK, result)
}

func (h *Handlers) getDeadlinesHandler(w http.ResponseWriter, r *http.Request) {
	set, err := h.service.GetDeadlines(r.Context(), mux.Vars(r)["patientRef"])
	if err != nil {
		scheduling.WriteError(w, h.logger, err)
		return
	}
	scheduling.WriteJSON(w, h.logger, http.StatusOK, set)
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
