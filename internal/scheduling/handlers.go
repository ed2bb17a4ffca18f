package scheduling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/clinic-timeline/internal/changefeed"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// feedKeepAlive is the SSE comment interval that keeps idle proxies from closing the stream
const feedKeepAlive = 25 * time.Second

// Handlers exposes the timeline over HTTP
type Handlers struct {
	service *Service
	logger  *logger.Logger
}

// NewHandlers creates the timeline HTTP handlers
func NewHandlers(service *Service, log *logger.Logger) *Handlers {
	return &Handlers{service: service, logger: log}
}

// RegisterRoutes configures HTTP routes for the timeline
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/conflicts/check", h.checkConflictHandler).Methods("POST")

	api.HandleFunc("/events", h.queryEventsHandler).Methods("GET")
	api.HandleFunc("/events", h.createEventHandler).Methods("POST")
	api.HandleFunc("/events/{id}", h.getEventHandler).Methods("GET")
	api.HandleFunc("/events/{id}", h.updateEventHandler).Methods("PATCH")
	api.HandleFunc("/events/{id}", h.deleteEventHandler).Methods("DELETE")

	api.HandleFunc("/resources/{id}/availability", h.availabilityHandler).Methods("GET")
	api.HandleFunc("/resources/{id}/calendar.ics", h.calendarHandler).Methods("GET")

	api.HandleFunc("/feed", h.feedHandler).Methods("GET")

	h.logger.WithComponent("timeline").Info("Timeline routes configured")
}

func (h *Handlers) checkConflictHandler(w http.ResponseWriter, r *http.Request) {
	var req types.ConflictCheck
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, h.logger, invalidBody(err))
		return
	}

	result, err := h.service.CheckConflict(r.Context(), req)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, result)
}

func (h *Handlers) queryEventsHandler(w http.ResponseWriter, r *http.Request) {
	filters, err := parseEventFilters(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	events, err := h.service.Query(r.Context(), filters)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if events == nil {
		events = []*types.ScheduledEvent{}
	}
	WriteJSON(w, h.logger, http.StatusOK, events)
}

func (h *Handlers) createEventHandler(w http.ResponseWriter, r *http.Request) {
	var event types.ScheduledEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		WriteError(w, h.logger, invalidBody(err))
		return
	}
	if event.CreatedBy == "" {
		event.CreatedBy = UserIDFromRequest(r)
	}

	created, err := h.service.Create(r.Context(), &event)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusCreated, created)
}

func (h *Handlers) getEventHandler(w http.ResponseWriter, r *http.Request) {
	event, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, event)
}

func (h *Handlers) updateEventHandler(w http.ResponseWriter, r *http.Request) {
	var patch types.EventPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteError(w, h.logger, invalidBody(err))
		return
	}

	updated, err := h.service.Update(r.Context(), mux.Vars(r)["id"], &patch)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, updated)
}

func (h *Handlers) deleteEventHandler(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.service.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, cancelled)
}

// availabilityHandler lists free slots of a resource on one day
func (h *Handlers) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	date, err := parseTimeParam(query.Get("date"))
	if err != nil {
		WriteError(w, h.logger, types.NewValidationError(types.ErrCodeInvalidInput, "invalid date", map[string]interface{}{
			"date": query.Get("date"),
		}))
		return
	}

	var slot time.Duration
	if raw := query.Get("slot_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			WriteError(w, h.logger, types.NewValidationError(types.ErrCodeInvalidInput, "invalid slot_minutes", nil))
			return
		}
		slot = time.Duration(minutes) * time.Minute
	}

	slots, err := h.service.Availability(r.Context(), mux.Vars(r)["id"], date, slot)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, slots)
}

func (h *Handlers) calendarHandler(w http.ResponseWriter, r *http.Request) {
	filters, err := parseEventFilters(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	body, err := h.service.CalendarFeed(r.Context(), mux.Vars(r)["id"], filters.From, filters.To)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, body)
}

// feedHandler streams change messages as Server-Sent Events until the client disconnects
func (h *Handlers) feedHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, h.logger, types.NewInternalError(types.ErrCodeInternalError, "streaming unsupported", nil))
		return
	}

	topics := changefeed.AllTopics
	if raw := r.URL.Query().Get("topic"); raw != "" {
		topic, err := changefeed.ParseTopic(raw)
		if err != nil {
			WriteError(w, h.logger, types.NewValidationError(types.ErrCodeInvalidInput, err.Error(), nil))
			return
		}
		topics = []changefeed.Topic{topic}
	}
	resourceID := r.URL.Query().Get("resource_id")

	ctx := r.Context()
	merged := make(chan changefeed.Message)
	for _, topic := range topics {
		sub, err := h.service.Broker().Subscribe(ctx, topic, resourceID)
		if err != nil {
			WriteError(w, h.logger, types.NewTransientError(types.ErrCodeFeedUnavailable, "change feed unavailable", err))
			return
		}
		defer sub.Close()

		go func(sub *changefeed.Subscription) {
			for msg := range sub.C() {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(feedKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg := <-merged:
			payload, err := json.Marshal(msg)
			if err != nil {
				h.logger.WithComponent("timeline").WithError(err).Warn("Failed to encode change message")
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Operation, payload)
			flusher.Flush()
		}
	}
}

func parseEventFilters(r *http.Request) (*types.EventFilters, error) {
	q := r.URL.Query()
	filters := &types.EventFilters{
		ResourceID: q.Get("resource_id"),
		Status:     types.EventStatus(q.Get("status")),
		Kind:       types.EventKind(q.Get("kind")),
		PatientRef: q.Get("patient_ref"),
	}

	var err error
	if filters.From, err = parseTimeParam(q.Get("from")); err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "invalid from", map[string]interface{}{"from": q.Get("from")})
	}
	if filters.To, err = parseTimeParam(q.Get("to")); err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "invalid to", map[string]interface{}{"to": q.Get("to")})
	}
	return filters, nil
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// UserIDFromRequest returns the acting user from the request context or X-User-ID
func UserIDFromRequest(r *http.Request) string {
	if userID, ok := r.Context().Value(logger.UserIDKey).(string); ok && userID != "" {
		return userID
	}
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return userID
	}
	return "anonymous"
}

func invalidBody(err error) error {
	return types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", map[string]interface{}{"error": err.Error()})
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, log *logger.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithComponent("http").WithError(err).Error("Failed to encode JSON response")
	}
}

// WriteError writes a structured error response
func WriteError(w http.ResponseWriter, log *logger.Logger, err error) {
	status := types.HTTPStatus(err)

	entry := log.WithComponent("http").WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	WriteJSON(w, log, status, types.ErrorBody(err))
}
