// Package httpserver exposes the control surface: enrollment lifecycle
// operations and runtime configuration management.
package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/outflow/errs"
	"github.com/coachpo/outflow/internal/domain/attemptstore"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/engine"
	"github.com/coachpo/outflow/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	enrollmentsPath        = "/enrollments"
	enrollmentDetailPrefix = enrollmentsPath + "/"

	runtimeConfigPath   = "/config/runtime"
	channelConfigPrefix = "/config/channels/"
	healthPath          = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	engine       *engine.Engine
	attempts     attemptstore.Store
	runtimeStore *config.RuntimeStore
}

// NewHandler creates the control HTTP handler.
func NewHandler(eng *engine.Engine, attempts attemptstore.Store, runtimeStore *config.RuntimeStore) http.Handler {
	server := &httpServer{engine: eng, attempts: attempts, runtimeStore: runtimeStore}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	mux.Handle(enrollmentsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createEnrollment,
	}))
	mux.Handle(enrollmentDetailPrefix, http.HandlerFunc(server.handleEnrollment))

	mux.Handle(runtimeConfigPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.exportRuntimeConfig,
		http.MethodPut: server.importRuntimeConfig,
	}))
	mux.Handle(channelConfigPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut: server.updateChannelPolicy,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type contactPayload struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	Phone        string            `json:"phone"`
	SocialHandle string            `json:"social_handle"`
	Consent      map[string]bool   `json:"consent"`
	Attributes   map[string]string `json:"attributes"`
}

type enrollPayload struct {
	Contact         contactPayload `json:"contact"`
	SequenceID      string         `json:"sequence_id"`
	SequenceVersion int            `json:"sequence_version"`
	LeadScore       string         `json:"lead_score"`
}

type enrollmentView struct {
	ID               string `json:"id"`
	ContactID        string `json:"contact_id"`
	SequenceID       string `json:"sequence_id"`
	SequenceVersion  int    `json:"sequence_version"`
	CurrentStepIndex int    `json:"current_step_index"`
	Status           string `json:"status"`
	NextDueAt        string `json:"next_due_at,omitempty"`
	AttemptCount     int    `json:"attempt_count"`
	LastError        string `json:"last_error,omitempty"`
}

func viewOf(e campaign.Enrollment) enrollmentView {
	view := enrollmentView{
		ID:               e.ID,
		ContactID:        e.Contact.ID,
		SequenceID:       e.SequenceID,
		SequenceVersion:  e.SequenceVersion,
		CurrentStepIndex: e.CurrentStepIndex,
		Status:           string(e.Status),
		AttemptCount:     e.AttemptCount,
		LastError:        e.LastError,
	}
	if e.NextDueAt != nil {
		view.NextDueAt = e.NextDueAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return view
}

func (s *httpServer) createEnrollment(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()

	var payload enrollPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}

	consent := make(map[campaign.Channel]bool, len(payload.Contact.Consent))
	for name, granted := range payload.Contact.Consent {
		channel, err := campaign.ParseChannel(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		consent[channel] = granted
	}

	enrollment, err := s.engine.Enroll(r.Context(), engine.EnrollRequest{
		Contact: campaign.ContactRef{
			ID:           strings.TrimSpace(payload.Contact.ID),
			Name:         payload.Contact.Name,
			Email:        payload.Contact.Email,
			Phone:        payload.Contact.Phone,
			SocialHandle: payload.Contact.SocialHandle,
			Consent:      consent,
			Attributes:   payload.Contact.Attributes,
		},
		SequenceID:      strings.TrimSpace(payload.SequenceID),
		SequenceVersion: payload.SequenceVersion,
		LeadScore:       payload.LeadScore,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(enrollment))
}

func (s *httpServer) handleEnrollment(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, enrollmentDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "enrollment id required")
		return
	}

	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "enrollment id required")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		enrollment, err := s.engine.Get(r.Context(), id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(enrollment))
		return
	}

	s.handleEnrollmentAction(w, r, id, strings.TrimSpace(action))
}

func (s *httpServer) handleEnrollmentAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if action == "attempts" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		trail, err := s.attempts.ListByEnrollment(r.Context(), id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": trail})
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var err error
	switch action {
	case "pause":
		err = s.engine.Pause(r.Context(), id)
	case "resume":
		err = s.engine.Resume(r.Context(), id)
	case "cancel":
		err = s.engine.Cancel(r.Context(), id, "operator_request")
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	enrollment, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(enrollment))
}

func (s *httpServer) exportRuntimeConfig(w http.ResponseWriter, _ *http.Request) {
	if s.runtimeStore == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime config store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.runtimeStore.Snapshot())
}

func (s *httpServer) importRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	if s.runtimeStore == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime config store unavailable")
		return
	}
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()

	var cfg config.RuntimeConfig
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&cfg); err != nil {
		writeDecodeError(w, err)
		return
	}
	cfg.Normalise()
	updated, err := s.runtimeStore.Replace(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *httpServer) updateChannelPolicy(w http.ResponseWriter, r *http.Request) {
	if s.runtimeStore == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime config store unavailable")
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, channelConfigPrefix), "/")
	if name == "" {
		writeError(w, http.StatusNotFound, "channel name required")
		return
	}
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()

	var policy config.ChannelPolicy
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&policy); err != nil {
		writeDecodeError(w, err)
		return
	}
	updated, err := s.runtimeStore.UpdateChannel(name, policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *httpServer) writeEngineError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeAlreadyEnrolled, errs.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeNotEligible:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("decode payload: %v", err))
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
