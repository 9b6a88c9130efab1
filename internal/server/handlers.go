package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"deployd/internal/cronexpr"
	"deployd/internal/deploy"
	logx "deployd/pkg/logx"
)

type createRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Section     string `json:"section,omitempty"`

	// ConfigurationID creates a single deployment; ConfigurationIDs creates
	// a batch that executes in the given order.
	ConfigurationID  string   `json:"configurationId,omitempty"`
	ConfigurationIDs []string `json:"configurationIds,omitempty"`

	TargetType deploy.TargetType `json:"targetType"`
	TargetID   string            `json:"targetId"`

	ScheduleType   deploy.ScheduleType `json:"scheduleType,omitempty"`
	ScheduledFor   *time.Time          `json:"scheduledFor,omitempty"`
	CronExpression string              `json:"cronExpression,omitempty"`
	Timezone       string              `json:"timezone,omitempty"`
}

type createResponse struct {
	BatchKey    string              `json:"batchKey,omitempty"`
	Deployments []deploy.Deployment `json:"deployments"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	if req.ScheduleType == "" {
		req.ScheduleType = deploy.ScheduleImmediate
	}

	configIDs := req.ConfigurationIDs
	if len(configIDs) == 0 {
		configIDs = []string{req.ConfigurationID}
	}
	batchKey := ""
	if len(configIDs) > 1 {
		batchKey = uuid.NewString()
	}

	now := time.Now()

	// Recurring specs need an evaluable expression and a first fire time
	// before anything is persisted.
	var nextRunAt *time.Time
	if req.ScheduleType == deploy.ScheduleRecurring {
		next, err := cronexpr.Next(req.CronExpression, now, req.Timezone)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		nextRunAt = &next
	}

	specs := make([]deploy.Spec, 0, len(configIDs))
	for _, cfgID := range configIDs {
		sp := deploy.Spec{
			Name:            req.Name,
			Description:     req.Description,
			Section:         req.Section,
			ConfigurationID: cfgID,
			TargetType:      req.TargetType,
			TargetID:        req.TargetID,
			ScheduleType:    req.ScheduleType,
			ScheduledFor:    req.ScheduledFor,
			CronExpression:  strings.TrimSpace(req.CronExpression),
			Timezone:        strings.TrimSpace(req.Timezone),
			NextRunAt:       nextRunAt,
			BatchKey:        batchKey,
		}
		if err := sp.Validate(now); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		specs = append(specs, sp)
	}

	created := make([]deploy.Deployment, 0, len(specs))
	for _, sp := range specs {
		d, err := s.store.Create(r.Context(), sp)
		if err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		created = append(created, d)
	}

	// Immediate work starts right away. An occupied lineage is not an
	// error: the record stays pending and the periodic sweep retries.
	if req.ScheduleType == deploy.ScheduleImmediate {
		if batchKey != "" {
			if s.seq != nil {
				s.seq.Advance(r.Context(), batchKey)
			}
		} else if err := s.runner.Run(r.Context(), created[0].ID); err != nil && !errors.Is(err, deploy.ErrBusy) {
			s.log.Warn("created deployment failed to start", logx.String("id", created[0].ID), logx.Err(err))
		}
	}

	// Re-read so the response reflects any start that already happened.
	for i := range created {
		if d, err := s.store.Get(r.Context(), created[i].ID); err == nil {
			created[i] = d
		}
	}

	writeJSON(w, http.StatusCreated, createResponse{BatchKey: batchKey, Deployments: created})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if r.URL.Query().Get("latest") == "true" {
		all = deploy.LatestPerLineage(all)
	}
	if all == nil {
		all = []deploy.Deployment{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deploy.Aggregate(all))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	versions, err := s.store.ListLineage(r.Context(), d.Lineage())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// handleRun starts a pending deployment, or creates and starts a new version
// when the addressed one already finished.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	switch {
	case d.Status == deploy.StatusPending:
	case d.Status.Terminal():
		prior := d
		d, err = s.store.Append(r.Context(), d.Lineage(), deploy.Spec{
			Description:  d.Description,
			Section:      d.Section,
			TargetType:   d.TargetType,
			ScheduleType: deploy.ScheduleImmediate,
			BatchKey:     d.BatchKey,
		})
		if err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		_ = s.store.AppendLogs(r.Context(), d.ID,
			fmt.Sprintf("redeploy of version %d\n", prior.Version))
	default:
		writeErr(w, http.StatusConflict, deploy.ErrBusy)
		return
	}

	if err := s.runner.Run(r.Context(), d.ID); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if cur, err := s.store.Get(r.Context(), d.ID); err == nil {
		d = cur
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	d, err := s.runner.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SetRecurringActive(r.Context(), id, false); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	d, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleResume reactivates a paused definition. The next fire time is
// recomputed from now so a long pause does not replay missed occurrences.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if d.ScheduleType != deploy.ScheduleRecurring {
		writeErr(w, http.StatusConflict, deploy.ErrNotRecurring)
		return
	}

	next, err := cronexpr.Next(d.CronExpression, time.Now(), d.Timezone)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetRecurrence(r.Context(), id, &next, nil); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if err := s.store.SetRecurringActive(r.Context(), id, true); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	d, err = s.store.Get(r.Context(), id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": len(s.runner.Running()),
	})
}

func statusFor(err error) int {
	var verr *deploy.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, cronexpr.ErrInvalidExpression),
		errors.Is(err, cronexpr.ErrInvalidTimezone):
		return http.StatusBadRequest
	case errors.Is(err, deploy.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrBusy),
		errors.Is(err, deploy.ErrInvalidTransition),
		errors.Is(err, deploy.ErrDeleteRunning),
		errors.Is(err, deploy.ErrNotRunning),
		errors.Is(err, deploy.ErrNotRecurring):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
