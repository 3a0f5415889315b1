package producer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"goa.design/taskq/broker"
	"goa.design/taskq/publish"
	"goa.design/taskq/task"
)

// Error codes carried in failure response bodies.
const (
	CodeInvalidRequest = "invalid_request"
	CodeOverflow       = "destination_overflow"
	CodePublishFailed  = "publish_failed"
)

// maxBatchSubmission bounds one batch submission request.
const maxBatchSubmission = 500

type (
	// API is the producer HTTP surface.
	API struct {
		pub        *publish.Publisher
		supervisor *Supervisor
		registry   *prometheus.Registry
	}

	// Submission is the body of POST /tasks.
	Submission struct {
		Type           task.Type         `json:"type"`
		Title          string            `json:"title"`
		Description    string            `json:"description,omitempty"`
		ManualPriority *int              `json:"manual_priority,omitempty"`
		Parameters     map[string]any    `json:"parameters,omitempty"`
		Features       *task.Features    `json:"features,omitempty"`
	}

	// BatchSubmission is the body of POST /tasks/batch.
	BatchSubmission struct {
		Tasks []Submission `json:"tasks"`
	}
)

// NewAPI returns the producer HTTP surface. The supervisor may be nil when
// auto-send is disabled by configuration.
func NewAPI(pub *publish.Publisher, supervisor *Supervisor, registry *prometheus.Registry) *API {
	return &API{pub: pub, supervisor: supervisor, registry: registry}
}

// Handler returns the routed API.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/tasks", a.handleSubmit)
	r.Post("/tasks/batch", a.handleSubmitBatch)
	r.Get("/healthz", a.handleHealthz)
	r.Route("/auto", func(r chi.Router) {
		r.Post("/start", a.handleAutoStart)
		r.Post("/stop", a.handleAutoStop)
		r.Get("/status", a.handleAutoStatus)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return r
}

// build validates the submission and converts it to a task.
func (sub Submission) build() (*task.Task, error) {
	known := false
	for _, typ := range task.Types() {
		if sub.Type == typ {
			known = true
			break
		}
	}
	if !known {
		return nil, errors.New("unknown task type")
	}
	if sub.ManualPriority != nil && (*sub.ManualPriority < 0 || *sub.ManualPriority > 10) {
		return nil, errors.New("manual_priority must be between 0 and 10")
	}

	t := task.New(sub.Type, sub.Title)
	t.Description = sub.Description
	if sub.ManualPriority != nil {
		t.ManualPriority = *sub.ManualPriority
	}
	t.Parameters = sub.Parameters
	t.Features = sub.Features
	if _, err := t.ProjectParams(); err != nil {
		return nil, err
	}
	return t, nil
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeFailure(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	t, err := sub.build()
	if err != nil {
		writeFailure(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	if err := a.pub.Publish(r.Context(), t); err != nil {
		if errors.Is(err, broker.ErrOverflow) {
			writeFailure(w, http.StatusServiceUnavailable, CodeOverflow, "destination queue is full")
			return
		}
		log.Error(r.Context(), err, log.KV{K: "msg", V: "submission publish failed"},
			log.KV{K: "task_id", V: t.ID})
		writeFailure(w, http.StatusBadGateway, CodePublishFailed, "task could not be published")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":     t.ID,
		"routing_key": t.RoutingKey,
	})
}

func (a *API) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var batch BatchSubmission
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeFailure(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if len(batch.Tasks) == 0 || len(batch.Tasks) > maxBatchSubmission {
		writeFailure(w, http.StatusBadRequest, CodeInvalidRequest, "batch must carry between 1 and 500 tasks")
		return
	}

	tasks := make([]*task.Task, 0, len(batch.Tasks))
	ids := make([]string, 0, len(batch.Tasks))
	for i, sub := range batch.Tasks {
		t, err := sub.build()
		if err != nil {
			writeFailure(w, http.StatusBadRequest, CodeInvalidRequest,
				"task "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}

	sent, err := a.pub.PublishBatch(r.Context(), tasks)
	if err != nil {
		writeFailure(w, http.StatusBadGateway, CodePublishFailed, "batch publish failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"submitted": sent,
		"total":     len(tasks),
		"task_ids":  ids,
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleAutoStart(w http.ResponseWriter, r *http.Request) {
	if a.supervisor == nil {
		writeFailure(w, http.StatusNotFound, CodeInvalidRequest, "auto-send is disabled")
		return
	}
	// The loop must outlive this request.
	if err := a.supervisor.Start(context.WithoutCancel(r.Context())); err != nil {
		writeFailure(w, http.StatusConflict, CodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

func (a *API) handleAutoStop(w http.ResponseWriter, r *http.Request) {
	if a.supervisor == nil {
		writeFailure(w, http.StatusNotFound, CodeInvalidRequest, "auto-send is disabled")
		return
	}
	a.supervisor.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

func (a *API) handleAutoStatus(w http.ResponseWriter, r *http.Request) {
	if a.supervisor == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   true,
		"running":   a.supervisor.Running(),
		"generated": a.supervisor.Generated(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFailure(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}
