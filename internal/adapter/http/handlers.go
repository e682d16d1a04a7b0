package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/port/ledger"
	"github.com/Strob0t/CreditForge/internal/service"
)

const healthTimeout = 2 * time.Second

// StatusSource exposes the scheduler's in-memory view.
type StatusSource interface {
	Status() service.SchedulerStatus
	Project(id string) (service.ProjectStatus, bool)
}

// Reloader reloads the configuration snapshot.
type Reloader interface {
	Reload() (*config.Config, error)
}

// Handlers holds the dependencies of the status API.
type Handlers struct {
	Store     ledger.Store
	Scheduler StatusSource
	Config    service.ConfigSource
	Reloader  Reloader // nil disables POST /config/reload
	Version   string
}

type projectView struct {
	ID        string          `json:"id"`
	Active    bool            `json:"active"`
	Watermark time.Time       `json:"watermark,omitzero"`
	Used      decimal.Decimal `json:"used_credits"`
	Granted   decimal.Decimal `json:"granted_credits"`
	Remaining decimal.Decimal `json:"remaining_credits"`
}

func newProjectView(p *credits.Project) projectView {
	return projectView{
		ID:        p.ID,
		Active:    p.Active,
		Watermark: p.Watermark,
		Used:      p.UsedCredits,
		Granted:   p.GrantedCredits,
		Remaining: p.Remaining(),
	}
}

// Health reports whether the ledger is reachable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "ledger": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status returns pool occupancy, the last cycle and per-project task state.
func (h *Handlers) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

// ListProjects returns every known project with its balance.
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	out := make([]projectView, 0, len(projects))
	for i := range projects {
		out = append(out, newProjectView(&projects[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// ProjectCredits returns the balance of one project and its last task.
func (h *Handlers) ProjectCredits(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	p, err := h.Store.GetProject(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err, "project not found")
		return
	}
	resp := struct {
		projectView
		Task *service.ProjectStatus `json:"task,omitempty"`
	}{projectView: newProjectView(p)}
	if st, ok := h.Scheduler.Project(id); ok {
		resp.Task = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProjectHistory returns ledger entries whose window starts in
// [start, end). Both bounds are RFC3339; start defaults to the beginning of
// the ledger and end to now.
func (h *Handlers) ProjectHistory(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	end, err := queryTime(r, "end", time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be an RFC3339 timestamp")
		return
	}
	start, err := queryTime(r, "start", time.Time{})
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be an RFC3339 timestamp")
		return
	}
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	if _, err := h.Store.GetProject(r.Context(), id); err != nil {
		writeDomainError(w, r, err, "project not found")
		return
	}
	entries, err := h.Store.Entries(r.Context(), id, start, end)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if entries == nil {
		entries = []credits.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": id,
		"start":      start,
		"end":        end,
		"entries":    entries,
	})
}

// Metrics returns the active rate table.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	cfg := h.Config.Current()
	engine, err := service.NewPricingEngine(&cfg.Accounting)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"precision": engine.Precision(),
		"rates":     engine.Rates(),
	})
}

// CostsPerHour prices a machine such as
// {"project_vcpu_usage": 16, "project_mb_usage": 32768} for one hour.
func (h *Handlers) CostsPerHour(w http.ResponseWriter, r *http.Request) {
	machine, ok := readJSON[map[string]decimal.Decimal](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	for name, v := range machine {
		if v.IsNegative() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must not be negative", name))
			return
		}
	}

	cfg := h.Config.Current()
	engine, err := service.NewPricingEngine(&cfg.Accounting)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	total, err := engine.CostsPerHour(machine)
	if err != nil {
		if errors.Is(err, credits.ErrUnknownResource) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"credits_per_hour": total})
}

// ReloadConfig reloads the configuration file. An invalid file is rejected
// and the active snapshot is kept.
func (h *Handlers) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.Reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "configuration reload is not available")
		return
	}
	if _, err := h.Reloader.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
