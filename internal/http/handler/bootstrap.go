package handler

import (
	"errors"
	"net/http"

	"gorm.io/gorm"

	"postpone/internal/account"
	"postpone/internal/auth"
	"postpone/internal/job"
	"postpone/internal/snippet"
)

// BootstrapHandler returns everything the client needs on startup in one
// round trip.
type BootstrapHandler struct {
	DB       *gorm.DB
	Jobs     *job.Store
	Snippets *snippet.Store
}

func (h *BootstrapHandler) Init(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	sendJobs, err := h.Jobs.SendJobsForDisplay(r.Context(), uid)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	remindJobs, err := h.Jobs.RemindJobsForDisplay(r.Context(), uid)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	snippets, err := h.Snippets.List(r.Context(), uid)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	email := ""
	connected := false
	a, err := account.Get(r.Context(), h.DB, uid)
	switch {
	case err == nil:
		connected = true
		email = a.Email
	case errors.Is(err, job.ErrNoGateway):
	default:
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	if sendJobs == nil {
		sendJobs = []*job.SendJob{}
	}
	if remindJobs == nil {
		remindJobs = []*job.RemindJob{}
	}
	if snippets == nil {
		snippets = []snippet.Snippet{}
	}
	writeJSON(w, map[string]any{
		"sendJobs":         sendJobs,
		"remindJobs":       remindJobs,
		"snippets":         snippets,
		"accountConnected": connected,
		"email":            email,
	})
}
