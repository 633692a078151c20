package httpapi

import (
	"net/http"

	"revalidator/internal/ratelimit"
	"revalidator/internal/warming"
)

func (h *Handler) warm(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, ratelimit.ClassAdmin); err != nil {
		h.writeMappedError(w, r, "warm", err)
		return
	}
	if h.Warmer == nil {
		h.writeMappedError(w, r, "warm", errNoWarmer)
		return
	}
	mode := warming.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = warming.ModeCritical
	}
	sess, err := h.Warmer.Run(r.Context(), mode)
	if err != nil {
		h.writeMappedError(w, r, "warm", err)
		return
	}
	writeSuccess(w, http.StatusOK, sess)
}

func (h *Handler) warmStatus(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, ratelimit.ClassManual); err != nil {
		h.writeMappedError(w, r, "warm_status", err)
		return
	}
	out := map[string]any{}
	if h.Scheduler != nil {
		out["scheduler"] = h.Scheduler.Status()
	}
	if h.Warmer != nil {
		out["targets"] = h.Warmer.Targets()
	}
	writeSuccess(w, http.StatusOK, out)
}
