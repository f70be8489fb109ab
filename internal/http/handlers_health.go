package httpx

import (
	"net/http"

	"github.com/texq/texq/internal/health"
)

// HealthHandlers answers readiness probes. The checker encapsulates the
// deployment topology; this handler only translates its verdict to a status
// code.
type HealthHandlers struct {
	Checker health.Checker
}

// Healthz handles GET/HEAD /healthz. 200 means the deployment can accept
// compile work; 503 carries the reason it cannot.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Checker.Check(r.Context()); err != nil {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": err.Error(),
		})
		return
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
