package httpx

import (
	"net/http"

	"github.com/texq/texq/internal/health"
	"github.com/texq/texq/internal/service"
)

// RouterServices holds the services needed by the HTTP router.
type RouterServices struct {
	Compile *service.CompileService
	Health  health.Checker
	BaseURL string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	compileHandlers := &CompileHandlers{Svc: services.Compile, BaseURL: services.BaseURL}
	healthHandlers := &HealthHandlers{Checker: services.Health}

	mux.HandleFunc("POST /api/compile", compileHandlers.Submit)
	mux.HandleFunc("GET /api/compile/{id}", compileHandlers.Poll)
	mux.HandleFunc("GET /api/compile/{id}/output", compileHandlers.Output)
	mux.HandleFunc("POST /api/compile/{id}/cancel", compileHandlers.Cancel)

	mux.HandleFunc("GET /healthz", healthHandlers.Healthz)
	mux.HandleFunc("HEAD /healthz", healthHandlers.Healthz)

	return mux
}
