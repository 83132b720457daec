package edgeguard

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/giantswarm/edgeguard/security"
)

// newRouter builds the gateway's route table. Every route runs behind the
// request ID middleware and ingress.
//
// Read-only operator routes are GET with query parameters. Mutating routes
// are POST with a form or JSON body, so the signature covers their
// parameters.
func (g *Gateway) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(g.ingress)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ErrorCodeNotFound})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	oauth := NewHandler(g, g.Logger.With("component", "oauth"))
	r.Route("/oauth", func(r chi.Router) {
		r.HandleFunc("/authorize", oauth.ServeAuthorization)
		r.HandleFunc("/token", oauth.ServeToken)
		r.HandleFunc("/introspect", oauth.ServeTokenIntrospection)
		r.HandleFunc("/userinfo", oauth.ServeUserInfo)
		r.HandleFunc("/revoke", oauth.ServeTokenRevocation)
		r.HandleFunc("/keys", oauth.ServeKeys)
		r.HandleFunc("/.well-known/openid_configuration", oauth.ServeOpenIDConfiguration)
		r.HandleFunc("/*", oauth.ServeNotFound)
	})

	r.Get("/healthz", g.serveHealth)
	r.Get("/metrics", g.serveMetrics)
	r.Get("/metrics/prometheus", g.servePrometheus)
	r.Get("/events", g.serveEvents)
	r.Get("/risk", g.serveRisk)
	r.Post("/webhook/in", g.serveWebhook)

	r.Route("/webhook/guard", func(r chi.Router) {
		r.Get("/list", g.serveGuardList)
		r.Get("/stats", g.serveGuardStats)
		r.Post("/set", g.serveGuardSet)
		r.Post("/disable", g.serveGuardDisable)
		r.Post("/relax", g.serveGuardRelax)
	})

	r.Route("/anti_replay/purge", func(r chi.Router) {
		r.Post("/config", g.servePurgeConfig)
		r.Post("/disable", g.servePurgeDisable)
		r.Post("/run", g.servePurgeRun)
		r.Get("/status", g.servePurgeStatus)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Post("/create", g.serveKeyCreate)
		r.Post("/rotate", g.serveKeyRotate)
		r.Post("/status", g.serveKeyStatus)
		r.Get("/meta", g.serveKeyMeta)
		r.Post("/export_hex", g.serveKeyExport)
		r.Post("/auto/config", g.serveAutoRotationConfig)
		r.Post("/auto/disable", g.serveAutoRotationDisable)
		r.Get("/auto/status", g.serveAutoRotationStatus)
	})

	r.Route("/policy", func(r chi.Router) {
		r.Get("/get", g.servePolicyGet)
		r.Post("/set", g.servePolicySet)
		r.Post("/set_dsl", g.servePolicySetDSL)
	})

	r.Route("/memory", func(r chi.Router) {
		r.Post("/config", g.serveMemoryConfig)
		r.Post("/purge", g.serveMemoryPurge)
		r.Get("/status", g.serveMemoryStatus)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Post("/set", g.serveAlertSet)
		r.Post("/disable", g.serveAlertDisable)
	})

	r.Route("/clients", func(r chi.Router) {
		r.Post("/register", g.serveClientRegister)
		r.Get("/list", g.serveClientList)
		r.Post("/status", g.serveClientStatus)
		r.Post("/delete", g.serveClientDelete)
		r.Post("/policy", g.serveClientPolicy)
	})

	r.Route("/tokens", func(r chi.Router) {
		r.Get("/stats", g.serveTokenStats)
		r.Post("/cleanup", g.serveTokenCleanup)
	})

	return r
}
