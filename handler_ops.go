package edgeguard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/internal/util"
	"github.com/giantswarm/edgeguard/keystore"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/server"
	"github.com/giantswarm/edgeguard/storage"
	"github.com/giantswarm/edgeguard/telemetry"
)

// Operator route defaults.
const (
	defaultCreateKeyLength   = 32
	defaultRotateKeyVersion  = 2
	defaultAutoThreshold     = 85
	defaultAutoInterval      = 300 * time.Second
	defaultPurgeSensitivity  = 60
	defaultPurgeWindowMs     = 300_000
	defaultPurgeCapacity     = 1024
	defaultAlertThreshold    = 80
	defaultAlertCooldownSecs = 300
)

var okResponse = map[string]bool{"ok": true}

// ==================== Request parameters ====================

// params returns the signed parameters of r: the form body of a POST, the
// query string otherwise.
func params(r *http.Request) (url.Values, error) {
	if r.Method != http.MethodPost {
		return r.URL.Query(), nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, ErrInvalidRequest("Failed to parse request")
	}
	return r.PostForm, nil
}

func intParam(v url.Values, key string, def int) (int, error) {
	raw := strings.TrimSpace(v.Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ErrInvalidRequest(fmt.Sprintf("%s must be an integer", key))
	}
	return n, nil
}

func int64Param(v url.Values, key string, def int64) (int64, error) {
	raw := strings.TrimSpace(v.Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ErrInvalidRequest(fmt.Sprintf("%s must be an integer", key))
	}
	return n, nil
}

func boolParam(v url.Values, key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v.Get(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// listParam splits a comma-separated list, dropping empty items.
func listParam(v url.Values, key string) []string {
	var out []string
	for _, item := range strings.Split(v.Get(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func requireParam(v url.Values, key string) (string, error) {
	s := strings.TrimSpace(v.Get(key))
	if s == "" {
		return "", ErrInvalidRequest(key + " is required")
	}
	return s, nil
}

// writeOpError maps an operator error to its status and JSON body.
func writeOpError(w http.ResponseWriter, err error) {
	oe := operatorError(err)
	writeJSON(w, oe.Status, ErrorResponse{Error: oe.Code, ErrorDescription: oe.Description})
}

// ==================== Telemetry ====================

func (g *Gateway) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) serveMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Telemetry.Snapshot())
}

func (g *Gateway) servePrometheus(w http.ResponseWriter, r *http.Request) {
	h := g.instrumentation.PrometheusHandler()
	if h == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:            ErrorCodeNotFound,
			ErrorDescription: "Prometheus exporter is not enabled",
		})
		return
	}
	h.ServeHTTP(w, r)
}

func (g *Gateway) serveEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Telemetry.Events())
}

func (g *Gateway) serveRisk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, RiskResponse{
		Risk:        g.Telemetry.CurrentRisk(),
		CircuitOpen: g.Telemetry.CircuitOpen(),
	})
}

// serveWebhook hands a verified webhook body to the configured receiver.
func (g *Gateway) serveWebhook(w http.ResponseWriter, r *http.Request) {
	recv := g.webhookReceiver()
	if recv == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:            ErrorCodeNotFound,
			ErrorDescription: "No webhook receiver configured",
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeOpError(w, ErrInvalidRequest("Failed to read request body"))
		return
	}
	if err := recv.ReceiveWebhook(r.Context(), r.Header.Clone(), body); err != nil {
		g.Logger.Warn("Webhook receiver failed", "error", err)
		writeOpError(w, ErrServerError("Webhook processing failed"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

// ==================== Guards ====================

func (g *Gateway) serveGuardList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Guards.List())
}

func (g *Gateway) serveGuardStats(w http.ResponseWriter, _ *http.Request) {
	type pathStat struct {
		telemetry.PathStat
		ErrorRatio float64 `json:"error_ratio"`
	}
	stats := g.Telemetry.PathStats()
	out := make([]pathStat, 0, len(stats))
	for _, s := range stats {
		out = append(out, pathStat{PathStat: s, ErrorRatio: s.ErrorRatio()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) serveGuardSet(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}

	path := v.Get("path")
	if path == "" {
		path = security.DefaultGuardPath
	}
	guard := security.DefaultGuardConfig(path)
	if guard.KeyID == security.DefaultGuardKeyID {
		guard.KeyID = g.Config.Security.GuardKeyID
	}
	if alg := v.Get("alg"); alg != "" {
		if guard.Algorithm, err = security.ParseAlgorithm(alg); err != nil {
			writeOpError(w, ErrInvalidRequest(err.Error()))
			return
		}
	}
	if key := v.Get("key"); key != "" {
		guard.KeyID = key
	}
	if guard.TimestampWindowMs, err = int64Param(v, "ts", security.DefaultGuardWindowMs); err != nil {
		writeOpError(w, err)
		return
	}
	guard.Required = boolParam(v, "required", true)
	guard.AntiReplay = boolParam(v, "replay", true)

	stored, err := g.Guards.Set(guard)
	if err != nil {
		writeOpError(w, ErrInvalidRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (g *Gateway) serveGuardDisable(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	path, err := requireParam(v, "path")
	if err != nil {
		writeOpError(w, err)
		return
	}
	if !g.Guards.Disable(path) {
		writeOpError(w, ErrNotFound("no guard for "+path))
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

func (g *Gateway) serveGuardRelax(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	path, err := requireParam(v, "path")
	if err != nil {
		writeOpError(w, err)
		return
	}
	guard, relaxed := g.Guards.RelaxIfSafe(path)
	writeJSON(w, http.StatusOK, map[string]any{"relaxed": relaxed, "guard": guard})
}

// ==================== Anti-replay purge ====================

func (g *Gateway) purgeStatusResponse(st keystore.PurgeStatus) PurgeStatusResponse {
	var next int64
	if !st.NextRun.IsZero() {
		next = st.NextRun.UnixMilli()
	}
	return PurgeStatusResponse{
		Enabled:      st.Enabled,
		Mode:         string(st.Mode),
		IntervalMs:   st.Mode.Cadence().Milliseconds(),
		NextMs:       next,
		Sensitivity:  st.Sensitivity,
		BaseWindowMs: st.Base.Window.Milliseconds(),
		BaseCapacity: st.Base.Capacity,
		LastRemoved:  st.LastRemoved,
	}
}

func (g *Gateway) servePurgeConfig(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	mode := v.Get("mode")
	if mode == "" {
		mode = string(keystore.PurgeWeekly)
	}
	sensitivity, err := intParam(v, "sensitivity", defaultPurgeSensitivity)
	if err != nil {
		writeOpError(w, err)
		return
	}
	windowMs, err := int64Param(v, "window_ms", defaultPurgeWindowMs)
	if err != nil {
		writeOpError(w, err)
		return
	}
	capacity, err := intParam(v, "capacity", defaultPurgeCapacity)
	if err != nil {
		writeOpError(w, err)
		return
	}

	st := g.Scheduler.ConfigurePurge(keystore.ParsePurgeMode(mode), sensitivity, keystore.ReplayParams{
		Capacity: capacity,
		Window:   time.Duration(windowMs) * time.Millisecond,
	})
	writeJSON(w, http.StatusOK, g.purgeStatusResponse(st))
}

func (g *Gateway) servePurgeDisable(w http.ResponseWriter, _ *http.Request) {
	g.Scheduler.DisablePurge()
	writeJSON(w, http.StatusOK, okResponse)
}

func (g *Gateway) servePurgeRun(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Scheduler.RunPurgeNow())
}

func (g *Gateway) servePurgeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.purgeStatusResponse(g.Scheduler.PurgeStatus()))
}

// ==================== Keys ====================

func keyMetaResponse(m keystore.Meta) KeyMetaResponse {
	return KeyMetaResponse{
		ID:        m.KeyID,
		Version:   m.Version,
		CreatedMs: m.CreatedAt.UnixMilli(),
		Status:    m.Status.String(),
	}
}

func versionParam(v url.Values, def uint32) (uint32, error) {
	raw := strings.TrimSpace(v.Get("ver"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, ErrInvalidRequest("ver must be a positive integer")
	}
	return uint32(n), nil
}

func (g *Gateway) serveKeyCreate(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	id, err := requireParam(v, "id")
	if err != nil {
		writeOpError(w, err)
		return
	}
	ver, err := versionParam(v, 1)
	if err != nil {
		writeOpError(w, err)
		return
	}
	length, err := intParam(v, "len", defaultCreateKeyLength)
	if err != nil {
		writeOpError(w, err)
		return
	}

	meta, err := g.Keys.CreateKey(id, ver, length, v.Get("device_fp"), g.now())
	if err != nil {
		writeOpError(w, err)
		return
	}
	g.Auditor.LogKeyEvent(security.EventKeyCreated, id, g.ipResolver.ClientIP(r), map[string]any{"version": ver})
	writeJSON(w, http.StatusOK, keyMetaResponse(meta))
}

func (g *Gateway) serveKeyRotate(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	id, err := requireParam(v, "id")
	if err != nil {
		writeOpError(w, err)
		return
	}
	ver, err := versionParam(v, defaultRotateKeyVersion)
	if err != nil {
		writeOpError(w, err)
		return
	}
	length, err := intParam(v, "len", 0)
	if err != nil {
		writeOpError(w, err)
		return
	}

	meta, err := g.Keys.RotateKey(id, ver, length, g.now())
	if err != nil {
		writeOpError(w, err)
		return
	}
	g.Telemetry.RecordEvent(telemetry.EventKeyRotation, fmt.Sprintf("manual:%s:v%d", id, meta.Version))
	g.Auditor.LogKeyEvent(security.EventKeyRotated, id, g.ipResolver.ClientIP(r), map[string]any{
		"version": meta.Version,
		"trigger": "manual",
	})
	g.metrics.RecordKeyRotation(r.Context(), "manual", 1)
	writeJSON(w, http.StatusOK, keyMetaResponse(meta))
}

func (g *Gateway) serveKeyStatus(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	id, err := requireParam(v, "id")
	if err != nil {
		writeOpError(w, err)
		return
	}
	status, err := keystore.ParseStatus(v.Get("status"))
	if err != nil {
		writeOpError(w, err)
		return
	}

	meta, err := g.Keys.SetStatus(id, status)
	if err != nil {
		writeOpError(w, err)
		return
	}
	g.Auditor.LogKeyEvent(security.EventKeyStatusChanged, id, g.ipResolver.ClientIP(r), map[string]any{"status": status.String()})
	writeJSON(w, http.StatusOK, keyMetaResponse(meta))
}

func (g *Gateway) serveKeyMeta(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}

	var metas []keystore.Meta
	if ids := listParam(v, "ids"); len(ids) > 0 {
		metas = g.Keys.MetaFor(ids)
	} else {
		metas = g.Keys.List()
	}
	out := make([]KeyMetaResponse, 0, len(metas))
	for _, m := range metas {
		out = append(out, keyMetaResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// serveKeyExport exports key material as hex. It demands consent=1 and
// seals every value when a sealing key is configured.
func (g *Gateway) serveKeyExport(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	ip := g.ipResolver.ClientIP(r)
	ids := listParam(v, "ids")
	if len(ids) == 0 {
		writeOpError(w, ErrInvalidRequest("ids is required"))
		return
	}

	secrets, err := g.Keys.ExportHex(ids, boolParam(v, "consent", false))
	if err != nil {
		if errors.Is(err, keystore.ErrConsentRequired) {
			g.Auditor.LogKeyEvent(security.EventKeyExportDenied, strings.Join(ids, ","), ip, nil)
		}
		writeOpError(w, err)
		return
	}
	sealed, err := g.sealer.SealAll(secrets)
	if err != nil {
		g.Logger.Error("Failed to seal exported keys", "error", err)
		writeOpError(w, ErrServerError("Failed to seal key material"))
		return
	}

	out := make([]KeyExportResponse, 0, len(sealed))
	for _, m := range g.Keys.MetaFor(ids) {
		keyHex, ok := sealed[m.KeyID]
		if !ok {
			continue
		}
		out = append(out, KeyExportResponse{
			ID:      m.KeyID,
			Version: m.Version,
			KeyHex:  keyHex,
			Sealed:  g.sealer.Enabled(),
		})
	}
	g.Auditor.LogKeyEvent(security.EventKeyExported, strings.Join(ids, ","), ip, map[string]any{"sealed": g.sealer.Enabled()})
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) serveAutoRotationConfig(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	threshold, err := intParam(v, "threshold", defaultAutoThreshold)
	if err != nil {
		writeOpError(w, err)
		return
	}
	interval, err := int64Param(v, "interval", int64(defaultAutoInterval/time.Second))
	if err != nil {
		writeOpError(w, err)
		return
	}
	length, err := intParam(v, "len", defaultCreateKeyLength)
	if err != nil {
		writeOpError(w, err)
		return
	}
	ids := listParam(v, "ids")
	if len(ids) == 0 {
		ids = []string{g.Config.Security.GuardKeyID}
	}

	st, err := g.Scheduler.ConfigureAutoRotation(threshold, time.Duration(interval)*time.Second, ids, length)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) serveAutoRotationDisable(w http.ResponseWriter, _ *http.Request) {
	g.Scheduler.DisableAutoRotation()
	writeJSON(w, http.StatusOK, okResponse)
}

func (g *Gateway) serveAutoRotationStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Scheduler.AutoRotationStatus())
}

// ==================== Inspection policy ====================

func (g *Gateway) servePolicyGet(w http.ResponseWriter, r *http.Request) {
	p := g.Inspector.Policy()
	if r.URL.Query().Get("format") == "dsl" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, security.FormatPolicyDSL(p))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// servePolicySet replaces the inspection policy with a JSON or YAML body.
func (g *Gateway) servePolicySet(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeOpError(w, ErrInvalidRequest("Failed to read request body"))
		return
	}

	var p security.InboundPolicy
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		p, err = security.ParsePolicyJSON(body)
	} else {
		p, err = security.ParsePolicyYAML(body)
	}
	if err != nil {
		writeOpError(w, ErrInvalidRequest(err.Error()))
		return
	}
	g.applyPolicy(w, r, p, "json")
}

// servePolicySetDSL replaces the inspection policy with a key=value body.
func (g *Gateway) servePolicySetDSL(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeOpError(w, ErrInvalidRequest("Failed to read request body"))
		return
	}
	p, err := security.ParsePolicyDSL(string(body))
	if err != nil {
		writeOpError(w, ErrInvalidRequest(err.Error()))
		return
	}
	g.applyPolicy(w, r, p, "dsl")
}

func (g *Gateway) applyPolicy(w http.ResponseWriter, r *http.Request, p security.InboundPolicy, source string) {
	if err := g.Inspector.SetPolicy(p); err != nil {
		writeOpError(w, ErrInvalidRequest(err.Error()))
		return
	}
	g.Telemetry.RecordEvent(telemetry.EventPolicyUpdate, source)
	g.Auditor.LogEvent(security.Event{
		Type:      security.EventPolicyUpdated,
		IPAddress: g.ipResolver.ClientIP(r),
		Details:   map[string]any{"source": source},
	})
	writeJSON(w, http.StatusOK, g.Inspector.Policy())
}

// ==================== Memory guard ====================

func (g *Gateway) serveMemoryConfig(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	limit, err := int64Param(v, "limit_bytes", 0)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.Telemetry.SetMemoryLimit(limit, boolParam(v, "auto", false)))
}

func (g *Gateway) serveMemoryPurge(w http.ResponseWriter, _ *http.Request) {
	dropped := g.Telemetry.TryMemoryPurge(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"dropped": dropped,
		"status":  g.Telemetry.MemoryStatus(),
	})
}

func (g *Gateway) serveMemoryStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Telemetry.MemoryStatus())
}

// ==================== Alerts ====================

func (g *Gateway) serveAlertSet(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	target, err := requireParam(v, "url")
	if err != nil {
		writeOpError(w, err)
		return
	}
	threshold, err := intParam(v, "risk", defaultAlertThreshold)
	if err != nil {
		writeOpError(w, err)
		return
	}
	cooldown, err := intParam(v, "cooldown", defaultAlertCooldownSecs)
	if err != nil {
		writeOpError(w, err)
		return
	}

	st, err := g.Alerts.Configure(telemetry.AlertConfig{
		Threshold: threshold,
		URL:       target,
		Cooldown:  time.Duration(cooldown) * time.Second,
	})
	if err != nil {
		writeOpError(w, ErrInvalidRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) serveAlertDisable(w http.ResponseWriter, _ *http.Request) {
	g.Alerts.Disable()
	writeJSON(w, http.StatusOK, okResponse)
}

// ==================== Clients and tokens ====================

func registrationResponse(c *storage.Client, secret string) ClientRegistrationResponse {
	return ClientRegistrationResponse{
		ClientID:                c.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        c.RegisteredAt.Unix(),
		RedirectURIs:            c.SecurityPolicy.AllowedRedirectURIs,
		TokenEndpointAuthMethod: string(c.AuthMethod),
		ClientName:              c.ClientName,
		ClientType:              string(c.ClientType),
		SecurityPolicy:          c.SecurityPolicy,
	}
}

// serveClientRegister registers a client from a JSON body. Registrations
// are limited per caller address.
func (g *Gateway) serveClientRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := g.tracer.Start(r.Context(), "gateway.clients.register")
	defer span.End()

	ip := g.ipResolver.ClientIP(r)
	if !g.registrations.Allow(ip) {
		g.Auditor.LogRateLimitExceeded(ip, "", "registration")
		g.metrics.RecordRateLimitExceeded(ctx, "registration")
		instrumentation.SetSpanError(span, ErrorCodeRateLimitExceeded)
		writeOpError(w, ErrRateLimitExceeded("Too many client registrations"))
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpError(w, ErrInvalidRequest("Invalid JSON body"))
		return
	}
	clientType, err := storage.ParseClientType(req.ClientType)
	if err != nil {
		writeOpError(w, ErrInvalidRequest(err.Error()))
		return
	}

	policy := req.Policy
	if policy == nil && req.Strict {
		strict := storage.StrictClientSecurityPolicy()
		policy = &strict
	}

	client, secret, err := g.Server.RegisterClient(ctx, server.RegisterClientRequest{
		ClientID:     req.ClientID,
		ClientName:   req.ClientName,
		ClientType:   clientType,
		AuthMethod:   storage.AuthMethod(req.TokenEndpointAuthMethod),
		RedirectURIs: req.RedirectURIs,
		Scopes:       util.SplitScopes(req.Scope),
		Policy:       policy,
	}, ip)
	if err != nil {
		instrumentation.RecordError(span, err)
		writeOpError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	writeJSON(w, http.StatusCreated, registrationResponse(client, secret))
}

func (g *Gateway) serveClientList(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}

	filter := server.ClientFilter{Query: v.Get("q")}
	if t := v.Get("type"); t != "" {
		if filter.ClientType, err = storage.ParseClientType(t); err != nil {
			writeOpError(w, ErrInvalidRequest(err.Error()))
			return
		}
	}
	if a := v.Get("active"); a != "" {
		active := boolParam(v, "active", true)
		filter.Active = &active
	}

	clients, err := g.Server.SearchClients(r.Context(), filter)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (g *Gateway) serveClientStatus(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	id, err := requireParam(v, "client_id")
	if err != nil {
		writeOpError(w, err)
		return
	}

	client, err := g.Server.SetClientStatus(r.Context(), id, boolParam(v, "active", true))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (g *Gateway) serveClientDelete(w http.ResponseWriter, r *http.Request) {
	v, err := params(r)
	if err != nil {
		writeOpError(w, err)
		return
	}
	id, err := requireParam(v, "client_id")
	if err != nil {
		writeOpError(w, err)
		return
	}
	if err := g.Server.DeleteClient(r.Context(), id); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

// serveClientPolicy replaces a client's security policy from a JSON body.
func (g *Gateway) serveClientPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string                       `json:"client_id"`
		Policy   storage.ClientSecurityPolicy `json:"security_policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpError(w, ErrInvalidRequest("Invalid JSON body"))
		return
	}
	if req.ClientID == "" {
		writeOpError(w, ErrInvalidRequest("client_id is required"))
		return
	}

	client, err := g.Server.UpdateClientSecurityPolicy(r.Context(), req.ClientID, req.Policy)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (g *Gateway) serveTokenStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.Server.Statistics(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) serveTokenCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := g.Server.CleanupExpiredTokens(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
