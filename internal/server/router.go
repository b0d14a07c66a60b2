// Package server is the HTTP ingress: dispatch requests, inbound WhatsApp
// commands and the settings hook used during onboarding.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"crosspost/internal/crosspost"
	"crosspost/internal/messaging"
	logx "crosspost/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the part of the dispatch engine the ingress drives.
type Dispatcher interface {
	Go(tenantID string, p crosspost.Post) string
	Dispatch(ctx context.Context, tenantID string, p crosspost.Post) crosspost.Report
}

// CommandHandler answers inbound subscription commands.
type CommandHandler interface {
	Handle(ctx context.Context, phone, text string) (string, error)
}

// SettingsWriter upserts tenant records and channel settings.
type SettingsWriter interface {
	GetSettings(ctx context.Context, tenantID string, ch crosspost.Channel) (crosspost.Settings, bool, error)
	PutSettings(ctx context.Context, s crosspost.Settings) error
	PutTenant(ctx context.Context, t messaging.Tenant) error
}

// Handlers are the collaborators behind the routes. Commands and Settings
// may be nil; their routes then answer 503.
type Handlers struct {
	Dispatcher Dispatcher
	Commands   CommandHandler
	Settings   SettingsWriter
	// Ready reports readiness for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// RouterConfig selects the optional parts of the router.
type RouterConfig struct {
	Token       string
	Pprof       bool
	PprofPrefix string
}

type handler struct {
	h   Handlers
	log logx.Logger
	now func() time.Time
}

func NewRouter(cfg RouterConfig, h Handlers, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	hd := &handler{h: h, log: log, now: time.Now}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(log))
	r.Use(accessLogMiddleware(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", hd.readyz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Route("/v1", func(r chi.Router) {
			r.Post("/dispatch", hd.dispatchAsync)
			r.Post("/dispatch/sync", hd.dispatchSync)
			r.Post("/whatsapp/inbound", hd.inbound)
			r.Put("/tenants/{tenant}", hd.putTenant)
			r.Put("/tenants/{tenant}/channels/{channel}", hd.putChannel)
		})
		if cfg.Pprof {
			mountPprof(r, cfg.PprofPrefix)
		}
	})
	return r
}

func (hd *handler) readyz(w http.ResponseWriter, r *http.Request) {
	if hd.h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := hd.h.Ready(ctx); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "NOT_READY", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type dispatchRequest struct {
	TenantID string         `json:"tenantId"`
	Post     crosspost.Post `json:"post"`
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func (hd *handler) decodeDispatch(w http.ResponseWriter, r *http.Request) (dispatchRequest, bool) {
	var req dispatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return req, false
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	switch {
	case req.TenantID == "":
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "tenantId is required")
		return req, false
	case strings.TrimSpace(req.Post.ID) == "":
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "post.id is required")
		return req, false
	case strings.TrimSpace(req.Post.Title) == "" && strings.TrimSpace(req.Post.Description) == "" && !req.Post.HasMedia():
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "post has no content")
		return req, false
	}
	if req.Post.CreatedAt.IsZero() {
		req.Post.CreatedAt = hd.now()
	}
	return req, true
}

func (hd *handler) dispatchAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := hd.decodeDispatch(w, r)
	if !ok {
		return
	}
	id := hd.h.Dispatcher.Go(req.TenantID, req.Post)
	writeJSON(w, http.StatusAccepted, map[string]string{"dispatchId": id})
}

func (hd *handler) dispatchSync(w http.ResponseWriter, r *http.Request) {
	req, ok := hd.decodeDispatch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, hd.h.Dispatcher.Dispatch(r.Context(), req.TenantID, req.Post))
}

type inboundRequest struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func (hd *handler) inbound(w http.ResponseWriter, r *http.Request) {
	if hd.h.Commands == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "messaging is not configured")
		return
	}
	var req inboundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if strings.TrimSpace(req.From) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "from is required")
		return
	}
	reply, err := hd.h.Commands.Handle(r.Context(), strings.TrimSpace(req.From), req.Text)
	if err != nil {
		hd.log.Warn("inbound command failed", logx.Err(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "command failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type tenantRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (hd *handler) putTenant(w http.ResponseWriter, r *http.Request) {
	if hd.h.Settings == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "storage is not configured")
		return
	}
	var req tenantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "code is required")
		return
	}
	t := messaging.Tenant{ID: chi.URLParam(r, "tenant"), Code: req.Code, Name: strings.TrimSpace(req.Name)}
	if err := hd.h.Settings.PutTenant(r.Context(), t); err != nil {
		hd.log.Warn("put tenant failed", logx.String("tenant", t.ID), logx.Err(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not store tenant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type channelRequest struct {
	Enabled     bool                  `json:"enabled"`
	Credentials map[string]string     `json:"credentials,omitempty"`
	Token       *crosspost.TokenState `json:"token,omitempty"`
}

func (hd *handler) putChannel(w http.ResponseWriter, r *http.Request) {
	if hd.h.Settings == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "storage is not configured")
		return
	}
	tenant := chi.URLParam(r, "tenant")
	ch, ok := crosspost.ParseChannel(chi.URLParam(r, "channel"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown channel")
		return
	}
	var req channelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	s := crosspost.Settings{
		TenantID:    tenant,
		Channel:     ch,
		Enabled:     req.Enabled,
		Credentials: req.Credentials,
		Token:       req.Token,
		UpdatedAt:   hd.now(),
	}
	// Keep a refreshed token when the caller only toggles credentials.
	if s.Token == nil {
		if cur, found, err := hd.h.Settings.GetSettings(r.Context(), tenant, ch); err == nil && found {
			s.Token = cur.Token
		}
	}
	if err := hd.h.Settings.PutSettings(r.Context(), s); err != nil {
		hd.log.Warn("put settings failed", logx.String("tenant", tenant), logx.String("channel", string(ch)), logx.Err(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not store settings")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

// mountPprof serves net/http/pprof under prefix. The index handler expects
// paths rooted at /debug/pprof/, so requests are rewritten before calling it.
func mountPprof(r chi.Router, prefix string) {
	base := normalizePrefix(prefix)
	r.Get(base+"/cmdline", hpprof.Cmdline)
	r.Get(base+"/profile", hpprof.Profile)
	r.Get(base+"/symbol", hpprof.Symbol)
	r.Post(base+"/symbol", hpprof.Symbol)
	r.Get(base+"/trace", hpprof.Trace)
	r.Get(base+"/*", func(w http.ResponseWriter, req *http.Request) {
		r2 := req.Clone(req.Context())
		r2.URL.Path = "/debug/pprof/" + chi.URLParam(req, "*")
		hpprof.Index(w, r2)
	})
	r.Get(base, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, base+"/", http.StatusPermanentRedirect)
	})
}
