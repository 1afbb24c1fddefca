// Package httpapi adapts the unified rpc envelope to HTTP. POST /rpc
// accepts raw envelopes; the /data routes map REST verbs onto the same
// ops, so both surfaces produce identical results.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/rpc"
)

// IdentityFunc resolves the calling user from the request, typically
// from a verified token. A nil result leaves the request anonymous.
type IdentityFunc func(*http.Request) *tabula.User

// Handler serves the HTTP surface of a dispatcher.
type Handler struct {
	dispatcher *rpc.Dispatcher
	identity   IdentityFunc
	log        *zap.Logger
	cors       cors.Options
	router     chi.Router
}

// Option configures the handler.
type Option func(*Handler)

// WithIdentity installs the authentication hook.
func WithIdentity(fn IdentityFunc) Option {
	return func(h *Handler) { h.identity = fn }
}

// WithLogger sets the structured logger; default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithCORS overrides the cross-origin policy.
func WithCORS(opts cors.Options) Option {
	return func(h *Handler) { h.cors = opts }
}

// New builds the router. The handler is safe for concurrent use.
func New(d *rpc.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		dispatcher: d,
		log:        zap.NewNop(),
		cors: cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(h.cors))
	r.Post("/rpc", h.handleRPC)
	r.Route("/data/{object}", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Patch("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
	})
	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, tabula.Invalidf("malformed request envelope: %v", err))
		return
	}
	if req.User == nil && h.identity != nil {
		req.User = h.identity(r)
	}
	h.dispatch(w, r, &req, http.StatusOK)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	args, err := listArgs(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.rest(w, r, tabula.OpFind, args, http.StatusOK)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.rest(w, r, tabula.OpFindOne, map[string]any{"id": chi.URLParam(r, "id")}, http.StatusOK)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.rest(w, r, tabula.OpCreate, map[string]any{"data": doc}, http.StatusCreated)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	args := map[string]any{"id": chi.URLParam(r, "id"), "data": doc}
	h.rest(w, r, tabula.OpUpdate, args, http.StatusOK)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.rest(w, r, tabula.OpDelete, map[string]any{"id": chi.URLParam(r, "id")}, http.StatusOK)
}

func (h *Handler) rest(w http.ResponseWriter, r *http.Request, op tabula.Op, args map[string]any, status int) {
	req := &rpc.Request{Op: op, Object: chi.URLParam(r, "object"), Args: args}
	if h.identity != nil {
		req.User = h.identity(r)
	}
	h.dispatch(w, r, req, status)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, req *rpc.Request, status int) {
	resp, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		h.log.Debug("request failed",
			zap.String("op", req.Op.String()),
			zap.String("object", req.Object),
			zap.Error(err),
		)
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, rpc.HTTPStatus(tabula.CodeOf(err)), rpc.ErrorEnvelope(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request) (map[string]any, error) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		return nil, tabula.Invalidf("malformed request body: %v", err)
	}
	return doc, nil
}

// listArgs translates list query parameters into a query document.
// Both parameter spellings of each pair are honoured.
func listArgs(r *http.Request) (map[string]any, error) {
	q := r.URL.Query()
	args := map[string]any{}
	if raw := q.Get("filter"); raw != "" {
		var f any
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, tabula.Invalidf("malformed filter parameter: %v", err)
		}
		args["filters"] = f
	}
	if fields := q.Get("fields"); fields != "" {
		args["fields"] = fields
	}
	for _, key := range []string{"limit", "top"} {
		if v := q.Get(key); v != "" {
			args["limit"] = v
			break
		}
	}
	for _, key := range []string{"skip", "offset"} {
		if v := q.Get(key); v != "" {
			args["skip"] = v
			break
		}
	}
	if sort := q.Get("sort"); sort != "" {
		args["sort"] = sort
	}
	return args, nil
}
