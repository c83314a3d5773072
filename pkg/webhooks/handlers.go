package webhooks

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// Handlers exposes endpoint management over HTTP
type Handlers struct {
	manager *Manager
}

// NewHandlers creates new webhook handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes registers webhook routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks", h.create).Methods(http.MethodPost)
	router.HandleFunc("/webhooks", h.list).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{id}", h.get).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{id}", h.remove).Methods(http.MethodDelete)
	router.HandleFunc("/webhooks/{id}/deliveries", h.deliveries).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{id}/stats", h.stats).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{id}/activate", h.activate).Methods(http.MethodPost)
	router.HandleFunc("/webhooks/{id}/deactivate", h.deactivate).Methods(http.MethodPost)
}

type createRequest struct {
	URL         string                           `json:"url"`
	Format      Format                           `json:"format"`
	Reasons     []subscriptions.TransitionReason `json:"reasons"`
	Secret      string                           `json:"secret"`
	Description string                           `json:"description"`
}

// create handles POST /webhooks
func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ep := &Endpoint{
		URL:         req.URL,
		Format:      req.Format,
		Reasons:     req.Reasons,
		Secret:      req.Secret,
		Description: req.Description,
	}
	if err := h.manager.Register(ep); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	httputil.WriteCreated(w, ep)
}

// list handles GET /webhooks
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.manager.List())
}

// get handles GET /webhooks/{id}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	ep, err := h.manager.Get(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteSuccess(w, ep)
}

// remove handles DELETE /webhooks/{id}
func (h *Handlers) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.manager.Unregister(id); err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// deliveries handles GET /webhooks/{id}/deliveries
func (h *Handlers) deliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if _, err := h.manager.Get(id); err != nil {
		writeManagerError(w, err)
		return
	}
	logs := h.manager.Deliveries(id, limit)
	if logs == nil {
		logs = []*DeliveryLog{}
	}
	httputil.WriteSuccess(w, logs)
}

// stats handles GET /webhooks/{id}/stats
func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.manager.Get(id); err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteSuccess(w, h.manager.Stats(id))
}

func (h *Handlers) activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handlers) deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.manager.SetActive(id, active); err != nil {
		writeManagerError(w, err)
		return
	}
	ep, _ := h.manager.Get(id)
	httputil.WriteSuccess(w, ep)
}

func writeManagerError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrEndpointNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	httputil.WriteInternalError(w)
}
