package referrals

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tally/pkg/httputil"
)

// Handlers exposes referral registration over HTTP
type Handlers struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewHandlers creates referral handlers
func NewHandlers(store Store, log logrus.FieldLogger) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handlers{store: store, log: log, now: time.Now}
}

// RegisterRoutes registers referral routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/referrals", h.register).Methods(http.MethodPost)
	router.HandleFunc("/referrals/{account}", h.get).Methods(http.MethodGet)
}

type registerRequest struct {
	ReferrerAccountID string `json:"referrer_account_id"`
	ReferredAccountID string `json:"referred_account_id"`
}

// register handles POST /referrals
func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	referrer := strings.TrimSpace(req.ReferrerAccountID)
	referred := strings.TrimSpace(req.ReferredAccountID)
	if referrer == "" || referred == "" {
		httputil.WriteBadRequest(w, "referrer_account_id and referred_account_id are required")
		return
	}
	if referrer == referred {
		httputil.WriteBadRequest(w, ErrSelfReferral.Error())
		return
	}

	if err := h.store.Register(r.Context(), referrer, referred, h.now().UTC()); err != nil {
		if errors.Is(err, ErrSelfReferral) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		h.log.WithError(err).WithField("referred", referred).Error("failed to register referral")
		httputil.WriteInternalError(w)
		return
	}

	ref, err := h.store.Get(r.Context(), referred)
	if err != nil {
		h.log.WithError(err).WithField("referred", referred).Error("failed to load referral")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteCreated(w, ref)
}

// get handles GET /referrals/{account}, keyed by the referred account
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	ref, err := h.store.Get(r.Context(), account)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFoundError(w, "no referral for account "+account)
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("referred", account).Error("failed to load referral")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, ref)
}
