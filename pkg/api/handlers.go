package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/contextkeys"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// accountID reads {id} and tags the request context with it
func accountID(r *http.Request) (string, *http.Request) {
	id := mux.Vars(r)["id"]
	return id, r.WithContext(contextkeys.WithAccountID(r.Context(), id))
}

// decode parses and validates a JSON body
func decode(r *http.Request, dest interface{}, optional bool) error {
	parse := httputil.ParseJSON
	if optional {
		parse = httputil.ParseOptionalJSON
	}
	if err := parse(r, dest); err != nil {
		return bodyError(err)
	}
	return validateRequest(dest)
}

// paymentCompleted handles POST /v1/payments/completed
func (s *Server) paymentCompleted(w http.ResponseWriter, r *http.Request) {
	var ev billing.PaymentCompleted
	if err := httputil.ParseJSON(r, &ev); err != nil {
		s.writeError(w, r, bodyError(err))
		return
	}
	r = r.WithContext(contextkeys.WithAccountID(r.Context(), ev.AccountID))
	res, err := s.service.HandlePaymentCompleted(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// paymentFailed handles POST /v1/payments/failed
func (s *Server) paymentFailed(w http.ResponseWriter, r *http.Request) {
	var ev billing.PaymentFailed
	if err := httputil.ParseJSON(r, &ev); err != nil {
		s.writeError(w, r, bodyError(err))
		return
	}
	r = r.WithContext(contextkeys.WithAccountID(r.Context(), ev.AccountID))
	res, err := s.service.HandlePaymentFailed(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// getSubscription handles GET /v1/accounts/{id}/subscription. An account
// without a subscription is given the default tier.
func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, r := accountID(r)
	view, err := s.service.EnsureSubscription(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// history handles GET /v1/accounts/{id}/subscription/history
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, r := accountID(r)
	rows, err := s.service.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rows)
}

// recordUsage handles POST /v1/accounts/{id}/usage. A replayed request_id
// answers 200 with the original event instead of 201.
func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	id, r := accountID(r)
	var body recordUsageRequest
	if err := decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.RecordUsage(r.Context(), billing.RecordUsageRequest{
		AccountID:       id,
		RequestID:       body.RequestID,
		Provider:        body.Provider,
		Model:           body.Model,
		InputUnits:      body.InputUnits,
		OutputUnits:     body.OutputUnits,
		InputUnitPrice:  body.InputUnitPrice,
		OutputUnitPrice: body.OutputUnitPrice,
		Category:        body.Category,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Duplicate {
		httputil.WriteSuccess(w, res)
		return
	}
	httputil.WriteCreated(w, res)
}

// listUsage handles GET /v1/accounts/{id}/usage?from=&to=&limit=
func (s *Server) listUsage(w http.ResponseWriter, r *http.Request) {
	id, r := accountID(r)
	q := billing.UsageQuery{AccountID: id}

	var err error
	if q.From, _, err = httputil.ParseQueryTime(r, "from"); err != nil {
		s.writeError(w, r, &subscriptions.ValidationError{Field: "from", Message: err.Error(), Err: err})
		return
	}
	if q.To, _, err = httputil.ParseQueryTime(r, "to"); err != nil {
		s.writeError(w, r, &subscriptions.ValidationError{Field: "to", Message: err.Error(), Err: err})
		return
	}
	if q.Limit, err = httputil.ParseQueryInt(r, "limit", 0); err != nil {
		s.writeError(w, r, &subscriptions.ValidationError{Field: "limit", Message: err.Error(), Err: err})
		return
	}

	summary, err := s.service.ListUsage(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}

// checkAccess handles POST /v1/accounts/{id}/access/check. Denials are a
// normal 200 answer with allowed=false.
func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request) {
	id, r := accountID(r)
	var body accessCheckRequest
	if err := decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := s.service.CanAccess(r.Context(), id, body.Resource, body.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, decision)
}

// recordAccess handles POST /v1/accounts/{id}/access/record
func (s *Server) recordAccess(w http.ResponseWriter, r *http.Request) {
	id, r := accountID(r)
	var body accessRecordRequest
	if err := decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.RecordResourceAccess(r.Context(), id, body.ResourceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// selectScope handles POST /v1/accounts/{id}/scope
func (s *Server) selectScope(w http.ResponseWriter, r *http.Request) {
	id, r := accountID(r)
	var body scopeRequest
	if err := decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.service.SelectScope(r.Context(), id, body.ScopeIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// cancel handles POST /v1/accounts/{id}/cancel
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, r := accountID(r)
	var body cancelRequest
	if err := decode(r, &body, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.service.RequestCancellation(r.Context(), id, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// reactivate handles POST /v1/accounts/{id}/reactivate
func (s *Server) reactivate(w http.ResponseWriter, r *http.Request) {
	id, r := accountID(r)
	view, err := s.service.Reactivate(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// listTiers handles GET /v1/tiers
func (s *Server) listTiers(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListTiers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, list)
}

// reloadTiers handles POST /v1/admin/tiers/reload
func (s *Server) reloadTiers(w http.ResponseWriter, r *http.Request) {
	n, err := s.reload(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, reloadResponse{Tiers: n})
}

// listJobs handles GET /v1/admin/jobs
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.jobs.Jobs())
}

// runJob handles POST /v1/admin/jobs/{job}
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	res, err := s.jobs.RunNow(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, jobResponse{Job: name, Result: res})
}
