// Package webhooks delivers subscription transitions to HTTP endpoints.
//
// Manager is registered as an events.Handler with the outbox dispatcher.
// Each transition is posted to every active endpoint whose reason filter
// matches, rendered as plain JSON or as a Slack or Teams card:
//
//	manager := webhooks.NewManager(webhooks.WithLogger(log))
//	manager.Register(&webhooks.Endpoint{
//		URL:     "https://hooks.example.com/tally",
//		Secret:  "s3cret",
//		Reasons: []subscriptions.TransitionReason{subscriptions.ReasonSuspended},
//	})
//	backoff := webhooks.NewRetryPolicy(webhooks.DefaultRetryConfig())
//	dispatcher := events.NewDispatcher(store, backoff, []events.Handler{manager})
//
// JSON deliveries carry X-Tally-Event, X-Tally-Event-ID and, when the
// endpoint has a secret, X-Tally-Signature ("sha256=" + hex HMAC of the
// body). Receivers check it with VerifySignature:
//
//	if !webhooks.VerifySignature(body, r.Header.Get("X-Tally-Signature"), secret) {
//		http.Error(w, "bad signature", http.StatusUnauthorized)
//	}
//
// A failed endpoint fails the outbox message; on the next attempt only the
// endpoints that have not yet accepted the event are called again.
package webhooks
