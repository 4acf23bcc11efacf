package stripeapi

import (
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

// ErrSignature is returned for any delivery whose signature cannot be
// verified with any configured secret.
var ErrSignature = errors.New("webhook signature verification failed")

// Verifier authenticates inbound webhook deliveries against their raw
// transport bytes. It accepts several signing secrets concurrently: during
// secret rotation, or when the same endpoint serves events previously
// consumed by separate pipelines, each delivery verifies against whichever
// secret signed it.
type Verifier struct {
	secrets []string
}

// NewVerifier requires at least one signing secret.
func NewVerifier(secrets []string) (*Verifier, error) {
	trimmed := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			trimmed = append(trimmed, s)
		}
	}
	if len(trimmed) == 0 {
		return nil, errors.New("at least one webhook signing secret is required")
	}
	return &Verifier{secrets: trimmed}, nil
}

// Verify checks the signature header against the exact bytes received on
// the wire. The payload must never be parsed and re-serialized before this
// call: any reserialization invalidates the signature.
func (v *Verifier) Verify(payload []byte, sigHeader string) (reconcile.Event, error) {
	for _, secret := range v.secrets {
		event, err := webhook.ConstructEvent(payload, sigHeader, secret)
		if err != nil {
			continue
		}

		ev := reconcile.Event{
			ID:   event.ID,
			Type: string(event.Type),
			Raw:  event.Data.Raw,
		}
		// The event object carries the session id; nothing else from the
		// thin payload is trusted.
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(event.Data.Raw, &obj); err == nil {
			ev.SessionID = obj.ID
		}
		return ev, nil
	}
	return reconcile.Event{}, ErrSignature
}
