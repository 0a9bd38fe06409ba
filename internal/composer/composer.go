// Package composer derives a send-plan from a draft message and its
// owning context, per spec.md §2 ("Composer / plan engine ... stateless")
// and the draft/send-plan fields supplemented from original_source's
// moggie/email/draft.py into SPEC_FULL.md §3.
package composer

import (
	"fmt"
	"time"

	"github.com/moggie-project/moggie-worker/internal/config"
)

// Draft is the minimal set of message fields the plan engine needs; the
// MIME composition itself is out of scope (spec.md §1 names the MIME
// parser/encoder as an external collaborator).
type Draft struct {
	From       string // identity address the user explicitly chose, or ""
	QuoteHTML  string // quoted reply body, if this is a reply
	SendAfter  time.Time
}

// Plan is the derived send-plan: which identity to send as, the
// signature to append, any quoted text to include, and the earliest
// wall-clock time the message may be sent.
type Plan struct {
	Identity  config.Identity
	Signature string
	Quote     string
	SendAfter time.Time
}

// ErrNoDefaultIdentity is returned when the draft names no identity and
// the context has none configured to fall back to.
type ErrNoDefaultIdentity struct{ Context string }

func (e ErrNoDefaultIdentity) Error() string {
	return fmt.Sprintf("composer: context %q has no default identity", e.Context)
}

// Derive builds a Plan. identities is the full set of identities
// belonging to ctx (already resolved by the caller from config.Store);
// the first is the default.
func Derive(ctx config.ContextSettings, identities []config.Identity, draft Draft) (Plan, error) {
	identity, err := resolveIdentity(ctx, identities, draft.From)
	if err != nil {
		return Plan{}, err
	}

	sendAfter := draft.SendAfter
	if sendAfter.IsZero() {
		sendAfter = time.Now()
	}

	return Plan{
		Identity:  identity,
		Signature: identity.Signature,
		Quote:     draft.QuoteHTML,
		SendAfter: sendAfter,
	}, nil
}

func resolveIdentity(ctx config.ContextSettings, identities []config.Identity, wantAddress string) (config.Identity, error) {
	if wantAddress != "" {
		for _, id := range identities {
			if id.Address == wantAddress {
				return id, nil
			}
		}
	}
	if len(identities) > 0 {
		return identities[0], nil
	}
	return config.Identity{}, ErrNoDefaultIdentity{Context: ctx.Name}
}
