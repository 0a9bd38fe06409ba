// Package smtpbridge hosts the SMTP Bridge worker's RPC surface: it
// derives a send-plan (internal/composer) for a draft and hands the
// result back to the caller. spec.md's Non-goals ("no message submission
// queue; no MTA functionality") rule out actually speaking SMTP to the
// outside world or queuing mail for delivery, so this worker's only job
// is the stateless plan derivation step, run in its own supervised
// process the way spec.md §2 lists it alongside the other three workers.
package smtpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/moggie-project/moggie-worker/internal/composer"
	"github.com/moggie-project/moggie-worker/internal/config"
	"github.com/moggie-project/moggie-worker/internal/rpcframe"
)

// Service exposes the composer's plan derivation over RPC.
type Service struct {
	cfg *config.Store
}

// NewService builds a Service resolving contexts/identities from cfg.
func NewService(cfg *config.Store) *Service {
	return &Service{cfg: cfg}
}

// RPCMethods implements rpcframe.RemoteObject.
func (s *Service) RPCMethods() map[string]rpcframe.Handler {
	return map[string]rpcframe.Handler{
		"ping":   s.handlePing,
		"submit": s.handleSubmit,
	}
}

// PublicRPCMethods implements rpcframe.PublicMethods.
func (s *Service) PublicRPCMethods() []string { return []string{"ping"} }

func (s *Service) handlePing(ctx context.Context, req *rpcframe.Request) (any, error) {
	return "Pong", nil
}

type submitRequest struct {
	Context   string    `json:"context"`
	From      string    `json:"from,omitempty"`
	QuoteHTML string    `json:"quote_html,omitempty"`
	SendAfter time.Time `json:"send_after,omitempty"`
}

type submitResponse struct {
	Identity  config.Identity `json:"identity"`
	Signature string          `json:"signature"`
	Quote     string          `json:"quote,omitempty"`
	SendAfter time.Time       `json:"send_after"`
}

func (s *Service) handleSubmit(ctx context.Context, req *rpcframe.Request) (any, error) {
	if !s.cfg.IsUnlocked() {
		return nil, rpcframe.NeedPassphrase()
	}
	var sr submitRequest
	if err := json.Unmarshal(req.Body, &sr); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}

	ctxSettings, identities, err := resolveContext(s.cfg, sr.Context)
	if err != nil {
		return nil, rpcframe.NewApiError("not-found", err.Error(), nil)
	}

	plan, err := composer.Derive(ctxSettings, identities, composer.Draft{
		From:      sr.From,
		QuoteHTML: sr.QuoteHTML,
		SendAfter: sr.SendAfter,
	})
	if err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}

	return submitResponse{
		Identity:  plan.Identity,
		Signature: plan.Signature,
		Quote:     plan.Quote,
		SendAfter: plan.SendAfter,
	}, nil
}

// resolveContext scans the numbered "Context N" sections for one named
// name and returns it with every "Identity N" section in the store (a
// context records no identity references), using the same
// enumerate-until-miss convention as internal/config.
func resolveContext(cfg *config.Store, name string) (config.ContextSettings, []config.Identity, error) {
	for n := 1; ; n++ {
		c, ok := cfg.Context(n)
		if !ok {
			return config.ContextSettings{}, nil, fmt.Errorf("smtpbridge: no such context %q", name)
		}
		if c.Name != name {
			continue
		}
		var identities []config.Identity
		for m := 1; ; m++ {
			id, ok := cfg.Identity(m)
			if !ok {
				break
			}
			identities = append(identities, id)
		}
		return c, identities, nil
	}
}
