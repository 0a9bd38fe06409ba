package recovery

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/moggie-project/moggie-worker/internal/rpcframe"
)

// RPCMethods implements rpcframe.RemoteObject, exposing the three-endpoint
// protocol from spec.md §4.9 on the dedicated recovery worker. Every
// method here is public (spec.md §4.9: "public endpoints only on the
// dedicated recovery worker") since a client who has forgotten their
// passphrase cannot be expected to already hold a bearer token.
func (s *Service) RPCMethods() map[string]rpcframe.Handler {
	return map[string]rpcframe.Handler{
		"ping":     s.handlePing,
		"register": s.handleRegister,
		"recover":  s.handleRecover,
		"code":     s.handleCode,
	}
}

// PublicRPCMethods implements rpcframe.PublicMethods.
func (s *Service) PublicRPCMethods() []string {
	return []string{"ping", "register", "recover", "code"}
}

func (s *Service) handlePing(ctx context.Context, req *rpcframe.Request) (any, error) {
	return "Pong", nil
}

type registerRequest struct {
	Hint      string   `json:"hint"`
	PasscodeB string   `json:"passcode_b"`
	Contacts  []string `json:"contacts"`
}

func (s *Service) handleRegister(ctx context.Context, req *rpcframe.Request) (any, error) {
	var rr registerRequest
	if err := json.Unmarshal(req.Body, &rr); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}
	id, expires, resetCode, err := s.Register(rr.Hint, rr.PasscodeB, rr.Contacts)
	if err != nil {
		return nil, toApiError(err)
	}
	return map[string]any{
		"id":         id,
		"expires":    expires,
		"reset_code": resetCode,
	}, nil
}

type recoverRequest struct {
	ID        int64  `json:"id"`
	ResetCode string `json:"reset_code"`
}

func (s *Service) handleRecover(ctx context.Context, req *rpcframe.Request) (any, error) {
	var rr recoverRequest
	if err := json.Unmarshal(req.Body, &rr); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}
	expires, contacts, err := s.Recover(rr.ID, rr.ResetCode)
	if err != nil {
		return nil, toApiError(err)
	}
	return map[string]any{
		"expires":  expires,
		"contacts": contacts,
	}, nil
}

type codeRequest struct {
	ID        int64  `json:"id"`
	ResetCode string `json:"reset_code"`
	TempCode  string `json:"temp_code"`
}

func (s *Service) handleCode(ctx context.Context, req *rpcframe.Request) (any, error) {
	var cr codeRequest
	if err := json.Unmarshal(req.Body, &cr); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}
	passcodeB, err := s.Code(cr.ID, cr.ResetCode, cr.TempCode)
	if err != nil {
		return nil, toApiError(err)
	}
	return map[string]string{"passcode_b": passcodeB}, nil
}

// toApiError maps the sentinel errors Register/Recover/Code return onto
// the wire error kinds from spec.md §7; every one of them is a 400-class
// response per spec.md §8's end-to-end scenario 4.
func toApiError(err error) *rpcframe.ApiError {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrWrongResetCode), errors.Is(err, ErrWrongTempCode), errors.Is(err, ErrTempCodeExpired),
		errors.Is(err, ErrInvalidPasscode), errors.Is(err, ErrInvalidContact), errors.Is(err, ErrGroupMismatch):
		// spec.md §8's end-to-end scenario 4 expects every one of these to
		// surface as a 400, including the nonexistent-id and wrong-reset-code
		// cases that would otherwise read as "not-found".
		return rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	default:
		return rpcframe.NewApiError("internal", err.Error(), nil)
	}
}
