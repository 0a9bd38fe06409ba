package openpgpworker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"

	"golang.org/x/crypto/openpgp"

	"github.com/moggie-project/moggie-worker/internal/rpcframe"
)

func fingerprintHex(e *openpgp.Entity) string {
	return hex.EncodeToString(e.PrimaryKey.Fingerprint[:])
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

// Service exposes the OpenPGP worker's stateless operations and the
// key-store cascade over the RPC frame, per spec.md §2 ("isolated
// process exposing stateless OP operations ... caches certificate and
// private-key lookups per session"). It implements rpcframe.RemoteObject.
type Service struct {
	cascade *Cascade

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService builds a Service querying cascade for key lookups, with a
// fresh per-session-id cache table.
func NewService(cascade *Cascade) *Service {
	return &Service{cascade: cascade, sessions: make(map[string]*Session)}
}

func (s *Service) session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = NewSession()
		s.sessions[id] = sess
	}
	return sess
}

// DropCaches drops every session's cached lookups, answering the
// worker-wide "drop_caches" control-plane command (spec.md §5).
func (s *Service) DropCaches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session)
}

// RPCMethods implements rpcframe.RemoteObject.
func (s *Service) RPCMethods() map[string]rpcframe.Handler {
	return map[string]rpcframe.Handler{
		"ping":        s.handlePing,
		"lookup_key":  s.handleLookupKey,
		"encrypt":     s.handleEncrypt,
		"decrypt":     s.handleDecrypt,
		"sign":        s.handleSign,
		"verify":      s.handleVerify,
		"drop_caches": s.handleDropCaches,
	}
}

// PublicRPCMethods implements rpcframe.PublicMethods.
func (s *Service) PublicRPCMethods() []string { return []string{"ping"} }

func (s *Service) handlePing(ctx context.Context, req *rpcframe.Request) (any, error) {
	return "Pong", nil
}

func (s *Service) handleDropCaches(ctx context.Context, req *rpcframe.Request) (any, error) {
	s.DropCaches()
	return map[string]bool{"ok": true}, nil
}

type lookupKeyRequest struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
}

type lookupKeyResponse struct {
	Fingerprints []string `json:"fingerprints"`
	Source       string   `json:"source"`
}

func (s *Service) handleLookupKey(ctx context.Context, req *rpcframe.Request) (any, error) {
	var lr lookupKeyRequest
	if err := json.Unmarshal(req.Body, &lr); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}
	if s.cascade == nil {
		return nil, rpcframe.NewApiError("not-found", "no key-store cascade configured", nil)
	}
	entities, source, err := s.cascade.Lookup(ctx, lr.Address)
	if err != nil {
		return nil, rpcframe.NewApiError("not-found", err.Error(), nil)
	}
	resp := lookupKeyResponse{Source: source}
	for _, e := range entities {
		resp.Fingerprints = append(resp.Fingerprints, fingerprintHex(e))
	}
	if lr.SessionID != "" {
		s.session(lr.SessionID).CachePublic(lr.Address, entities)
	}
	return resp, nil
}

type encryptRequest struct {
	SessionID    string   `json:"session_id"`
	Recipients   []string `json:"recipients"` // base64 ASCII-armored public keys
	PlaintextB64 string   `json:"plaintext_b64"`
}

func (s *Service) handleEncrypt(ctx context.Context, req *rpcframe.Request) (any, error) {
	var er encryptRequest
	if err := json.Unmarshal(req.Body, &er); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}
	plaintext, err := base64.StdEncoding.DecodeString(er.PlaintextB64)
	if err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", "plaintext_b64: "+err.Error(), nil)
	}
	var recipients openpgp.EntityList
	for _, r := range er.Recipients {
		keydata, err := base64.StdEncoding.DecodeString(r)
		if err != nil {
			return nil, rpcframe.NewApiError("invalid-argument", "recipients: "+err.Error(), nil)
		}
		entities, err := parseKeyBytes(keydata)
		if err != nil {
			return nil, rpcframe.NewApiError("invalid-argument", "recipients: "+err.Error(), nil)
		}
		recipients = append(recipients, entities...)
	}
	ciphertext, err := Encrypt(recipients, nil, plaintext)
	if err != nil {
		return nil, rpcframe.NewApiError("internal", err.Error(), nil)
	}
	return map[string]string{"ciphertext": string(ciphertext)}, nil
}

type decryptRequest struct {
	SessionID       string   `json:"session_id"`
	KeyringB64      []string `json:"keyring_b64"`
	CiphertextArmor string   `json:"ciphertext_armor"`
}

func (s *Service) handleDecrypt(ctx context.Context, req *rpcframe.Request) (any, error) {
	var dr decryptRequest
	if err := json.Unmarshal(req.Body, &dr); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}
	var keyring openpgp.EntityList
	for _, k := range dr.KeyringB64 {
		keydata, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, rpcframe.NewApiError("invalid-argument", "keyring_b64: "+err.Error(), nil)
		}
		entities, err := parseKeyBytes(keydata)
		if err != nil {
			return nil, rpcframe.NewApiError("invalid-argument", "keyring_b64: "+err.Error(), nil)
		}
		keyring = append(keyring, entities...)
	}
	result, err := Decrypt(keyring, []byte(dr.CiphertextArmor))
	if err != nil {
		return nil, rpcframe.NewApiError("integrity", err.Error(), nil)
	}
	resp := map[string]any{"plaintext_b64": base64.StdEncoding.EncodeToString(result.Plaintext)}
	if result.Signer != nil {
		resp["signer_fingerprint"] = fingerprintHex(result.Signer)
	}
	return resp, nil
}

type signRequest struct {
	SessionID    string `json:"session_id"`
	Fingerprint  string `json:"fingerprint"`
	PlaintextB64 string `json:"plaintext_b64"`
}

func (s *Service) handleSign(ctx context.Context, req *rpcframe.Request) (any, error) {
	var sr signRequest
	if err := json.Unmarshal(req.Body, &sr); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}
	entity, ok := s.session(sr.SessionID).UnlockedEntity(sr.Fingerprint)
	if !ok {
		return nil, rpcframe.NewApiError("need-info", "private key not unlocked in this session", nil)
	}
	plaintext, err := base64.StdEncoding.DecodeString(sr.PlaintextB64)
	if err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", "plaintext_b64: "+err.Error(), nil)
	}
	sig, err := Sign(entity, bytesReader(plaintext))
	if err != nil {
		return nil, rpcframe.NewApiError("internal", err.Error(), nil)
	}
	return map[string]string{"signature": string(sig)}, nil
}

type verifyRequest struct {
	KeyringB64   []string `json:"keyring_b64"`
	PlaintextB64 string   `json:"plaintext_b64"`
	Signature    string   `json:"signature"`
}

func (s *Service) handleVerify(ctx context.Context, req *rpcframe.Request) (any, error) {
	var vr verifyRequest
	if err := json.Unmarshal(req.Body, &vr); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}
	var keyring openpgp.EntityList
	for _, k := range vr.KeyringB64 {
		keydata, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, rpcframe.NewApiError("invalid-argument", "keyring_b64: "+err.Error(), nil)
		}
		entities, err := parseKeyBytes(keydata)
		if err != nil {
			return nil, rpcframe.NewApiError("invalid-argument", "keyring_b64: "+err.Error(), nil)
		}
		keyring = append(keyring, entities...)
	}
	plaintext, err := base64.StdEncoding.DecodeString(vr.PlaintextB64)
	if err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", "plaintext_b64: "+err.Error(), nil)
	}
	signer, err := Verify(keyring, bytesReader(plaintext), []byte(vr.Signature))
	if err != nil {
		return nil, rpcframe.NewApiError("integrity", err.Error(), nil)
	}
	return map[string]string{"signer_fingerprint": fingerprintHex(signer)}, nil
}
