// Package appworker hosts the search/index/tag API, owns the metadata
// store, and exposes the app worker's RPC methods (spec.md §2, §4.2).
package appworker

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/moggie-project/moggie-worker/internal/access"
	"github.com/moggie-project/moggie-worker/internal/config"
	"github.com/moggie-project/moggie-worker/internal/logging"
	"github.com/moggie-project/moggie-worker/internal/metastore"
	"github.com/moggie-project/moggie-worker/internal/metrics"
	"github.com/moggie-project/moggie-worker/internal/rpcframe"
	"github.com/moggie-project/moggie-worker/internal/worker"
)

// Worker is the app worker: the process that owns the metadata store, the
// config store, and dispatches the client-facing RPC surface. It supervises
// peer workers (OpenPGP, recovery, SMTP bridge) over the localhost control
// plane in internal/worker, set once they've been spawned via SetSupervisor.
type Worker struct {
	cfg     *config.Store
	meta    *metastore.Store
	access  *access.Manager
	metrics metrics.Collector
	peers   *worker.Supervisor
}

// New builds a Worker over an already-open config store and metadata store.
func New(cfg *config.Store, meta *metastore.Store, collector metrics.Collector) *Worker {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Worker{cfg: cfg, meta: meta, access: access.NewManager(cfg), metrics: collector}
}

// SetSupervisor attaches the supervisor cmd/moggie-worker used to spawn
// the peer worker processes, so the app worker's own "drop_caches" RPC
// can fan out to them (spec.md §5: "the key-store cache ... is dropped
// on explicit drop_caches RPC").
func (w *Worker) SetSupervisor(sup *worker.Supervisor) {
	w.peers = sup
}

// RPCMethods implements rpcframe.RemoteObject: every RPC endpoint the app
// worker exposes, built once and handed to rpcframe.Frame.Expose — never a
// package-level registry.
func (w *Worker) RPCMethods() map[string]rpcframe.Handler {
	return map[string]rpcframe.Handler{
		"ping":        w.handlePing,
		"search":      w.handleSearch,
		"index":       w.handleIndex,
		"tag":         w.handleTag,
		"drop_caches": w.handleDropCaches,
	}
}

// Schemas builds the JSON Schema registry gating this worker's WebSocket
// request bodies (spec.md §6's RequestSearch/RequestAddToIndex/RequestTag
// family), following bdobrica-Ruriko's pattern of validating a decoded
// body against a compiled santhosh-tekuri/jsonschema/v5 schema before any
// handler runs. HTTP callers are unaffected; only the WebSocket transport
// enforces these.
func (w *Worker) Schemas() *rpcframe.SchemaRegistry {
	reg := rpcframe.NewSchemaRegistry()
	must := func(method, schema string) {
		if err := reg.Register(method, []byte(schema)); err != nil {
			panic("appworker: invalid built-in schema for " + method + ": " + err.Error())
		}
	}
	must("search", `{
		"type": "object",
		"properties": {
			"context": {"type": "string"},
			"terms": {"type": "string"}
		}
	}`)
	must("index", `{
		"type": "object",
		"required": ["record"],
		"properties": {
			"context": {"type": "string"},
			"record": {
				"type": "object",
				"required": ["message_id"],
				"properties": {
					"message_id": {"type": "string", "minLength": 1}
				}
			}
		}
	}`)
	must("tag", `{
		"type": "object",
		"required": ["message_id"],
		"properties": {
			"context": {"type": "string"},
			"message_id": {"type": "string", "minLength": 1},
			"add": {"type": "array", "items": {"type": "string"}},
			"remove": {"type": "array", "items": {"type": "string"}}
		}
	}`)
	return reg
}

func (w *Worker) handleDropCaches(ctx context.Context, req *rpcframe.Request) (any, error) {
	if w.peers != nil {
		w.peers.DropCaches(ctx)
	}
	return map[string]bool{"ok": true}, nil
}

// PublicRPCMethods implements rpcframe.PublicMethods: ping is the only
// endpoint safe to call without the secret path prefix.
func (w *Worker) PublicRPCMethods() []string {
	return []string{"ping"}
}

func (w *Worker) handlePing(ctx context.Context, req *rpcframe.Request) (any, error) {
	return "Pong", nil
}

type searchRequest struct {
	Context string `json:"context"`
	Terms   string `json:"terms"`
}

type searchResult struct {
	Results []metastore.Record `json:"results"`
}

func (w *Worker) handleSearch(ctx context.Context, req *rpcframe.Request) (any, error) {
	if !w.cfg.IsUnlocked() {
		return nil, rpcframe.NeedPassphrase()
	}

	var sr searchRequest
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &sr); err != nil {
			return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
		}
	}

	_, allowedTags, err := w.authorize(req, sr.Context, "r")
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	logger.Debug("search", "context", sr.Context, "terms", sr.Terms)

	// A full-text index is out of scope for this increment; search currently
	// matches terms against subject/from/tags of every indexed record,
	// constrained to tags visible in the requesting context when declared.
	all, err := w.meta.All()
	if err != nil {
		return nil, err
	}
	var matches []metastore.Record
	for _, rec := range all {
		if !recordVisible(rec, allowedTags) {
			continue
		}
		if matchesTerms(rec, sr.Terms) {
			matches = append(matches, rec)
		}
	}

	w.metrics.SearchPerformed(sr.Context)
	return searchResult{Results: matches}, nil
}

type indexRequest struct {
	Context string           `json:"context"`
	Record  metastore.Record `json:"record"`
}

func (w *Worker) handleIndex(ctx context.Context, req *rpcframe.Request) (any, error) {
	if !w.cfg.IsUnlocked() {
		return nil, rpcframe.NeedPassphrase()
	}

	var ir indexRequest
	if err := json.Unmarshal(req.Body, &ir); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}
	if ir.Record.MessageID == "" {
		return nil, rpcframe.NewApiError("invalid-argument", "record.message_id is required", nil)
	}

	if _, _, err := w.authorize(req, ir.Context, "T"); err != nil {
		return nil, err
	}

	fp, err := w.meta.Index(ir.Record)
	if err != nil {
		return nil, err
	}
	w.metrics.MessageIndexed(ir.Context)
	return map[string]string{"fingerprint": fp}, nil
}

type tagRequest struct {
	Context   string   `json:"context"`
	MessageID string   `json:"message_id"`
	Add       []string `json:"add,omitempty"`
	Remove    []string `json:"remove,omitempty"`
}

func (w *Worker) handleTag(ctx context.Context, req *rpcframe.Request) (any, error) {
	if !w.cfg.IsUnlocked() {
		return nil, rpcframe.NeedPassphrase()
	}

	var tr tagRequest
	if err := json.Unmarshal(req.Body, &tr); err != nil {
		return nil, rpcframe.NewApiError("invalid-argument", err.Error(), nil)
	}

	if _, _, err := w.authorize(req, tr.Context, "T"); err != nil {
		return nil, err
	}

	rec, ok, err := w.meta.Get(tr.MessageID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rpcframe.NewApiError("not-found", "no such message", nil)
	}

	rec.Tags = applyTagOps(rec.Tags, tr.Add, tr.Remove)
	if _, err := w.meta.Index(rec); err != nil {
		return nil, err
	}
	return map[string]any{"tags": rec.Tags}, nil
}

func applyTagOps(current, add, remove []string) []string {
	set := make(map[string]bool, len(current))
	for _, t := range current {
		set[t] = true
	}
	for _, t := range add {
		set[t] = true
	}
	for _, t := range remove {
		delete(set, t)
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

func recordVisible(rec metastore.Record, allowedTags []string) bool {
	if len(allowedTags) == 0 {
		return true
	}
	allowed := make(map[string]bool, len(allowedTags))
	for _, t := range allowedTags {
		allowed[t] = true
	}
	for _, t := range rec.Tags {
		if allowed[t] {
			return true
		}
	}
	return false
}

func matchesTerms(rec metastore.Record, terms string) bool {
	if terms == "" {
		return true
	}
	needle := strings.ToLower(terms)
	haystack := strings.ToLower(rec.Subject + " " + rec.From + " " + strings.Join(rec.Tags, " "))
	return strings.Contains(haystack, needle)
}

// authorize resolves the bearer token on req against the Access grant
// model and checks it carries requiredCaps in contextName (spec.md §4.5).
// It returns the granted role string and the tags search should constrain
// results to.
func (w *Worker) authorize(req *rpcframe.Request, contextName, requiredCaps string) (role string, allowedTags []string, err error) {
	token := bearerToken(req)
	if token == "" {
		return "", nil, rpcframe.NewApiError("permission-denied", "missing bearer token", nil)
	}
	grant, ok := w.access.GrantForToken(token)
	if !ok {
		return "", nil, rpcframe.NewApiError("permission-denied", "unknown or expired token", nil)
	}
	role, allowedTags, ok = access.Grants(grant, contextName, requiredCaps, w.cfg)
	if !ok {
		return "", nil, rpcframe.NewApiError("permission-denied", "insufficient capabilities", nil)
	}
	return role, allowedTags, nil
}

func bearerToken(req *rpcframe.Request) string {
	if req.Raw == nil {
		return ""
	}
	h := req.Raw.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}
