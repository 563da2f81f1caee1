// Package http provides a client and server implementation of the medsync
// Transport over HTTP. Batch payloads are snappy-compressed and carry a CRC32
// checksum; a mismatch rejects the whole batch so nothing from it is applied.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/golang/snappy"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/cursor"
	syncErrors "github.com/carebridge/medsync/errors"
	"github.com/carebridge/medsync/logging"
)

// ProtocolVersion is sent on every request and checked on both sides. A
// mismatch halts sync with the endpoint until the software is updated.
const ProtocolVersion = "1"

const (
	headerProtocol = "X-Medsync-Protocol"
	headerReplica  = "X-Medsync-Replica"
	encodingSnappy = "snappy"
)

// envelope wraps a change batch with its integrity checksum. The checksum is
// CRC32 (IEEE) over the raw JSON of the changes array, computed before
// compression.
type envelope struct {
	Changes  json.RawMessage `json:"changes"`
	Checksum uint32          `json:"checksum"`
}

// pullResponse is the server's reply to a pull request.
type pullResponse struct {
	Changes    json.RawMessage `json:"changes"`
	Checksum   uint32          `json:"checksum"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

func sealChanges(changes []medsync.ChangeRecord) (json.RawMessage, uint32, error) {
	raw, err := json.Marshal(changes)
	if err != nil {
		return nil, 0, err
	}
	return raw, crc32.ChecksumIEEE(raw), nil
}

func openChanges(raw json.RawMessage, checksum uint32) ([]medsync.ChangeRecord, error) {
	if crc32.ChecksumIEEE(raw) != checksum {
		return nil, fmt.Errorf("batch checksum mismatch")
	}
	var changes []medsync.ChangeRecord
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// --- HTTP Transport Client ---

// Transport implements the medsync.Transport interface for communicating
// with a sync endpoint over HTTP.
type Transport struct {
	client    *http.Client
	baseURL   string // e.g. "https://hub.example.org/sync"
	replicaID string
}

var _ medsync.Transport = (*Transport)(nil)

// NewTransport creates a new HTTP transport client.
// If a custom http.Client is not provided, http.DefaultClient is used.
func NewTransport(baseURL, replicaID string, client *http.Client) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{
		client:    client,
		baseURL:   baseURL,
		replicaID: replicaID,
	}
}

// Push sends a batch of change records and returns the server's per-record
// verdict.
func (t *Transport) Push(ctx context.Context, changes []medsync.ChangeRecord) (*medsync.PushResult, error) {
	if len(changes) == 0 {
		return &medsync.PushResult{}, nil
	}

	raw, checksum, err := sealChanges(changes)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPush, "transport", fmt.Errorf("failed to marshal changes: %w", err))
	}
	body, err := json.Marshal(envelope{Changes: raw, Checksum: checksum})
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPush, "transport", err)
	}

	compressed := snappy.Encode(nil, body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/push", bytes.NewReader(compressed))
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPush, "transport", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", encodingSnappy)
	req.Header.Set(headerProtocol, ProtocolVersion)
	req.Header.Set(headerReplica, t.replicaID)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, syncErrors.OpPush); err != nil {
		return nil, err
	}

	var result medsync.PushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPush, "transport", fmt.Errorf("failed to decode response: %w", err))
	}
	return &result, nil
}

// Pull fetches a page of change records since the given cursor.
func (t *Transport) Pull(ctx context.Context, since cursor.Cursor, limit int) (*medsync.PullBatch, error) {
	position, err := cursor.Encode(since)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPull, "transport", err)
	}

	q := url.Values{}
	if position != "" {
		q.Set("cursor", position)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPull, "transport", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set(headerProtocol, ProtocolVersion)
	req.Header.Set(headerReplica, t.replicaID)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, syncErrors.OpPull); err != nil {
		return nil, err
	}

	var pr pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPull, "transport", fmt.Errorf("failed to decode response: %w", err))
	}

	changes, err := openChanges(pr.Changes, pr.Checksum)
	if err != nil {
		return nil, syncErrors.NewCorruptionError(syncErrors.OpPull, err)
	}

	next, err := cursor.Decode(pr.NextCursor)
	if err != nil {
		return nil, syncErrors.NewCorruptionError(syncErrors.OpPull, err)
	}

	return &medsync.PullBatch{
		Changes:    changes,
		NextCursor: next,
		HasMore:    pr.HasMore,
	}, nil
}

// Close does nothing for this transport; the underlying http.Client is
// managed externally.
func (t *Transport) Close() error {
	return nil
}

func checkResponse(resp *http.Response, op syncErrors.Operation) error {
	if got := resp.Header.Get(headerProtocol); got != "" && got != ProtocolVersion {
		return syncErrors.NewProtocolError(op, fmt.Errorf("endpoint speaks protocol %s, this replica speaks %s", got, ProtocolVersion))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUpgradeRequired:
		body, _ := io.ReadAll(resp.Body)
		return syncErrors.NewProtocolError(op, fmt.Errorf("protocol rejected: %s", string(body)))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(resp.Body)
		return syncErrors.NewRetryable(op, fmt.Errorf("server error (status %d): %s", resp.StatusCode, string(body)))
	default:
		body, _ := io.ReadAll(resp.Body)
		return syncErrors.NewWithComponent(op, "transport", fmt.Errorf("server error (status %d): %s", resp.StatusCode, string(body)))
	}
}

// --- HTTP Sync Handler (Server) ---

// ChangeLog is the server-side storage surface the handler needs: an
// append-only change feed addressable by log sequence.
type ChangeLog interface {
	// AppendChange must be idempotent on the change ID so retried pushes
	// cannot duplicate log entries.
	AppendChange(ctx context.Context, rec medsync.ChangeRecord) error
	LoadChangesSince(ctx context.Context, seq uint64, limit int) ([]medsync.ChangeRecord, uint64, bool, error)
}

// SyncHandler is an http.Handler serving the push and pull endpoints over a
// ChangeLog.
type SyncHandler struct {
	log      ChangeLog
	logger   *logging.Logger
	batchMax int

	// OnPush, when set, is called after a push that accepted at least one
	// change, e.g. to fan out change notifications.
	OnPush func(accepted int)
}

// NewSyncHandler creates a handler for serving sync endpoints.
func NewSyncHandler(log ChangeLog) *SyncHandler {
	return &SyncHandler{
		log:      log,
		logger:   logging.WithComponent(logging.Component("sync-handler")),
		batchMax: 500,
	}
}

// ServeHTTP routes requests to the appropriate handler (/push or /pull).
func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerProtocol, ProtocolVersion)

	if got := r.Header.Get(headerProtocol); got != "" && got != ProtocolVersion {
		respondWithError(w, http.StatusUpgradeRequired,
			fmt.Sprintf("unsupported protocol version %s, this endpoint speaks %s", got, ProtocolVersion))
		return
	}

	switch r.URL.Path {
	case "/push":
		h.handlePush(w, r)
	case "/pull":
		h.handlePull(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *SyncHandler) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if r.Header.Get("Content-Encoding") == encodingSnappy {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid snappy payload: "+err.Error())
			return
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	changes, err := openChanges(env.Changes, env.Checksum)
	if err != nil {
		// A corrupt batch is rejected whole; the client re-requests.
		respondWithError(w, http.StatusBadRequest, "rejected batch: "+err.Error())
		return
	}

	result := medsync.PushResult{Accepted: []string{}}
	for _, rec := range changes {
		if reason := validateRecord(rec); reason != "" {
			result.Rejected = append(result.Rejected, medsync.PushRejection{ChangeID: rec.ID, Reason: reason})
			continue
		}
		// An identical replay is accepted without re-appending so clients can
		// safely retry after a lost acknowledgment.
		if err := h.log.AppendChange(r.Context(), rec); err != nil {
			h.logger.LogError(r.Context(), err, "failed to append pushed change",
				slog.String("change_id", rec.ID),
			)
			respondWithError(w, http.StatusInternalServerError, "could not store changes")
			return
		}
		result.Accepted = append(result.Accepted, rec.ID)
	}

	h.logger.InfoContext(r.Context(), "push handled",
		slog.String("replica", r.Header.Get(headerReplica)),
		slog.Int("accepted", len(result.Accepted)),
		slog.Int("rejected", len(result.Rejected)),
	)
	respondWithJSON(w, http.StatusOK, result)

	if h.OnPush != nil && len(result.Accepted) > 0 {
		h.OnPush(len(result.Accepted))
	}
}

func (h *SyncHandler) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	since, err := cursor.Decode(r.URL.Query().Get("cursor"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid cursor: "+err.Error())
		return
	}

	var seq uint64
	if since != nil {
		sc, ok := since.(cursor.SequenceCursor)
		if !ok {
			respondWithError(w, http.StatusBadRequest, "expected a sequence cursor")
			return
		}
		seq = sc.Seq
	}

	limit := h.batchMax
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}

	changes, last, hasMore, err := h.log.LoadChangesSince(r.Context(), seq, limit)
	if err != nil {
		h.logger.LogError(r.Context(), err, "failed to load changes")
		respondWithError(w, http.StatusInternalServerError, "could not load changes")
		return
	}

	raw, checksum, err := sealChanges(changes)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "could not encode changes")
		return
	}

	next, err := cursor.Encode(cursor.NewSequence(last))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "could not encode cursor")
		return
	}

	respondWithJSON(w, http.StatusOK, pullResponse{
		Changes:    raw,
		Checksum:   checksum,
		NextCursor: next,
		HasMore:    hasMore,
	})
}

// validateRecord returns a rejection reason, or "" when the record is
// acceptable.
func validateRecord(rec medsync.ChangeRecord) string {
	switch {
	case rec.ID == "":
		return "missing change id"
	case rec.EntityID == "":
		return "missing entity id"
	case rec.ReplicaID == "":
		return "missing replica id"
	case rec.Clock == nil || rec.Clock.IsZero():
		return "missing vector clock"
	case rec.Version == 0:
		return "missing version"
	}
	return ""
}

// --- HTTP Helper Functions ---

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "failed to marshal response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
