package handler

import (
	"encoding/base64"
	"time"
	"unicode/utf8"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

// Response is the standard API response envelope.
// All JSON responses use this format (except /metrics which uses Prometheus format).
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// StatusResponse is the response body for GET /v1/status.
type StatusResponse struct {
	NodeID    string         `json:"node_id"`
	Version   uint64         `json:"version"`
	Keys      int            `json:"keys"`
	Clustered bool           `json:"clustered"`
	Cluster   *ClusterStatus `json:"cluster,omitempty"`
}

// ClusterStatus describes the node's view of the cluster.
type ClusterStatus struct {
	IsLeader     bool   `json:"is_leader"`
	LeaderID     string `json:"leader_id,omitempty"`
	AppliedIndex uint64 `json:"applied_index"`
	Version      uint64 `json:"sequenced_version"`
	Peers        int    `json:"peers"`
}

// KeySummary is one row of GET /v1/keys.
type KeySummary struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
	Subkeys int    `json:"subkeys"`
}

// KeyListResponse is the response body for GET /v1/keys.
type KeyListResponse struct {
	Version   uint64       `json:"version"`
	Keys      []KeySummary `json:"keys"`
	Truncated bool         `json:"truncated,omitempty"`
}

// Entry is one subkey of a key.
type Entry struct {
	Subkey  uint64 `json:"subkey"`
	Version uint64 `json:"version"`
	Value   string `json:"value"`
	// Encoding is "utf8" or "base64".
	Encoding string `json:"encoding"`
}

// KeyResponse is the response body for GET /v1/keys/{key}.
type KeyResponse struct {
	Key             string  `json:"key"`
	SnapshotVersion uint64  `json:"snapshot_version"`
	Version         uint64  `json:"version"`
	Entries         []Entry `json:"entries"`
}

// KeyChange is one key of a diff.
type KeyChange struct {
	Key      string   `json:"key"`
	Inserted []uint64 `json:"inserted,omitempty"`
	Updated  []uint64 `json:"updated,omitempty"`
	Removed  []uint64 `json:"removed,omitempty"`
}

// DiffResponse is the response body for GET /v1/diff.
type DiffResponse struct {
	From    uint64      `json:"from"`
	To      uint64      `json:"to"`
	Changes []KeyChange `json:"changes"`
}

func newEntry(sub domain.Subkey, v domain.Value, ver domain.Version) Entry {
	e := Entry{Subkey: uint64(sub), Version: uint64(ver)}
	if b := v.Bytes(); utf8.Valid(b) {
		e.Value, e.Encoding = string(b), "utf8"
	} else {
		e.Value, e.Encoding = base64.StdEncoding.EncodeToString(b), "base64"
	}
	return e
}

func subkeys(in []domain.Subkey) []uint64 {
	if len(in) == 0 {
		return nil
	}
	out := make([]uint64, len(in))
	for i, s := range in {
		out[i] = uint64(s)
	}
	return out
}
