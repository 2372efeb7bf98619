package handler

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

const (
	defaultListLimit = 100
	maxListLimit     = 10000
)

// handleStatus handles GET /v1/status.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.state.Current()
	resp := StatusResponse{
		NodeID:    h.nodeID,
		Version:   uint64(snap.Version()),
		Keys:      snap.KeyCount(),
		Clustered: h.state.Clustered(),
	}
	if h.cluster != nil {
		st := h.cluster.Stats()
		resp.Cluster = &ClusterStatus{
			IsLeader:     st.IsLeader,
			LeaderID:     st.LeaderID,
			AppliedIndex: st.AppliedIndex,
			Version:      st.Version,
			Peers:        st.Peers,
		}
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// handleListKeys handles GET /v1/keys?prefix=&limit=&version=.
func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshotFor(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			h.handleError(w, r, domain.ErrInvalidArgument.WithDetails("limit must be between 1 and "+strconv.Itoa(maxListLimit)))
			return
		}
		limit = n
	}
	prefix := []byte(r.URL.Query().Get("prefix"))

	resp := KeyListResponse{Version: uint64(snap.Version()), Keys: []KeySummary{}}
	snap.Ascend(func(ks snapshot.KeySnapshot) bool {
		if !bytes.HasPrefix(ks.Key().Bytes(), prefix) {
			return true
		}
		if len(resp.Keys) == limit {
			resp.Truncated = true
			return false
		}
		resp.Keys = append(resp.Keys, KeySummary{
			Key:     ks.Key().String(),
			Version: uint64(ks.Version()),
			Subkeys: ks.Count(),
		})
		return true
	})
	h.writeJSON(w, r, http.StatusOK, resp)
}

// handleGetKey handles GET /v1/keys/{key}?version=.
func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshotFor(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	name := r.PathValue("key")
	var ks snapshot.KeySnapshot
	key, ok := domain.LookupKey(name)
	if ok {
		ks, ok = snap.Get(key)
	}
	if !ok {
		WriteError(w, r, http.StatusNotFound, "SM-KEY-4040", "key not found: "+name)
		return
	}

	resp := KeyResponse{
		Key:             name,
		SnapshotVersion: uint64(snap.Version()),
		Version:         uint64(ks.Version()),
		Entries:         make([]Entry, 0, ks.Count()),
	}
	ks.AscendEntries(func(sub domain.Subkey, v domain.Value, ver domain.Version) bool {
		resp.Entries = append(resp.Entries, newEntry(sub, v, ver))
		return true
	})
	h.writeJSON(w, r, http.StatusOK, resp)
}

// handleDiff handles GET /v1/diff?from=&to=. to defaults to the current
// version.
func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	from, ok, err := queryVersion(r, "from")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ok {
		h.handleError(w, r, domain.ErrInvalidArgument.WithDetails("from is required"))
		return
	}
	older, err := h.state.At(from)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	newer, err := h.snapshotFor(r, "to")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if newer.Version() < older.Version() {
		h.handleError(w, r, domain.ErrInvalidArgument.WithDetails("to must not be older than from"))
		return
	}

	resp := DiffResponse{
		From:    uint64(older.Version()),
		To:      uint64(newer.Version()),
		Changes: []KeyChange{},
	}
	for _, u := range snapshot.Diff(older, newer) {
		resp.Changes = append(resp.Changes, KeyChange{
			Key:      u.Key.String(),
			Inserted: subkeys(u.Inserted),
			Updated:  subkeys(u.Updated),
			Removed:  subkeys(u.Removed),
		})
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// snapshotFor returns the snapshot named by the version query parameter
// (or the given parameter name), or the current one.
func (h *Handler) snapshotFor(r *http.Request, param ...string) (*snapshot.Snapshot, error) {
	name := "version"
	if len(param) > 0 {
		name = param[0]
	}
	v, ok, err := queryVersion(r, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return h.state.Current(), nil
	}
	return h.state.At(v)
}

func queryVersion(r *http.Request, name string) (domain.Version, bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || !domain.Version(n).Valid() {
		return 0, false, domain.ErrInvalidArgument.WithDetails(name + " is not a valid version")
	}
	return domain.Version(n), true, nil
}
