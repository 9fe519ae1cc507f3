package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/channellog"
	"github.com/relves/convosync/pkg/membership"
	"github.com/relves/convosync/pkg/provision"
	"github.com/relves/convosync/pkg/reconcile"
	"github.com/relves/convosync/pkg/syncfilter"
	"github.com/relves/convosync/pkg/types"
)

// api exposes the conversation operations upward and the filter/arrival
// hooks to the replication layer.
type api struct {
	provisioner *provision.Provisioner
	channels    *channellog.Service
	filter      *syncfilter.Filter
	dispatcher  *reconcile.Dispatcher
	self        string
	logger      *slog.Logger
}

func (a *api) handleCreateP2P(w http.ResponseWriter, r *http.Request) {
	var req struct {
		A string `json:"a"`
		B string `json:"b"`
	}
	if !decode(w, r, &req) {
		return
	}
	topic, err := a.provisioner.CreateP2PTopic(r.Context(), req.A, req.B)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, topic)
}

func (a *api) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string   `json:"name"`
		TopicID          string   `json:"topic_id"`
		Participants     []string `json:"participants"`
		AutoAddSyncPeers bool     `json:"auto_add_sync_peers"`
	}
	if !decode(w, r, &req) {
		return
	}
	topic, err := a.provisioner.CreateGroupTopic(r.Context(), req.Name, req.TopicID, req.Participants, req.AutoAddSyncPeers)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, topic)
}

func (a *api) handleAddParticipants(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Participants []string `json:"participants"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := a.provisioner.AddParticipantsToTopic(r.Context(), r.PathValue("topicID"), req.Participants); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleGetParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := a.provisioner.GetTopicParticipants(r.Context(), r.PathValue("topicID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"participants": participants})
}

// handleAppendEntry appends one entry to a channel log as the local
// principal and returns the new head together with the channel-head
// certificate endorsing it.
func (a *api) handleAppendEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data"`
	}
	if !decode(w, r, &req) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		http.Error(w, "data must be base64", http.StatusBadRequest)
		return
	}

	res, err := a.channels.Append(r.Context(), types.Ref(r.PathValue("channelRef")), a.self, data)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index":       res.Index,
		"size":        res.Checkpoint.Size,
		"root":        base64.StdEncoding.EncodeToString(res.Checkpoint.Root),
		"certificate": res.CertRef,
	})
}

func (a *api) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	limit, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if err != nil || limit <= 0 {
		limit = 100
	}

	entries, err := a.channels.Entries(r.Context(), types.Ref(r.PathValue("channelRef")), offset, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	type entry struct {
		Index uint64 `json:"index"`
		Data  string `json:"data"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{Index: e.Index, Data: base64.StdEncoding.EncodeToString(e.Data)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (a *api) handleFilterOutbound(w http.ResponseWriter, r *http.Request) {
	ref := types.Ref(r.URL.Query().Get("ref"))
	typ := types.ObjectType(r.URL.Query().Get("type"))
	allow := a.filter.AllowOutbound(ref, typ)
	writeJSON(w, http.StatusOK, map[string]bool{"allow": allow})
}

// handleArrival is the inbound path of the replication layer: the
// object is filtered first, then dispatched to the registered arrival
// handlers. A retryable handler failure maps to 503 so the caller
// re-delivers.
func (a *api) handleArrival(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref     string `json:"ref"`
		Type    string `json:"type"`
		Payload string `json:"payload,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	var payload []byte
	if req.Payload != "" {
		var err error
		if payload, err = base64.StdEncoding.DecodeString(req.Payload); err != nil {
			http.Error(w, "payload must be base64", http.StatusBadRequest)
			return
		}
	}

	event := reconcile.ArrivalEvent{
		Ref:     types.Ref(req.Ref),
		Type:    types.ObjectType(req.Type),
		Payload: payload,
	}
	if !a.filter.AllowInbound(r.Context(), event.Ref, event.Type, event.Payload) {
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": false})
		return
	}
	if err := a.dispatcher.Dispatch(r.Context(), event); err != nil {
		if reconcile.IsRetryable(err) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, provision.ErrInvalidParticipantCount),
		errors.Is(err, provision.ErrTopicIDReserved):
		status = http.StatusBadRequest
	case errors.Is(err, channellog.ErrNotChannelOwner):
		status = http.StatusForbidden
	case errors.Is(err, provision.ErrNotFound), errors.Is(err, membership.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	}
	a.logger.Error("request failed", "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
