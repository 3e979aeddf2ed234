package main

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"collabtext/session"
	"collabtext/store"
	"collabtext/workspace"
)

// workspace ids become store keys and redis channel names
var workspaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

func newRouter(sv *session.Server, registry *workspace.Registry) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{workspace}", func(w http.ResponseWriter, req *http.Request) {
		id, ok := workspaceID(w, req)
		if !ok {
			return
		}
		glog.V(1).Infof("New connection for workspace: %s", id)
		sv.ServeWorkspace(w, req, id)
	})
	r.HandleFunc("/api/workspaces/{workspace}", func(w http.ResponseWriter, req *http.Request) {
		id, ok := workspaceID(w, req)
		if !ok {
			return
		}
		exportWorkspace(w, req, registry, id)
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/workspaces/{workspace}/blocks", func(w http.ResponseWriter, req *http.Request) {
		id, ok := workspaceID(w, req)
		if !ok {
			return
		}
		ws, release, ok := acquire(w, req, registry, id)
		if !ok {
			return
		}
		defer release()
		writeJSON(w, map[string]any{
			"count":  workspace.BlockCount(ws.Doc()),
			"blocks": workspace.BlocksByFlavour(ws.Doc(), req.URL.Query().Get("flavour")),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/workspaces/{workspace}/blocks/{block}", func(w http.ResponseWriter, req *http.Request) {
		id, ok := workspaceID(w, req)
		if !ok {
			return
		}
		ws, release, ok := acquire(w, req, registry, id)
		if !ok {
			return
		}
		defer release()
		blockID := mux.Vars(req)["block"]
		b, ok := workspace.GetBlock(ws.Doc(), blockID)
		if !ok {
			http.Error(w, "no such block", http.StatusNotFound)
			return
		}
		body := map[string]any{"id": b.ID, "block": b}
		if u, ok := workspace.LastUpdate(ws.Doc(), blockID); ok {
			body["updated"] = u
		}
		writeJSON(w, body)
	}).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"workspaces": registry.Len(),
		})
	}).Methods(http.MethodGet)
	return r
}

func workspaceID(w http.ResponseWriter, req *http.Request) (string, bool) {
	id := mux.Vars(req)["workspace"]
	if !workspaceIDPattern.MatchString(id) {
		http.Error(w, "invalid workspace id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func acquire(w http.ResponseWriter, req *http.Request, registry *workspace.Registry, id string) (*workspace.Workspace, func(), bool) {
	ws, release, err := registry.Acquire(req.Context(), id)
	if err != nil {
		status := http.StatusServiceUnavailable
		if store.IsCorrupt(err) {
			status = http.StatusInternalServerError
		}
		http.Error(w, "workspace unavailable", status)
		return nil, nil, false
	}
	return ws, release, true
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.V(1).Infof("Error writing response: %v", err)
	}
}

// exportWorkspace writes every root container of the workspace document as
// JSON.
func exportWorkspace(w http.ResponseWriter, req *http.Request, registry *workspace.Registry, id string) {
	ws, release, ok := acquire(w, req, registry, id)
	if !ok {
		return
	}
	defer release()

	writeJSON(w, map[string]any{
		"id":          id,
		"stateVector": ws.Doc().StateVector().String(),
		"sessions":    ws.Sessions() - 1,
		"degraded":    ws.Degraded(),
		"metadata":    workspace.Metadata(ws.Doc()),
		"content":     ws.Doc().ToJSON(),
	})
}
