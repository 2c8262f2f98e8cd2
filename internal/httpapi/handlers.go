package httpapi

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"control-monitor/internal/model"
	"control-monitor/pkg/controlmonitor"
)

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status := h.client.Health()
	code := http.StatusOK
	if status.Tier == model.TierUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Statistics(r.Context()))
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		f   model.QueryFilter
		err error
	)
	if f.Start, err = parseTime(q.Get("start")); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.End, err = parseTime(q.Get("end")); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		h.fail(w, r, err)
		return
	}
	f.GroupID = q.Get("group")
	f.Controls = q["control"]
	f.Components = q["component"]

	res, err := h.client.QueryEvents(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.ListGroups())
}

type createGroupRequest struct {
	ID       string   `json:"id"`
	Controls []string `json:"controls,omitempty"`
	PollRate float64  `json:"poll_rate,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

type createGroupResponse struct {
	Group    controlmonitor.GroupInfo  `json:"group"`
	Controls *controlmonitor.AddResult `json:"controls,omitempty"`
}

// createGroup creates the group and optionally fills and starts it in the
// same request. A failure after creation leaves the group in place.
func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.client.CreateGroup(req.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	var resp createGroupResponse
	if len(req.Controls) > 0 {
		added, err := h.client.AddControls(req.ID, req.Controls...)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.Controls = &added
	}
	if req.Priority != 0 {
		if err := h.client.SetPriority(req.ID, req.Priority); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.PollRate != 0 {
		if _, err := h.client.AutoPoll(req.ID, req.PollRate); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	info, err := h.client.Group(req.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp.Group = info
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	info, err := h.client.Group(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) destroyGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.client.DestroyGroup(mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type controlsRequest struct {
	Controls []string `json:"controls"`
}

func (h *Handler) addControls(w http.ResponseWriter, r *http.Request) {
	var req controlsRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.client.AddControls(mux.Vars(r)["id"], req.Controls...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// removeControls removes the listed controls, or every control when the
// body is empty.
func (h *Handler) removeControls(w http.ResponseWriter, r *http.Request) {
	var req controlsRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if len(req.Controls) == 0 {
		if err := h.client.ClearGroup(id); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	n, err := h.client.RemoveControls(id, req.Controls...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type autoPollRequest struct {
	Rate float64 `json:"rate"`
}

func (h *Handler) autoPoll(w http.ResponseWriter, r *http.Request) {
	var req autoPollRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	applied, err := h.client.AutoPoll(mux.Vars(r)["id"], req.Rate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"rate": applied.Seconds()})
}

func (h *Handler) stopPolling(w http.ResponseWriter, r *http.Request) {
	if err := h.client.StopPolling(mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// poll runs a manual poll. Callers identify themselves with the caller
// parameter so each gets its own change cursor.
func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all := false
	if s := q.Get("all"); s != "" {
		var err error
		if all, err = strconv.ParseBool(s); err != nil {
			h.fail(w, r, errors.NotValidf("all=%q", s))
			return
		}
	}
	caller := q.Get("caller")
	if caller == "" {
		caller = r.RemoteAddr
	}
	res, err := h.client.Poll(r.Context(), mux.Vars(r)["id"], caller, all)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	if err := h.client.ResumeGroup(mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listBackups(w http.ResponseWriter, r *http.Request) {
	list, err := h.client.ListBackups()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) backup(w http.ResponseWriter, r *http.Request) {
	rec, err := h.client.Backup(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type restoreRequest struct {
	File string `json:"file"`
}

func bareFileName(name string) bool {
	switch name {
	case "", ".", "..":
		return false
	}
	return filepath.Base(name) == name
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	// Only snapshots in the backup directory can be restored remotely.
	if !bareFileName(req.File) {
		h.fail(w, r, errors.NotValidf("backup file %q", req.File))
		return
	}
	if err := h.client.Restore(r.Context(), req.File); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.client.Statistics(r.Context()))
}
