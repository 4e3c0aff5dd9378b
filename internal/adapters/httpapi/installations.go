package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"installcore/internal/composer"
	"installcore/internal/core"
	"installcore/internal/engine"
	"installcore/pkg/domain"
)

func (s *Server) view(w http.ResponseWriter) (*composer.View, bool) {
	v := s.current()
	if v == nil {
		writeError(w, http.StatusServiceUnavailable, "view not composed yet")
		return nil, false
	}
	return v, true
}

type viewBody struct {
	*composer.View
	Errors map[string]string `json:"errors,omitempty"`
}

// viewResponse renders feed errors as messages; SubscriptionError wraps an
// error value that does not marshal on its own.
func viewResponse(v *composer.View) viewBody {
	return viewBody{View: v, Errors: feedErrors(v)}
}

func feedErrors(v *composer.View) map[string]string {
	if len(v.Errors) == 0 {
		return nil
	}
	out := make(map[string]string, len(v.Errors))
	for key, err := range v.Errors {
		out[key] = err.Error()
	}
	return out
}

func (s *Server) handleView(w http.ResponseWriter, _ *http.Request) {
	if v, ok := s.view(w); ok {
		writeJSON(w, http.StatusOK, viewResponse(v))
	}
}

func (s *Server) handleMap(w http.ResponseWriter, _ *http.Request) {
	if v, ok := s.view(w); ok {
		writeJSON(w, http.StatusOK, map[string]any{"seq": v.Seq, "markers": v.Markers})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if v, ok := s.view(w); ok {
		writeJSON(w, http.StatusOK, map[string]any{"seq": v.Seq, "stats": v.Stats, "errors": feedErrors(v)})
	}
}

func (s *Server) handleBoxes(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w)
	if !ok {
		return
	}
	boxes := v.Boxes
	if team := r.URL.Query().Get("team"); team != "" {
		boxes = lo.Filter(boxes, func(b engine.BoxGroup, _ int) bool { return b.TeamID == team })
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": v.Seq, "boxes": boxes})
}

func (s *Server) handleTeamRollups(w http.ResponseWriter, _ *http.Request) {
	if v, ok := s.view(w); ok {
		writeJSON(w, http.StatusOK, map[string]any{"seq": v.Seq, "teams": v.Teams, "members": v.Members})
	}
}

// handleListInstallations serves the submissions list and the verification
// queue. Installers only see their own records.
func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w)
	if !ok {
		return
	}
	actor := actorFrom(r)
	query := r.URL.Query()
	status := domain.InstallationStatus(query.Get("status"))
	team := query.Get("team")
	items := lo.Filter(v.Enriched, func(e engine.EnrichedInstallation, _ int) bool {
		if !actor.CanReview() && e.Installation.InstalledBy != actor.UserID {
			return false
		}
		if status != "" && e.Installation.Status != status {
			return false
		}
		if query.Get("actionable") == "true" && !core.IsActionable(e.Installation) {
			return false
		}
		return team == "" || e.TeamID() == team
	})
	writeJSON(w, http.StatusOK, map[string]any{"seq": v.Seq, "installations": items})
}

func (s *Server) handleGetInstallation(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	item, found := lo.Find(v.Enriched, func(e engine.EnrichedInstallation) bool { return e.Installation.ID == id })
	if !found {
		s.fail(w, r, domain.NotFoundError{Entity: domain.EntityInstallation, ID: id})
		return
	}
	actor := actorFrom(r)
	actions := domain.VisibleActions(actor, &item.Installation)
	if !lo.Contains(actions, domain.ActionView) {
		s.fail(w, r, domain.Forbidden("installation %s is not visible to %s", id, actor.UserID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installation": item, "actions": actions})
}

func (s *Server) handleInstallationActions(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	item, found := lo.Find(v.Enriched, func(e engine.EnrichedInstallation) bool { return e.Installation.ID == id })
	if !found {
		s.fail(w, r, domain.NotFoundError{Entity: domain.EntityInstallation, ID: id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": orEmpty(domain.VisibleActions(actorFrom(r), &item.Installation))})
}

func (s *Server) handleGlobalActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": orEmpty(domain.VisibleActions(actorFrom(r), nil))})
}

type submitRequest struct {
	DeviceID      string   `json:"device_id"`
	LocationID    string   `json:"location_id"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	SensorReading float64  `json:"sensor_reading"`
	ImageURLs     []string `json:"image_urls"`
	VideoURL      string   `json:"video_url"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	inst, err := s.opts.Service.SubmitInstallation(r.Context(), actorFrom(r), domain.Installation{
		DeviceID:      req.DeviceID,
		LocationID:    req.LocationID,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		SensorReading: req.SensorReading,
		ImageURLs:     req.ImageURLs,
		VideoURL:      req.VideoURL,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"installation": inst})
}

// decisionRequest carries the status the caller observed; when set, the
// decision only commits if the record still has that status.
type decisionRequest struct {
	ExpectedStatus domain.InstallationStatus `json:"expected_status"`
	Reason         string                    `json:"reason"`
}

func (d decisionRequest) options() []core.TransitionOption {
	if d.ExpectedStatus == "" {
		return nil
	}
	return []core.TransitionOption{core.WithExpectedStatus(d.ExpectedStatus)}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	inst, err := s.opts.Service.VerifyInstallation(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.options()...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installation": inst})
}

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	inst, err := s.opts.Service.FlagInstallation(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason, req.options()...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installation": inst})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func orEmpty[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
