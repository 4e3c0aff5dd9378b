package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"installcore/pkg/domain"
)

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	team, err := s.opts.Service.CreateTeam(r.Context(), actorFrom(r), req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"team": team})
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Service.DeleteTeam(r.Context(), actorFrom(r), chi.URLParam(r, "teamID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var member domain.TeamMember
	if !decode(w, r, &member) {
		return
	}
	member.TeamID = chi.URLParam(r, "teamID")
	created, err := s.opts.Service.AddTeamMember(r.Context(), actorFrom(r), member)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"member": created})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Service.RemoveTeamMember(r.Context(), actorFrom(r), chi.URLParam(r, "teamID"), chi.URLParam(r, "memberID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignBox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID        string `json:"team_id"`
		InstallerName string `json:"installer_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.opts.Service.AssignBox(r.Context(), actorFrom(r), chi.URLParam(r, "box"), req.TeamID, req.InstallerName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

func (s *Server) handleOpenBox(w http.ResponseWriter, r *http.Request) {
	n, err := s.opts.Service.OpenBox(r.Context(), actorFrom(r), chi.URLParam(r, "teamID"), chi.URLParam(r, "box"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

func (s *Server) handleImportDevices(w http.ResponseWriter, r *http.Request) {
	table, _, err := s.readTable(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	summary, err := s.opts.Service.ImportDevices(r.Context(), actorFrom(r), table)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAssignBoxNumbers(w http.ResponseWriter, r *http.Request) {
	table, _, err := s.readTable(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	summary, err := s.opts.Service.AssignBoxNumbers(r.Context(), actorFrom(r), table)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
