package server

import (
	"net/http"
)

type destinationRequest struct {
	Tenant      string `json:"tenant"`
	Destination string `json:"destination"`
}

func (s *Server) handleRegisterDestination(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req destinationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	stored, err := s.commands.RegisterDestination(r.Context(), actor, req.Tenant, req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, destinationRequest{Tenant: req.Tenant, Destination: stored})
}

func (s *Server) handleShowDestination(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	dest, err := s.commands.ShowDestination(tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, destinationRequest{Tenant: tenant, Destination: dest})
}

type gateResponse struct {
	Active  bool `json:"active"`
	Changed bool `json:"changed,omitempty"`
}

func (s *Server) handleGateStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, gateResponse{Active: s.commands.Active()})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	changed, err := s.commands.Suspend(actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, gateResponse{Active: s.commands.Active(), Changed: changed})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	changed, err := s.commands.Resume(actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, gateResponse{Active: s.commands.Active(), Changed: changed})
}
