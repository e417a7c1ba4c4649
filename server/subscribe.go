package server

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"disaster-relay/command"
)

// Each registration costs a geocoding call, so registrations are limited
// per client to 5 per hour.
const (
	subscribeRate  = rate.Limit(5.0 / 3600)
	subscribeBurst = 5
)

type subscriberRequest struct {
	Subscriber string `json:"subscriber"`
	Location   string `json:"location"`
}

type subscriberResponse struct {
	Subscriber string  `json:"subscriber"`
	Location   string  `json:"location"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// handleRegisterSubscriber is called by the chat front end, which binds the
// subscriber id to the user it authenticated. Only that caller may write.
func (s *Server) handleRegisterSubscriber(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	if !actor.Admin {
		s.logger.Warn("Anonymous subscriber registration refused", "ip", clientIP(r))
		s.writeError(w, r, fmt.Errorf("%w: subscriber registration requires relay credentials", command.ErrForbidden))
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip, time.Now()) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		writeJSON(w, s.logger, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
		return
	}

	var req subscriberRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sub, err := s.commands.RegisterSubscriberLocation(r.Context(), req.Subscriber, req.Location)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, subscriberResponse{
		Subscriber: req.Subscriber,
		Location:   sub.Location,
		Lat:        sub.Lat,
		Lon:        sub.Lon,
	})
}

func (s *Server) handleShowSubscriber(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.commands.ShowSubscriberLocation(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, subscriberResponse{
		Subscriber: id,
		Location:   sub.Location,
		Lat:        sub.Lat,
		Lon:        sub.Lon,
	})
}
