package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

// Deps are the services the API fronts.
type Deps struct {
	Booking      *booking.Service
	Lifecycle    *lifecycle.Machine
	Finder       *matcher.Finder
	Sessions     booking.SessionManager
	Ingest       ingest.Publisher
	WSReg        *dispatch.WSRegistry
	Auth         *auth.Verifier
	RadiusMeters float64
}

type Server struct {
	deps       Deps
	logger     *slog.Logger
	mux        *mux.Router
	now        func() time.Time
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:       deps,
		logger:     logger,
		mux:        mux.NewRouter(),
		now:        time.Now,
		pongWait:   wsPongWait,
		pingPeriod: wsPingPeriod,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/locations", s.handleLocation).Methods("POST")
	api.HandleFunc("/availability", s.handleAvailability).Methods("PUT")
	api.HandleFunc("/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/quotes", s.handleQuote).Methods("POST")
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/view", s.handleView).Methods("GET")
	api.HandleFunc("/rides/{id}/select", s.handleSelect).Methods("POST")
	api.HandleFunc("/rides/{id}/confirm", s.handleConfirm).Methods("POST")
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/rides/{id}/sos", s.handleSOS).Methods("POST")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/rides/{id}", s.handleWS).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationBody struct {
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	AccuracyMeters float64    `json:"accuracy_meters"`
	CapturedAt     *time.Time `json:"captured_at,omitempty"`
	Available      *bool      `json:"available,omitempty"`
}

// handleLocation records the caller's own fix. Only drivers may piggyback an
// availability change on it.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	var body locationBody
	if !decode(w, r, &body) {
		return
	}
	if body.Available != nil && actor.Role != auth.RoleDriver {
		writeError(w, roleError{auth.RoleDriver})
		return
	}
	captured := s.now()
	if body.CapturedAt != nil {
		captured = *body.CapturedAt
	}
	loc := models.ActorLocation{
		ActorID:        actor.ID,
		Coordinate:     models.Coordinate{Lat: body.Latitude, Lon: body.Longitude},
		AccuracyMeters: body.AccuracyMeters,
		CapturedAt:     captured,
	}
	if err := loc.ValidateAt(s.now()); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Ingest.Publish(r.Context(), models.LocationUpdate{ActorID: actor.ID, Location: &loc, Available: body.Available}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, auth.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		Available *bool `json:"available"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Available == nil {
		writeError(w, invalid("available is required"))
		return
	}
	if err := s.deps.Ingest.Publish(r.Context(), models.LocationUpdate{ActorID: actor.ID, Available: body.Available}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, invalid("lat and lon are required numbers"))
		return
	}
	radius := s.deps.RadiusMeters
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, invalid("radius must be a number"))
			return
		}
		radius = f
	}
	cs, err := s.deps.Finder.FindCandidates(r.Context(), models.Coordinate{Lat: lat, Lon: lon}, radius)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cs})
}

type quoteBody struct {
	Pickup       models.Coordinate `json:"pickup"`
	Destination  models.Coordinate `json:"destination"`
	VehicleClass string            `json:"vehicle_class"`
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) (lifecycle.Quote, bool) {
	actor, ok := s.requireRole(w, r, auth.RoleRider)
	if !ok {
		return lifecycle.Quote{}, false
	}
	var body quoteBody
	if !decode(w, r, &body) {
		return lifecycle.Quote{}, false
	}
	q, err := s.deps.Lifecycle.Quote(r.Context(), lifecycle.QuoteCommand{
		RiderID:      actor.ID,
		Pickup:       body.Pickup,
		Destination:  body.Destination,
		VehicleClass: body.VehicleClass,
	})
	if err != nil {
		writeError(w, err)
		return lifecycle.Quote{}, false
	}
	return q, true
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if q, ok := s.quote(w, r); ok {
		writeJSON(w, http.StatusOK, q)
	}
}

// handleCreateRide quotes and submits in one step, then tracking starts.
func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	q, ok := s.quote(w, r)
	if !ok {
		return
	}
	ride, err := s.deps.Booking.RequestRide(r.Context(), q.Ride)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lifecycle.Quote{Ride: ride, Route: q.Route})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.participant(w, r, true, true)
	if ok {
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.participant(w, r, true, true)
	if !ok {
		return
	}
	sess, ok := s.deps.Sessions.Get(ride.ID)
	if !ok {
		writeError(w, models.ErrSessionNotFound)
		return
	}
	v, ok := sess.View()
	if !ok {
		// session started but has not published yet
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleRider); !ok {
		return
	}
	ride, ok := s.participant(w, r, true, false)
	if !ok {
		return
	}
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.DriverID == "" {
		writeError(w, invalid("driver_id is required"))
		return
	}
	res, err := s.deps.Booking.Select(r.Context(), ride.ID, body.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleRider); !ok {
		return
	}
	ride, ok := s.participant(w, r, true, false)
	if !ok {
		return
	}
	res, err := s.deps.Booking.ConfirmBooking(r.Context(), ride.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleDriver); !ok {
		return
	}
	ride, ok := s.participant(w, r, false, true)
	if !ok {
		return
	}
	out, err := s.deps.Booking.Start(r.Context(), ride.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleDriver); !ok {
		return
	}
	ride, ok := s.participant(w, r, false, true)
	if !ok {
		return
	}
	out, err := s.deps.Booking.Complete(r.Context(), ride.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.participant(w, r, true, true)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	out, err := s.deps.Booking.Cancel(r.Context(), ride.ID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	var body struct {
		Position *models.Coordinate `json:"position,omitempty"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	if err := s.deps.Booking.SOS(r.Context(), mux.Vars(r)["id"], actor.ID, body.Position); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role string) (auth.Actor, bool) {
	actor, _ := auth.FromContext(r.Context())
	if actor.Role != role {
		writeError(w, roleError{role})
		return auth.Actor{}, false
	}
	return actor, true
}

// participant loads the ride in the path and checks the caller may act on it.
func (s *Server) participant(w http.ResponseWriter, r *http.Request, rider, driver bool) (models.RideRequest, bool) {
	actor, _ := auth.FromContext(r.Context())
	ride, err := s.deps.Lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return models.RideRequest{}, false
	}
	if (rider && actor.ID == ride.RiderID) || (driver && actor.ID != "" && actor.ID == ride.DriverID()) {
		return ride, true
	}
	writeError(w, errForbidden)
	return models.RideRequest{}, false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, invalid("malformed body: "+err.Error()))
		return false
	}
	return true
}
