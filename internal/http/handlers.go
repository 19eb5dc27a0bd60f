package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
)

// LocationPublisher forwards driver location updates to the stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Options struct {
	Coordinator *dispatch.Coordinator
	Directory   geo.Directory
	Registry    geo.Registry
	Locations   LocationPublisher
	Sessions    *notify.WSRegistry
	Logger      *slog.Logger
}

type Server struct {
	coord     *dispatch.Coordinator
	directory geo.Directory
	registry  geo.Registry
	locations LocationPublisher
	sessions  *notify.WSRegistry
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(o Options) *Server {
	s := &Server{
		coord:     o.Coordinator,
		directory: o.Directory,
		registry:  o.Registry,
		locations: o.Locations,
		sessions:  o.Sessions,
		logger:    o.Logger,
		mux:       mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	if s.registry != nil {
		s.mux.HandleFunc("/internal/drivers/{id}", s.handlePutDriver).Methods(http.MethodPut)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/offers", s.handleListOffers).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/redispatch", s.handleRedispatch).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/promote", s.handlePromote).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/arrive", s.handleArrive).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/release", s.handleRelease).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/respond", s.handleRespond).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := decode(r, &d); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(d.ID) == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	// approval and availability are not the driver's to report
	d.Approved, d.Available = false, false
	d.Online = true
	if d.Updated.IsZero() {
		d.Updated = time.Now().UTC()
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.WarnContext(r.Context(), "location publish failed", "driver_id", d.ID, "error", err)
		}
	}
	if s.directory != nil {
		if err := s.directory.UpdateLocation(r.Context(), d); err != nil {
			s.logger.ErrorContext(r.Context(), "location update failed", "driver_id", d.ID, "error", err)
			http.Error(w, "location update failed", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePutDriver writes a driver profile from onboarding, approval included.
func (s *Server) handlePutDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := decode(r, &d); err != nil {
		writeError(w, err)
		return
	}
	d.ID = mux.Vars(r)["id"]
	if err := s.registry.Upsert(r.Context(), d); err != nil {
		s.logger.ErrorContext(r.Context(), "driver profile write failed", "driver_id", d.ID, "error", err)
		http.Error(w, "driver profile write failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rideResponse struct {
	Status   string                   `json:"status"`
	Ride     *models.Ride             `json:"ride"`
	Dispatch *dispatch.DispatchResult `json:"dispatch,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateRideRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ride, res, err := s.coord.CreateRide(r.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrNoDriversAvailable) && ride != nil:
		writeJSON(w, http.StatusCreated, rideResponse{Status: "no_drivers_available", Ride: ride})
	case err != nil:
		writeError(w, err)
	case ride.Status == models.StatusScheduled:
		writeJSON(w, http.StatusCreated, rideResponse{Status: "scheduled", Ride: ride})
	default:
		writeJSON(w, http.StatusCreated, rideResponse{Status: "dispatched", Ride: ride, Dispatch: &res})
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.coord.Ride(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.coord.Offers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.coord.Dispatch(r.Context(), id)
	writeDispatch(w, id, res, err)
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.coord.Redispatch(r.Context(), id)
	writeDispatch(w, id, res, err)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.coord.PromoteScheduled(r.Context(), id)
	writeDispatch(w, id, res, err)
}

type driverAction struct {
	DriverID   string `json:"driver_id"`
	Reason     string `json:"reason"`
	ActualFare int64  `json:"actual_fare"`
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ride, err := s.coord.Arrive(r.Context(), mux.Vars(r)["id"], body.DriverID)
	writeRide(w, ride, err)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ride, err := s.coord.Start(r.Context(), mux.Vars(r)["id"], body.DriverID)
	writeRide(w, ride, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ride, err := s.coord.Complete(r.Context(), mux.Vars(r)["id"], body.DriverID, body.ActualFare)
	writeRide(w, ride, err)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	res, err := s.coord.ReleaseDriver(r.Context(), id, body.DriverID, body.Reason)
	writeDispatch(w, id, res, err)
}

type cancelRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ride, err := s.coord.Cancel(r.Context(), mux.Vars(r)["id"], body.By, body.Reason)
	writeRide(w, ride, err)
}

type respondRequest struct {
	DriverID string `json:"driver_id"`
	Response string `json:"response"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondRequest
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.DriverID) == "" {
		writeError(w, fmt.Errorf("%w: driver_id is required", dispatch.ErrInvalidRequest))
		return
	}
	res, err := s.coord.HandleResponse(r.Context(), body.DriverID, mux.Vars(r)["id"], body.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

var errBadBody = errors.New("malformed request body")

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadBody, err)
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decode(r, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRide(w http.ResponseWriter, ride *models.Ride, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// writeDispatch reports an empty candidate pool as a normal outcome.
func writeDispatch(w http.ResponseWriter, rideID string, res dispatch.DispatchResult, err error) {
	if errors.Is(err, dispatch.ErrNoDriversAvailable) {
		writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID, "status": "no_drivers_available", "drivers_notified": 0})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type errorBody struct {
	Error   string              `json:"error"`
	Allowed []models.RideStatus `json:"allowed,omitempty"`
}

func statusFor(err error) int {
	var rej *lifecycle.Rejection
	switch {
	case errors.As(err, &rej):
		return http.StatusConflict
	case errors.Is(err, errBadBody), errors.Is(err, dispatch.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNotAssignedDriver):
		return http.StatusForbidden
	case errors.Is(err, payments.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, dispatch.ErrConflict), errors.Is(err, dispatch.ErrDispatchInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var rej *lifecycle.Rejection
	if errors.As(err, &rej) {
		body.Allowed = rej.Allowed
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
