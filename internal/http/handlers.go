package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/models"
)

func (s *Server) routes() {
	s.mux.HandleFunc("/v1/riders", s.handleCreateRider).Methods("POST")
	s.mux.HandleFunc("/v1/riders/{id}", s.handleGetRider).Methods("GET")

	s.mux.HandleFunc("/v1/drivers", s.handleCreateDriver).Methods("POST")
	s.mux.HandleFunc("/v1/drivers/{id}", s.handleGetDriver).Methods("GET")
	s.mux.HandleFunc("/v1/drivers/{id}/location", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/v1/drivers/{id}/status", s.handleDriverStatus).Methods("PATCH")
	s.mux.HandleFunc("/v1/drivers/{id}/accept", s.handleAcceptRide).Methods("POST")

	s.mux.HandleFunc("/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/v1/rides/{id}/cancel", s.handleCancelRide).Methods("POST")

	s.mux.HandleFunc("/v1/trips/{ride_id}/start", s.handleStartTrip).Methods("POST")
	s.mux.HandleFunc("/v1/trips/{ride_id}/pause", s.handlePauseTrip).Methods("POST")
	s.mux.HandleFunc("/v1/trips/{ride_id}/resume", s.handleResumeTrip).Methods("POST")
	s.mux.HandleFunc("/v1/trips/{ride_id}/end", s.handleEndTrip).Methods("POST")
	s.mux.HandleFunc("/v1/trips/{ride_id}", s.handleGetTrip).Methods("GET")

	s.mux.HandleFunc("/v1/payments", s.handleTriggerPayment).Methods("POST")
	s.mux.HandleFunc("/v1/payments/{ride_id}", s.handleGetPayment).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// ---- riders ----

func (s *Server) handleCreateRider(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rider, err := s.Manager.RegisterRider(r.Context(), in.Name, in.Phone, in.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rider)
}

func (s *Server) handleGetRider(w http.ResponseWriter, r *http.Request) {
	rider, err := s.Manager.GetRider(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rider)
}

// ---- drivers ----

func (s *Server) handleCreateDriver(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name  string      `json:"name"`
		Phone string      `json:"phone"`
		Tier  models.Tier `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Tier != "" && !in.Tier.Valid() {
		http.Error(w, "tier must be standard, premium, or xl", http.StatusUnprocessableEntity)
		return
	}
	driver, err := s.Manager.RegisterDriver(r.Context(), in.Name, in.Phone, in.Tier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, driver)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	driver, err := s.Manager.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, driver)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Lat < -90 || in.Lat > 90 || in.Lng < -180 || in.Lng > 180 {
		http.Error(w, "coordinates out of range", http.StatusUnprocessableEntity)
		return
	}
	driver, err := s.Manager.UpdateDriverLocation(r.Context(), mux.Vars(r)["id"], in.Lat, in.Lng)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"driver_id": driver.ID, "status": driver.Status})
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status models.DriverStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Manager.UpdateDriverStatus(r.Context(), id, in.Status); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"driver_id": id, "status": in.Status})
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RideID string `json:"ride_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Manager.AcceptRide(r.Context(), mux.Vars(r)["id"], in.RideID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

// ---- rides ----

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RiderID == "" {
		http.Error(w, "rider_id is required", http.StatusUnprocessableEntity)
		return
	}
	if req.Tier != "" && !req.Tier.Valid() {
		http.Error(w, "tier must be standard, premium, or xl", http.StatusUnprocessableEntity)
		return
	}
	if req.PaymentMethod != "" && !req.PaymentMethod.Valid() {
		http.Error(w, "payment_method must be card, cash, or wallet", http.StatusUnprocessableEntity)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	payload, err := s.Manager.CreateRide(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, http.StatusCreated, payload)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Manager.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Manager.CancelRide(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ride_id": id, "status": models.RideCancelled})
}

// ---- trips ----

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.Manager.StartTrip(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handlePauseTrip(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if err := s.Manager.PauseTrip(r.Context(), rideID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID, "status": models.RidePaused})
}

func (s *Server) handleResumeTrip(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if err := s.Manager.ResumeTrip(r.Context(), rideID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID, "status": models.RideInProgress})
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DistanceKm  float64 `json:"distance_km"`
		DurationMin float64 `json:"duration_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.DistanceKm < 0 || in.DurationMin < 0 {
		http.Error(w, "distance and duration must be non-negative", http.StatusUnprocessableEntity)
		return
	}
	trip, err := s.Manager.EndTrip(r.Context(), mux.Vars(r)["ride_id"], in.DistanceKm, in.DurationMin)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.Manager.GetTrip(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

// ---- payments ----

func (s *Server) handleTriggerPayment(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RideID         string `json:"ride_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	payload, err := s.Payments.Trigger(r.Context(), in.RideID, in.IdempotencyKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, http.StatusCreated, payload)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := s.Payments.GetPayment(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payment)
}

// ---- websocket ----

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	go func() {
		defer s.WSReg.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ---- helpers ----

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeRaw(w http.ResponseWriter, code int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		notFound  *apperr.NotFoundError
		conflict  *apperr.ConflictError
		invalid   *apperr.InvalidStateError
		duplicate *apperr.DuplicateRequestError
	)
	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &invalid):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &conflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &duplicate):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("internal error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
