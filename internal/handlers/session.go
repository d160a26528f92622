package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"

	"schoolbus-tracker/internal/database"
	"schoolbus-tracker/internal/middleware"
	"schoolbus-tracker/internal/models"
	"schoolbus-tracker/internal/tracking"
	"schoolbus-tracker/pkg/utils"
)

var validate = validator.New()

type StartSessionRequest struct {
	Children []models.Child `json:"children" validate:"required,min=1,dive"`
}

type SelectChildRequest struct {
	Admission int `json:"admission" validate:"gte=0"`
}

type DeviceTokenRequest struct {
	Token string `json:"token" validate:"required,min=8"`
}

// SessionResponse is the dashboard payload: the kid list plus the live state.
// LastKnown is the bus's last recorded position, sent only while the live feed has not
// produced a fix for the current trip yet.
type SessionResponse struct {
	Success   bool                        `json:"success"`
	Children  []models.Child              `json:"children"`
	State     models.DerivedPositionState `json:"state"`
	LastKnown *database.FixRecord         `json:"last_known_location,omitempty"`
}

// TripFixesResponse is the recorded fix trail of the active trip
type TripFixesResponse struct {
	Success bool                 `json:"success"`
	TripID  string               `json:"trip_id"`
	Fixes   []database.FixRecord `json:"fixes"`
}

// FixHistory reads the recorded fix audit trail
type FixHistory interface {
	CurrentLocation(ctx context.Context, vehicleNo string) (*database.FixRecord, error)
	TripFixes(ctx context.Context, tripID string) ([]database.FixRecord, error)
}

// TokenRegistrar records the device that receives arrival alerts
type TokenRegistrar interface {
	RegisterToken(ctx context.Context, userID, token string) error
}

// StartSession starts tracking for the signed-in parent
// POST /api/session
func StartSession(manager *tracking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.GetUserFromContext(r)
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Printf("📥 REQUEST: POST /api/session - Start tracking for user %s", user.UserID)

		var req StartSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Printf("❌ Invalid request body: %v", err)
			utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			log.Printf("❌ Invalid children list: %v", err)
			utils.RespondError(w, http.StatusBadRequest, "At least one child with a valid admission number is required")
			return
		}

		for _, child := range req.Children {
			log.Printf("   👧 %d %s", child.AdmissionID, child.Name)
		}

		session, err := manager.Start(r.Context(), user.UserID, user.Token, req.Children)
		if errors.Is(err, tracking.ErrSessionClosed) {
			log.Printf("⚠️  Session start for user %s superseded by a newer start", user.UserID)
			utils.RespondError(w, http.StatusConflict, "Tracking session was replaced by a newer one")
			return
		}
		if err != nil {
			log.Printf("❌ Failed to start session: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "Failed to start tracking session")
			return
		}

		utils.RespondJSON(w, http.StatusCreated, SessionResponse{
			Success:  true,
			Children: req.Children,
			State:    session.State(),
		})
	}
}

// EndSession stops tracking for the signed-in parent
// DELETE /api/session
func EndSession(manager *tracking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.GetUserFromContext(r)
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		if !manager.Stop(user.UserID) {
			utils.RespondError(w, http.StatusNotFound, "No active tracking session")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SelectChild switches the tracked child. Admission 0 clears the selection.
// PUT /api/session/child
func SelectChild(manager *tracking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.GetUserFromContext(r)
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		var req SelectChildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Invalid admission number")
			return
		}

		log.Printf("👧 User %s selected child %d", user.UserID, req.Admission)

		err := manager.SelectChild(r.Context(), user.UserID, req.Admission)
		switch {
		case errors.Is(err, tracking.ErrNoSession):
			utils.RespondError(w, http.StatusNotFound, "No active tracking session")
			return
		case errors.Is(err, tracking.ErrUnknownChild):
			utils.RespondError(w, http.StatusBadRequest, "Child is not registered for this session")
			return
		case err != nil:
			log.Printf("❌ Failed to select child: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "Failed to select child")
			return
		}

		respondSession(w, r, manager, nil, user.UserID)
	}
}

// GetState returns the parent's current derived position state. history is optional;
// with it, a trip still waiting for its first fix carries the bus's last recorded position.
// GET /api/session/state
func GetState(manager *tracking.Manager, history FixHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.GetUserFromContext(r)
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		respondSession(w, r, manager, history, user.UserID)
	}
}

// GetTripFixes returns the recorded fixes of the trip the parent is tracking
// GET /api/session/fixes
func GetTripFixes(manager *tracking.Manager, history FixHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.GetUserFromContext(r)
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if history == nil {
			utils.RespondError(w, http.StatusServiceUnavailable, "Fix history is not configured")
			return
		}

		session, ok := manager.Get(user.UserID)
		if !ok {
			utils.RespondError(w, http.StatusNotFound, "No active tracking session")
			return
		}

		resp := TripFixesResponse{Success: true, Fixes: []database.FixRecord{}}
		if trip := session.State().Trip; trip != nil {
			fixes, err := history.TripFixes(r.Context(), trip.ID)
			if err != nil {
				log.Printf("❌ Failed to load fixes for trip %s: %v", trip.ID, err)
				utils.RespondError(w, http.StatusInternalServerError, "Failed to load trip fixes")
				return
			}
			resp.TripID = trip.ID
			resp.Fixes = fixes
		}

		utils.RespondJSON(w, http.StatusOK, resp)
	}
}

// RegisterDeviceToken stores the FCM token that receives arrival alerts
// POST /api/session/device-token
func RegisterDeviceToken(registrar TokenRegistrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.GetUserFromContext(r)
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if registrar == nil {
			utils.RespondError(w, http.StatusServiceUnavailable, "Push notifications are not configured")
			return
		}

		var req DeviceTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "A device token is required")
			return
		}

		if err := registrar.RegisterToken(r.Context(), user.UserID, req.Token); err != nil {
			log.Printf("❌ Failed to register device token: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "Failed to register device token")
			return
		}

		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

func respondSession(w http.ResponseWriter, r *http.Request, manager *tracking.Manager, history FixHistory, userID string) {
	session, ok := manager.Get(userID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "No active tracking session")
		return
	}
	children, _ := manager.Children(userID)

	resp := SessionResponse{
		Success:  true,
		Children: children,
		State:    session.State(),
	}

	if history != nil && resp.State.LastFix == nil {
		if key := resp.State.Trip.StreamKey(); key != "" {
			last, err := history.CurrentLocation(r.Context(), key)
			if err != nil {
				log.Printf("⚠️  Failed to load last known location of %s: %v", key, err)
			}
			resp.LastKnown = last
		}
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}
