package handlers

import (
	"log"
	"net/http"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"schoolbus-tracker/internal/middleware"
	"schoolbus-tracker/internal/models"
	"schoolbus-tracker/internal/tracking"
	"schoolbus-tracker/pkg/utils"
)

func toPoint(c models.Coordinate) orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

// RouteFeatureCollection renders the map overlay for a state: the working route as a
// LineString, the bus marker and the destination marker. Missing parts are omitted.
func RouteFeatureCollection(st models.DerivedPositionState) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	if len(st.RoutePath) >= 2 {
		line := make(orb.LineString, 0, len(st.RoutePath))
		for _, c := range st.RoutePath {
			line = append(line, toPoint(c))
		}
		f := geojson.NewFeature(line)
		f.Properties["kind"] = "route"
		if st.RouteDurationMinutes != nil {
			f.Properties["duration_minutes"] = *st.RouteDurationMinutes
		}
		fc.Append(f)
	}

	if st.DisplayCoordinate != nil {
		f := geojson.NewFeature(toPoint(*st.DisplayCoordinate))
		f.Properties["kind"] = "bus"
		f.Properties["rotation"] = st.RotationDegrees
		f.Properties["speed_kmh"] = st.SpeedKmh
		f.Properties["stopped"] = st.Stopped
		f.Properties["eta_minutes"] = st.EtaMinutes
		if st.Trip != nil && st.Trip.Vehicle != nil {
			f.Properties["vehicle_no"] = st.Trip.Vehicle.RegisterNumber
		}
		fc.Append(f)
	}

	if st.DestinationCoordinate != nil {
		f := geojson.NewFeature(toPoint(*st.DestinationCoordinate))
		f.Properties["kind"] = "destination"
		if st.Trip != nil && st.Trip.Destination != nil && st.Trip.Destination.Title != "" {
			f.Properties["title"] = st.Trip.Destination.Title
		}
		fc.Append(f)
	}

	return fc
}

// GetRouteGeoJSON returns the parent's map overlay as a GeoJSON FeatureCollection
// GET /api/session/route.geojson
func GetRouteGeoJSON(manager *tracking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.GetUserFromContext(r)
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		session, ok := manager.Get(user.UserID)
		if !ok {
			utils.RespondError(w, http.StatusNotFound, "No active tracking session")
			return
		}

		body, err := RouteFeatureCollection(session.State()).MarshalJSON()
		if err != nil {
			log.Printf("❌ Failed to encode route GeoJSON: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "Failed to encode route")
			return
		}

		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}
