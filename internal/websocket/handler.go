package websocket

import (
	"log"
	"net/http"

	"schoolbus-tracker/internal/middleware"
	"schoolbus-tracker/internal/models"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Mobile clients send no Origin; browser origins are restricted by CORS on the API
		return true
	},
}

// SnapshotFunc returns a user's current state, if they have a running session
type SnapshotFunc func(userID string) (models.DerivedPositionState, bool)

// HandleWebSocket upgrades HTTP connection to WebSocket. The parent authenticates with
// ?token= (browsers cannot set headers on a WebSocket handshake) or a bearer header.
// The current state is sent as soon as the connection is registered.
func HandleWebSocket(hub *Hub, jwtSecret string, snapshot SnapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.URL.Query().Get("token")
		if tokenString == "" {
			tokenString, _ = middleware.BearerToken(r)
		}

		userClaims, err := middleware.ParseToken(tokenString, jwtSecret)
		if err != nil {
			log.Printf("❌ WebSocket auth failed: %v", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		// Upgrade HTTP connection to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("❌ WebSocket upgrade failed: %v", err)
			return
		}

		client := NewClient(userClaims.UserID, conn, hub)
		if !hub.add(client) {
			conn.Close()
			return
		}

		// Start pumps in separate goroutines
		go client.WritePump()
		go client.ReadPump()

		if snapshot != nil {
			if st, ok := snapshot(userClaims.UserID); ok {
				hub.sendTo(client, Envelope{Type: TypePositionUpdate, Data: st})
			}
		}

		log.Printf("✅ WebSocket connection established for user: %s", userClaims.UserID)
	}
}
