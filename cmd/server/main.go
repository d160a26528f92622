package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"schoolbus-tracker/internal/config"
	"schoolbus-tracker/internal/database"
	"schoolbus-tracker/internal/directions"
	"schoolbus-tracker/internal/handlers"
	"schoolbus-tracker/internal/metrics"
	"schoolbus-tracker/internal/middleware"
	"schoolbus-tracker/internal/models"
	"schoolbus-tracker/internal/notify"
	"schoolbus-tracker/internal/publisher"
	"schoolbus-tracker/internal/school"
	"schoolbus-tracker/internal/stream"
	"schoolbus-tracker/internal/tracking"
	"schoolbus-tracker/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	config.InitLogging()

	log.Println("═══════════════════════════════════════════════════════════════════")
	log.Println("🚌 SCHOOL BUS TRACKER STARTING")
	log.Println("═══════════════════════════════════════════════════════════════════")

	cfg, err := config.Load()
	if err != nil {
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("❌ FATAL ERROR: Configuration is invalid")
		log.Printf("   Error: %v", err)
		log.Println("   APP_JWT_SECRET is required; every other key has a default")
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Fatal(err)
	}
	log.Println("✅ Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	// Persistence is optional: without it, selections and device tokens live in memory
	var (
		selectionStore tracking.SelectionStore
		tokenStore     notify.TokenStore
		fixHistory     handlers.FixHistory
		recorder       *database.FixRecorder
	)
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorderDone := make(chan struct{})
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close()

		log.Println("🔄 Running database migrations...")
		if err := database.Migrate(db); err != nil {
			log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			log.Println("❌ FATAL ERROR: Database migrations failed")
			log.Printf("   Error: %v", err)
			log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			log.Fatal(err)
		}
		log.Println("✅ Database migrations completed")

		store := database.NewStore(db)
		selectionStore = store
		tokenStore = store
		fixHistory = store
		recorder = database.NewFixRecorder(store, 512)
		go func() {
			defer close(recorderDone)
			recorder.Run(recorderCtx)
		}()
	} else {
		log.Println("⚠️  DATABASE_URL not set - running without persistence")
		close(recorderDone)
	}

	// NATS fan-out of derived positions
	var natsPub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		natsPub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, collector)
		if err != nil {
			log.Printf("⚠️  %v (position fan-out disabled)", err)
			natsPub = nil
		} else {
			defer natsPub.Close()
			log.Printf("✅ NATS connected, publishing on %s.<vehicle>.position", cfg.NATSSubjectPrefix)
		}
	}

	// Firebase Cloud Messaging for arrival alerts
	var notifier *notify.ArrivalNotifier
	var registrar handlers.TokenRegistrar
	fcmClient, err := notify.NewFCMClient(ctx, cfg.FirebaseCredsBase64, cfg.FirebaseCredsFile)
	switch {
	case errors.Is(err, notify.ErrNoCredentials):
		log.Println("⚠️  Firebase credentials not set - arrival alerts disabled")
	case err != nil:
		log.Printf("⚠️  Failed to initialize FCM: %v (arrival alerts disabled)", err)
	default:
		notifier = notify.NewArrivalNotifier(fcmClient, cfg.Tuning.ArrivalAlertMinutes, tokenStore, collector)
		registrar = notifier
		log.Printf("✅ Firebase Cloud Messaging initialized (alert at %d min)", cfg.Tuning.ArrivalAlertMinutes)
	}

	// Route fetching
	var router directions.Fetcher = directions.NewClient(cfg.GoogleMapsAPIKey, cfg.DirectionsBaseURL, cfg.RouteFetchTimeout)
	var routeCache *directions.CachingFetcher
	if cfg.Tuning.RouteCacheTTLMS > 0 {
		routeCache = directions.NewCachingFetcher(router, time.Duration(cfg.Tuning.RouteCacheTTLMS)*time.Millisecond, 1000)
		router = routeCache
		log.Printf("✅ Route cache enabled (ttl %dms)", cfg.Tuning.RouteCacheTTLMS)
	}
	var throttle *directions.Throttle
	if cfg.Tuning.FetchMinIntervalMS > 0 || cfg.Tuning.FetchMinDistanceM > 0 {
		throttle = directions.NewThrottle(time.Duration(cfg.Tuning.FetchMinIntervalMS)*time.Millisecond, cfg.Tuning.FetchMinDistanceM)
		log.Printf("✅ Route fetch throttle: %dms / %.0fm", cfg.Tuning.FetchMinIntervalMS, cfg.Tuning.FetchMinDistanceM)
	}

	dialer := stream.NewDialer(cfg.VehicleStreamURL)
	fixes := tracking.FixStreamFunc(func(ctx context.Context, vehicleKey string) (tracking.Subscription, error) {
		sub, err := dialer.Subscribe(ctx, vehicleKey)
		if err != nil {
			return nil, err
		}
		return sub, nil
	})

	schoolClient := school.NewClient(cfg.SchoolAPIBaseURL, cfg.SchoolAPITimeout)

	var hub *websocket.Hub
	manager := tracking.NewManager(tracking.ManagerConfig{
		Session: tracking.SessionConfig{
			Settings:     settingsFrom(cfg.Tuning),
			Fixes:        fixes,
			Router:       router,
			Throttle:     throttle,
			Metrics:      collector,
			FetchTimeout: cfg.RouteFetchTimeout,
		},
		TripsFor: func(token string) tracking.TripSource {
			return tracking.TripSourceFunc(func(ctx context.Context, admission int) (*models.Trip, error) {
				return schoolClient.CurrentTrip(ctx, token, admission)
			})
		},
		Store: selectionStore,
		OnChange: func(userID string, st models.DerivedPositionState) {
			hub.PushState(userID, st)
			if natsPub != nil {
				natsPub.PublishState(st)
			}
			if notifier != nil {
				notifier.Observe(userID, st)
			}
		},
		OnFix: func(userID, tripID string, fix models.VehicleFix) {
			if recorder != nil {
				recorder.Record(tripID, fix)
			}
		},
		OnStart: func(userID string) {
			collector.SessionStarted()
		},
		OnStop: func(userID string) {
			collector.SessionStopped()
			if notifier != nil {
				notifier.Forget(userID)
			}
		},
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub = websocket.NewHub(manager, collector)
	go hub.Run(hubCtx)
	log.Println("✅ WebSocket hub started")

	diagnostics := map[string]handlers.StatsSource{
		"sessions": func() map[string]interface{} {
			return map[string]interface{}{"active": manager.Count()}
		},
		"websocket": func() map[string]interface{} {
			return map[string]interface{}{"clients": hub.GetClientCount()}
		},
	}
	if throttle != nil {
		diagnostics["route_throttle"] = throttle.GetStats
	}
	if routeCache != nil {
		diagnostics["route_cache"] = routeCache.GetStats
	}
	if recorder != nil {
		diagnostics["fix_recorder"] = recorder.GetStats
	}

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", collector.Handler())

	// WebSocket endpoint (authentication handled in handler via query param)
	r.Get("/ws", websocket.HandleWebSocket(hub, cfg.JWTSecret, func(userID string) (models.DerivedPositionState, bool) {
		session, ok := manager.Get(userID)
		if !ok {
			return models.DerivedPositionState{}, false
		}
		return session.State(), true
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		r.Route("/session", func(r chi.Router) {
			r.Post("/", handlers.StartSession(manager))
			r.Delete("/", handlers.EndSession(manager))
			r.Put("/child", handlers.SelectChild(manager))
			r.Get("/state", handlers.GetState(manager, fixHistory))
			r.Get("/fixes", handlers.GetTripFixes(manager, fixHistory))
			r.Get("/route.geojson", handlers.GetRouteGeoJSON(manager))
			r.Post("/device-token", handlers.RegisterDeviceToken(registrar))
		})

		r.Post("/logs/diagnostic", handlers.ReceiveDiagnosticLog())
		r.Get("/diagnostics", handlers.GetDiagnostics(diagnostics))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Println("═══════════════════════════════════════════════════════════════════")
	log.Println("✅ ALL INITIALIZATION COMPLETE")
	log.Printf("🚀 Server starting on http://localhost:%s", cfg.Port)
	log.Println("🔌 Ready to accept requests!")
	log.Println("═══════════════════════════════════════════════════════════════════")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			log.Println("❌ FATAL ERROR: Server failed to start")
			log.Printf("   Error: %v", err)
			log.Printf("   Port: %s", cfg.Port)
			log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  HTTP shutdown: %v", err)
	}

	manager.Shutdown()
	stopHub()
	stopRecorder()
	<-recorderDone
	if notifier != nil {
		notifier.Wait()
	}

	log.Println("👋 Server stopped")
}

func settingsFrom(t config.Tuning) tracking.Settings {
	return tracking.Settings{
		StillnessKmh:      t.StillnessKmh,
		VehicleSnapKm:     t.VehicleSnapM / 1000,
		DestinationSnapKm: t.DestinationSnapM / 1000,
		MarkerOffsetDeg:   t.MarkerOffsetDeg,
	}
}
