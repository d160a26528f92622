package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tuning holds the pipeline thresholds. Every key can come from the YAML file named by
// TRACKER_CONFIG and be overridden by the matching upper-case environment variable.
type Tuning struct {
	StillnessKmh        float64 `yaml:"stillness_kmh" validate:"gte=0"`
	VehicleSnapM        float64 `yaml:"vehicle_snap_m" validate:"gte=0"`
	DestinationSnapM    float64 `yaml:"destination_snap_m" validate:"gte=0"`
	MarkerOffsetDeg     float64 `yaml:"marker_offset_deg" validate:"gte=-360,lte=360"`
	FetchMinIntervalMS  int     `yaml:"fetch_min_interval_ms" validate:"gte=0"`
	FetchMinDistanceM   float64 `yaml:"fetch_min_distance_m" validate:"gte=0"`
	ArrivalAlertMinutes int     `yaml:"arrival_alert_minutes" validate:"gte=0"`
	RouteCacheTTLMS     int     `yaml:"route_cache_ttl_ms" validate:"gte=0"`
}

// Config is the full server configuration
type Config struct {
	Port                string `validate:"required,numeric"`
	DatabaseURL         string `validate:"omitempty"`
	JWTSecret           string `validate:"required"`
	GoogleMapsAPIKey    string
	DirectionsBaseURL   string `validate:"omitempty,url"`
	SchoolAPIBaseURL    string `validate:"omitempty,url"`
	VehicleStreamURL    string `validate:"omitempty,url"`
	NATSURL             string `validate:"omitempty,url"`
	NATSSubjectPrefix   string `validate:"required"`
	FirebaseCredsBase64 string
	FirebaseCredsFile   string
	RouteFetchTimeout   time.Duration `validate:"gt=0"`
	SchoolAPITimeout    time.Duration `validate:"gt=0"`
	AllowedOrigins      []string

	Tuning Tuning
}

// DefaultTuning returns the thresholds the dashboard has always used
func DefaultTuning() Tuning {
	return Tuning{
		StillnessKmh:        5,
		VehicleSnapM:        100,
		DestinationSnapM:    200,
		MarkerOffsetDeg:     90,
		FetchMinIntervalMS:  0,
		FetchMinDistanceM:   0,
		ArrivalAlertMinutes: 5,
		RouteCacheTTLMS:     0,
	}
}

// Load reads .env (if present), the environment and the optional tuning file, then validates
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getenvDefault("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		JWTSecret:           os.Getenv("APP_JWT_SECRET"),
		GoogleMapsAPIKey:    os.Getenv("GOOGLE_MAPS_API_KEY"),
		DirectionsBaseURL:   os.Getenv("DIRECTIONS_BASE_URL"),
		SchoolAPIBaseURL:    os.Getenv("SCHOOL_API_BASE_URL"),
		VehicleStreamURL:    os.Getenv("VEHICLE_STREAM_URL"),
		NATSURL:             os.Getenv("NATS_URL"),
		NATSSubjectPrefix:   getenvDefault("NATS_SUBJECT_PREFIX", "bus"),
		FirebaseCredsBase64: os.Getenv("FIREBASE_CREDENTIALS_BASE64"),
		FirebaseCredsFile:   os.Getenv("FIREBASE_CREDENTIALS_FILE"),
		Tuning:              DefaultTuning(),
	}

	var err error
	if cfg.RouteFetchTimeout, err = durationMS("ROUTE_FETCH_TIMEOUT_MS", 10000); err != nil {
		return nil, err
	}
	if cfg.SchoolAPITimeout, err = durationMS("SCHOOL_API_TIMEOUT_MS", 15000); err != nil {
		return nil, err
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	} else {
		cfg.AllowedOrigins = []string{"*"}
	}

	if path := os.Getenv("TRACKER_CONFIG"); path != "" {
		if err := loadTuningFile(path, &cfg.Tuning); err != nil {
			return nil, err
		}
	}
	if err := applyTuningEnv(&cfg.Tuning); err != nil {
		return nil, err
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadTuningFile(path string, t *Tuning) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}
	log.Printf("⚙️  Loaded tuning from %s", path)
	return nil
}

func applyTuningEnv(t *Tuning) error {
	floats := []struct {
		key string
		dst *float64
	}{
		{"STILLNESS_KMH", &t.StillnessKmh},
		{"VEHICLE_SNAP_M", &t.VehicleSnapM},
		{"DESTINATION_SNAP_M", &t.DestinationSnapM},
		{"MARKER_OFFSET_DEG", &t.MarkerOffsetDeg},
		{"FETCH_MIN_DISTANCE_M", &t.FetchMinDistanceM},
	}
	for _, f := range floats {
		if v := os.Getenv(f.key); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %q", f.key, v)
			}
			*f.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"FETCH_MIN_INTERVAL_MS", &t.FetchMinIntervalMS},
		{"ARRIVAL_ALERT_MINUTES", &t.ArrivalAlertMinutes},
		{"ROUTE_CACHE_TTL_MS", &t.RouteCacheTTLMS},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %q", i.key, v)
			}
			*i.dst = parsed
		}
	}

	return nil
}

func durationMS(key string, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Millisecond, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// InitLogging sends the standard logger to stdout with microsecond timestamps
func InitLogging() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
