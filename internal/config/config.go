package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config enumerates every recognized configuration key. Values come from the
// environment (optionally seeded from a .env file) and are validated once at
// load time.
type Config struct {
	// HTTP
	Port      string
	LogLevel  string
	LogFormat string

	// Capture
	CameraIndices  []int
	CaptureWidth   int
	CaptureHeight  int
	CaptureFPS     int
	MaxOpenRetries int
	RetryBackoff   time.Duration
	VideoFile      string

	// Streaming
	FrameIntervalMin  time.Duration
	FrameIntervalMax  time.Duration
	TelemetryInterval time.Duration
	KeepaliveInterval time.Duration
	SamplePeriod      int
	MaxFrameWidth     int
	JPEGQuality       int
	InferenceWorkers  int

	// Detection
	RoadModelEndpoint     string
	StandardModelEndpoint string
	DefaultThreshold      float64
	Thresholds            map[string]float64
	FocalLengthPx         float64
	KnownWidths           map[string]float64

	// Dedup
	DedupPrecision int
	DedupWindow    time.Duration
	DedupTTL       time.Duration
	NearbyRadiusM  float64
	NearbyDaysBack int

	// External services
	DatabaseURL  string
	RedisAddr    string
	RedisDB      int
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTEnabled  bool
}

// Load reads the optional .env file and builds a validated Config from the
// environment.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	_ = godotenv.Load(paths...)

	cfg := &Config{
		Port:      getEnv("PORT", "8000"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		CameraIndices:  getEnvInts("CAMERA_INDICES", []int{0, 1, 2}),
		CaptureWidth:   getEnvInt("CAPTURE_WIDTH", 960),
		CaptureHeight:  getEnvInt("CAPTURE_HEIGHT", 540),
		CaptureFPS:     getEnvInt("CAPTURE_FPS", 30),
		MaxOpenRetries: getEnvInt("CAPTURE_MAX_RETRIES", 5),
		RetryBackoff:   getEnvDuration("CAPTURE_RETRY_BACKOFF", time.Second),
		VideoFile:      getEnv("VIDEO_FILE", ""),

		FrameIntervalMin:  getEnvDuration("FRAME_INTERVAL_MIN", 50*time.Millisecond),
		FrameIntervalMax:  getEnvDuration("FRAME_INTERVAL_MAX", 200*time.Millisecond),
		TelemetryInterval: getEnvDuration("TELEMETRY_INTERVAL", 200*time.Millisecond),
		KeepaliveInterval: getEnvDuration("KEEPALIVE_INTERVAL", 20*time.Second),
		SamplePeriod:      getEnvInt("SAMPLE_PERIOD", 3),
		MaxFrameWidth:     getEnvInt("MAX_FRAME_WIDTH", 720),
		JPEGQuality:       getEnvInt("JPEG_QUALITY", 55),
		InferenceWorkers:  getEnvInt("INFERENCE_WORKERS", 2),

		RoadModelEndpoint:     getEnv("ROAD_MODEL_ENDPOINT", "http://localhost:8091"),
		StandardModelEndpoint: getEnv("STANDARD_MODEL_ENDPOINT", "http://localhost:8092"),
		DefaultThreshold:      getEnvFloat("DEFAULT_THRESHOLD", 0.25),
		Thresholds: map[string]float64{
			"pothole":   getEnvFloat("THRESHOLD_POTHOLE", 0.40),
			"speedbump": getEnvFloat("THRESHOLD_SPEEDBUMP", 0.60),
			"person":    getEnvFloat("THRESHOLD_PERSON", 0.45),
			"dog":       getEnvFloat("THRESHOLD_DOG", 0.45),
			"cow":       getEnvFloat("THRESHOLD_COW", 0.45),
		},
		FocalLengthPx: getEnvFloat("FOCAL_LENGTH_PX", 1000),
		KnownWidths: map[string]float64{
			"person": 0.5,
			"dog":    0.4,
			"cow":    0.8,
		},

		DedupPrecision: getEnvInt("DEDUP_PRECISION", 4),
		DedupWindow:    getEnvDuration("DEDUP_WINDOW", 5*time.Minute),
		DedupTTL:       getEnvDuration("DEDUP_TTL", 30*time.Minute),
		NearbyRadiusM:  getEnvFloat("NEARBY_RADIUS_M", 100),
		NearbyDaysBack: getEnvInt("NEARBY_DAYS_BACK", 7),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:      getEnvInt("REDIS_DB", 0),
		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "hazardeye-backend"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		MQTTEnabled:  getEnvBool("MQTT_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.FrameIntervalMin <= 0 || c.FrameIntervalMax < c.FrameIntervalMin {
		return fmt.Errorf("config: frame interval bounds invalid (min=%v max=%v)", c.FrameIntervalMin, c.FrameIntervalMax)
	}
	if c.SamplePeriod < 1 {
		return fmt.Errorf("config: SAMPLE_PERIOD must be >= 1, got %d", c.SamplePeriod)
	}
	if c.InferenceWorkers < 1 {
		return fmt.Errorf("config: INFERENCE_WORKERS must be >= 1, got %d", c.InferenceWorkers)
	}
	if c.MaxOpenRetries < 1 {
		return fmt.Errorf("config: CAPTURE_MAX_RETRIES must be >= 1, got %d", c.MaxOpenRetries)
	}
	if c.DedupPrecision < 0 || c.DedupPrecision > 8 {
		return fmt.Errorf("config: DEDUP_PRECISION out of range: %d", c.DedupPrecision)
	}
	for class, th := range c.Thresholds {
		if th < 0 || th > 1 {
			return fmt.Errorf("config: threshold for %q out of [0,1]: %v", class, th)
		}
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("config: JPEG_QUALITY out of [1,100]: %d", c.JPEGQuality)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvInts(key string, fallback []int) []int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	return out
}
