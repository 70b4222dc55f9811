package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config aggregates application configuration values loaded from
// environment variables.
type Config struct {
	Env      string
	HTTPAddr string

	MongoURI string
	MongoDB  string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	PresenceHeartbeat time.Duration
	PresenceWindow    time.Duration
	AttachmentURLTTL  time.Duration

	// AuthTokens maps opaque bearer tokens to user ids. Token issuance
	// belongs to the external identity provider; this is the dev/demo
	// resolver.
	AuthTokens map[string]string
}

// Load parses configuration from the current environment. MongoURI, Kafka
// and S3 are all optional: without them the service degrades to in-memory
// storage, in-process event delivery and disabled attachment uploads.
func Load() (Config, error) {
	cfg := Config{
		Env:          getEnv("APP_ENV", "dev"),
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getEnv("MONGO_DB", "propchat"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "propchat.changes"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "propchat"),
		S3Endpoint:   os.Getenv("S3_ENDPOINT"),
		S3AccessKey:  getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:  getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:     getEnv("S3_BUCKET", "propchat-attachments"),
	}
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	heartbeat, err := parseDurationEnv("PRESENCE_HEARTBEAT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.PresenceHeartbeat = heartbeat

	window, err := parseDurationEnv("PRESENCE_WINDOW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.PresenceWindow = window

	ttl, err := parseDurationEnv("ATTACHMENT_URL_TTL", 168*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.AttachmentURLTTL = ttl

	useSSL, err := parseBoolEnv("S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg.S3UseSSL = useSSL

	cfg.AuthTokens = map[string]string{}
	for _, pair := range strings.Split(getEnv("AUTH_TOKENS", ""), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(token) == "" || strings.TrimSpace(user) == "" {
			return Config{}, fmt.Errorf("invalid AUTH_TOKENS entry %q, want token:user_id", pair)
		}
		cfg.AuthTokens[strings.TrimSpace(token)] = strings.TrimSpace(user)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}
