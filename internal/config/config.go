package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Logger  LoggerConfig
	State   StateConfig
	Mirror  MirrorConfig
	Catalog CatalogConfig
	Journal JournalConfig
	Offline OfflineConfig
}

type ServerConfig struct {
	AppEnv      string
	HTTPAddr    string
	CORSOrigins []string
}

type LoggerConfig struct {
	Level             string
	Encoding          string
	DisableCaller     bool
	DisableStacktrace bool
}

type StateConfig struct {
	Backend         string // memory|pebble|badger
	Dir             string
	CartKey         string
	SnapshotDir     string
	PartialRecovery bool
}

type MirrorConfig struct {
	Backend    string // kv|sqlite
	SQLitePath string
}

type CatalogConfig struct {
	Endpoint     string
	Token        string
	Context      string // catalog|pos
	Timeout      time.Duration
	MaxAge       time.Duration
	PollInterval time.Duration
}

type JournalConfig struct {
	Sink          string // none|file|kafka|both|tx
	Dir           string
	KafkaBrokers  []string
	Topic         string
	TxID          string
	ManifestTopic string
	ManifestKey   string
}

type OfflineConfig struct {
	Enabled        bool
	Origin         string
	Family         string
	Version        string
	Storage        string // memory|state|redis
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	APIPrefix      string
	DevPattern     string
	ScriptPath     string
	OfflinePath    string
	BuildDir       string
	AllowPaths     []string
	Precache       []string
	StaticExts     []string
	NavHeader      string
	NetworkTimeout time.Duration
	MaxEntryBytes  int
}

func LoadEnv() *Config {
	return &Config{
		Server: ServerConfig{
			AppEnv:      getEnv("APP_ENV", "dev"),
			HTTPAddr:    getEnv("HTTP_ADDR", ":8090"),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:8000"}),
		},
		Logger: LoggerConfig{
			Level:             getEnv("LOGGER_LEVEL", "info"),
			Encoding:          getEnv("LOGGER_ENCODING", "json"),
			DisableCaller:     getEnvBool("LOGGER_DISABLE_CALLER", false),
			DisableStacktrace: getEnvBool("LOGGER_DISABLE_STACKTRACE", true),
		},
		State: StateConfig{
			Backend:         getEnv("STATE_BACKEND", "pebble"),
			Dir:             getEnv("STATE_DIR", "./data/posd"),
			CartKey:         getEnv("CART_KEY", "pos_cart"),
			SnapshotDir:     getEnv("SNAPSHOT_DIR", "./snapshots"),
			PartialRecovery: getEnvBool("CART_PARTIAL_RECOVERY", false),
		},
		Mirror: MirrorConfig{
			Backend:    getEnv("MIRROR_BACKEND", "kv"),
			SQLitePath: getEnv("MIRROR_SQLITE_PATH", "./data/products.db"),
		},
		Catalog: CatalogConfig{
			Endpoint:     getEnv("CATALOG_ENDPOINT", "http://localhost:8000/api/products/list"),
			Token:        getEnv("CATALOG_TOKEN", ""),
			Context:      getEnv("CATALOG_CONTEXT", "pos"),
			Timeout:      getEnvDuration("CATALOG_TIMEOUT", 15*time.Second),
			MaxAge:       getEnvDuration("CATALOG_MAX_AGE", 30*time.Minute),
			PollInterval: getEnvDuration("CATALOG_POLL_INTERVAL", 5*time.Minute),
		},
		Journal: JournalConfig{
			Sink:          getEnv("JOURNAL_SINK", "file"),
			Dir:           getEnv("JOURNAL_DIR", "./changelog"),
			KafkaBrokers:  getEnvSlice("KAFKA_BROKERS", nil),
			Topic:         getEnv("JOURNAL_TOPIC", "pos.cart-journal"),
			TxID:          getEnv("JOURNAL_TX_ID", ""),
			ManifestTopic: getEnv("MANIFEST_TOPIC", "pos.catalog-manifest"),
			ManifestKey:   getEnv("MANIFEST_KEY", "catalog-manifest-latest"),
		},
		Offline: OfflineConfig{
			Enabled:        getEnvBool("OFFLINE_ENABLED", true),
			Origin:         getEnv("OFFLINE_ORIGIN", "http://localhost:8000"),
			Family:         getEnv("OFFLINE_FAMILY", "offpos"),
			Version:        getEnv("OFFLINE_VERSION", "1.0.0"),
			Storage:        getEnv("OFFLINE_STORAGE", "state"),
			RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:  getEnv("REDIS_PASSWORD", ""),
			RedisDB:        getEnvInt("REDIS_DB", 0),
			APIPrefix:      getEnv("OFFLINE_API_PREFIX", "/api/"),
			DevPattern:     getEnv("OFFLINE_DEV_PATTERN", `^/(@vite|@id|@fs|@react-refresh|node_modules|resources/)`),
			ScriptPath:     getEnv("OFFLINE_SCRIPT_PATH", "/sw.js"),
			OfflinePath:    getEnv("OFFLINE_PAGE", "/offline"),
			BuildDir:       getEnv("OFFLINE_BUILD_DIR", "/build/"),
			AllowPaths:     getEnvSlice("OFFLINE_ALLOW", []string{"/offline", "/manifest.json", "/images/icon-192.png", "/css/app.css", "/build/"}),
			Precache:       getEnvSlice("OFFLINE_PRECACHE", []string{"/offline", "/manifest.json", "/images/icon-192.png", "/css/app.css"}),
			StaticExts:     getEnvSlice("OFFLINE_STATIC_EXTS", []string{".js", ".css", ".png", ".jpg", ".jpeg", ".svg", ".ico", ".webp", ".woff", ".woff2", ".json"}),
			NavHeader:      getEnv("OFFLINE_NAV_HEADER", "X-Inertia"),
			NetworkTimeout: getEnvDuration("OFFLINE_NETWORK_TIMEOUT", 5*time.Second),
			MaxEntryBytes:  getEnvInt("OFFLINE_MAX_ENTRY_BYTES", 32<<20),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		var out []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return fallback
}
