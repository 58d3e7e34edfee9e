package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	ListenAddr string
	JWTSecret  string

	// 播放设备（Spotify 端必须登录到该设备名）
	PlaybackDeviceName string

	// MPD 本地播放
	MPDNetwork  string
	MPDAddr     string
	MPDPassword string

	// Spotify
	SpotifyClientID     string
	SpotifyClientSecret string
	SpotifyRedirectURL  string
	SpotifyTokenPath    string

	// BILL 积分账本
	BillAddr          string
	BillTimeout       time.Duration
	BillStrictLock    bool
	AdminAccounts     []string
	LongTrackSeconds  float64
	StaticArtworkBase string

	// 队列维护节奏
	TickInterval       time.Duration
	MinRunSpacing      time.Duration
	LocalLookahead     time.Duration
	StreamingLookahead time.Duration

	// 数据库（播放记录）
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置（曲目元数据缓存）
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	TrackCacheTTL time.Duration

	// 日志
	LogLevel string
	LogFile  string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", "localhost:8888"),
		JWTSecret:  os.Getenv("JWT_SECRET"),

		PlaybackDeviceName: getEnv("PLAYBACK_DEVICE_NAME", "jukebox"),

		MPDNetwork:  getEnv("MPD_NETWORK", "tcp"),
		MPDAddr:     getEnv("MPD_SERVER", "127.0.0.1:6600"),
		MPDPassword: os.Getenv("MPD_PASSWORD"),

		SpotifyClientID:     os.Getenv("SPOTIFY_CLIENT_ID"),
		SpotifyClientSecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),
		SpotifyRedirectURL:  getEnv("SPOTIFY_REDIRECT_URL", "http://example.com"),
		SpotifyTokenPath:    getEnv("SPOTIFY_TOKEN_PATH", ".spotify_token.json"),

		BillAddr:          getEnv("BILLSERVER_ADDR", getEnv("BILLSERVER_HOST", "127.0.0.1")+":4242"),
		BillTimeout:       getEnvDuration("BILLSERVER_TIMEOUT", 5*time.Second),
		BillStrictLock:    getEnvBool("LEDGER_STRICT_ACCOUNT_LOCK", false),
		AdminAccounts:     getEnvList("ADMIN_ACCOUNTS"),
		LongTrackSeconds:  getEnvFloat("LONG_TRACK_SECONDS", 300),
		StaticArtworkBase: getEnv("STATIC_ARTWORK_BASE", "static"),

		TickInterval:       getEnvDuration("TICK_INTERVAL", 30*time.Second),
		MinRunSpacing:      getEnvDuration("MIN_RUN_SPACING", 20*time.Second),
		LocalLookahead:     getEnvDuration("LOCAL_LOOKAHEAD", 45*time.Second),
		StreamingLookahead: getEnvDuration("STREAMING_LOOKAHEAD", 30*time.Second),

		DBHost:     getEnv("MYSQL_HOST", "127.0.0.1"),
		DBPort:     getEnv("MYSQL_PORT", "3306"),
		DBUser:     getEnv("MYSQL_USER", "root"),
		DBPassword: os.Getenv("MYSQL_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("MYSQL_DATABASE", "jukefm"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),     // 默认使用0号数据库
		TrackCacheTTL: getEnvDuration("TRACK_CACHE_TTL", 24*time.Hour),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}
}

// IsAdmin 判断账户是否为管理员（免费点歌）
func (c *Config) IsAdmin(accountKey string) bool {
	for _, k := range c.AdminAccounts {
		if k == accountKey {
			return true
		}
	}
	return false
}
