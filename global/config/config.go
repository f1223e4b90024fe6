package config

import (
	"time"

	"ConnectSphere/tools"
)

// Config is the whole environment-provided surface of the relay. Everything
// is read once at startup; nothing here mutates afterwards.
type Config struct {
	GatewayID  string
	NodeID     int
	ListenAddr string

	// Fanout bus
	NATSUrl         string
	NATSTLSInsecure bool

	// Transport handshake
	AllowedOrigin string
	AuthDeadline  time.Duration

	// Credential verification
	JWTSecret string
	JWTAlg    string

	// Resume / grace-period cache (Redis optional; memory fallback otherwise)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ResumeTTL     time.Duration

	// Delivery tuning
	SendBuffer    int
	FanoutWorkers int
	FanoutQueue   int
}

func Load() Config {
	return Config{
		GatewayID:  tools.GetEnv("GATEWAY_ID", "relay-1"),
		NodeID:     tools.GetEnvInt("NODE_ID", 1),
		ListenAddr: tools.GetEnv("LISTEN_ADDR", ":8080"),

		NATSUrl:         tools.GetEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NATSTLSInsecure: tools.GetEnvBool("NATS_TLS_INSECURE", false),

		AllowedOrigin: tools.GetEnv("ALLOWED_ORIGIN", "*"),
		AuthDeadline:  tools.GetEnvDuration("AUTH_DEADLINE", 10*time.Second),

		JWTSecret: tools.GetEnv("JWT_SECRET", ""),
		JWTAlg:    tools.GetEnv("JWT_ALG", "HS256"),

		RedisAddr:     tools.GetEnv("REDIS_ADDR", ""),
		RedisPassword: tools.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       tools.GetEnvInt("REDIS_DB", 0),
		ResumeTTL:     tools.GetEnvDuration("RESUME_TTL", 30*time.Second),

		SendBuffer:    tools.GetEnvInt("SEND_BUFFER", 64),
		FanoutWorkers: tools.GetEnvInt("FANOUT_WORKERS", 8),
		FanoutQueue:   tools.GetEnvInt("FANOUT_QUEUE", 256),
	}
}
