// Package config defines glimmerdb-server's configuration structure.
package config

// ServerConfig is the root configuration for glimmerdb-server.
type ServerConfig struct {
	Port        int              `koanf:"port"`
	Dir         string           `koanf:"dir"`
	DBFilename  string           `koanf:"dbfilename"`
	ReplicaOf   *ReplicaTarget   `koanf:"replicaof"`
	Log         LogSection       `koanf:"log"`
	RateLimit   RateLimitSection `koanf:"rate_limit"`
	MetricsAddr string           `koanf:"metrics_addr"`
}

// ReplicaTarget is the master this server replicates from, when run with
// --replicaof. A nil ReplicaTarget means the server starts as master.
type ReplicaTarget struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RateLimitSection configures the per-connection token bucket.
// RPS <= 0 disables rate limiting entirely.
type RateLimitSection struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}
