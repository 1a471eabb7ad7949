package config

import (
	"errors"
	"os"
)

// Verify validates the configuration, creating the data directory if it
// does not yet exist.
func Verify(cfg *ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if cfg.Dir == "" {
		return errors.New("dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return errors.New("cannot create dir: " + err.Error())
	}
	if cfg.DBFilename == "" {
		return errors.New("dbfilename is required")
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst < 1 {
		return errors.New("rate_limit.burst must be at least 1 when rate_limit.rps is set")
	}
	if cfg.ReplicaOf != nil {
		if cfg.ReplicaOf.Host == "" {
			return errors.New("replicaof.host is required when replicaof is set")
		}
		if cfg.ReplicaOf.Port < 1 || cfg.ReplicaOf.Port > 65535 {
			return errors.New("replicaof.port must be between 1 and 65535")
		}
	}
	return nil
}
