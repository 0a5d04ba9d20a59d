// Package config takes a single environment-derived snapshot at process
// startup (spec §9, "Global state": "an optional environment-derived
// config snapshot taken at startup"). Nothing in this module re-reads the
// environment after Load returns.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the immutable set of knobs every binary in this module reads
// at startup. Fields mirror the environment variables in spec.md §6.
type Config struct {
	// SandboxBin overrides the path to the sandbox helper binary (spec §6
	// TM_SANDBOX_BIN), primarily for tests.
	SandboxBin string

	// ClientAddr and WorkerAddr are the two listening endpoints of the
	// executor (spec §4.F), defaulting to the documented ports (spec §6).
	ClientAddr string
	WorkerAddr string

	// StorePath and CachePath are the on-disk locations of the file store
	// and execution cache (spec §4.A, §4.B, §6).
	StorePath string
	CachePath string

	// StoreHighWaterBytes/StoreLowWaterBytes bound the file store's size
	// before/after eviction (spec §4.A).
	StoreHighWaterBytes uint64
	StoreLowWaterBytes  uint64

	// Password, if non-empty, is used to derive the symmetric key that
	// authenticates and encrypts a channel (spec §4.F, §9).
	Password string

	// ShutdownGrace bounds how long a graceful shutdown waits for
	// in-flight groups before escalating.
	ShutdownGrace time.Duration

	Debug bool
}

const (
	// DefaultClientPort is the default port clients connect to (spec §6).
	DefaultClientPort = 27182
	// DefaultWorkerPort is the default port workers connect to (spec §6).
	DefaultWorkerPort = 27183
)

// Load builds a Config from the process environment, applying the
// defaults spec.md documents. ClientAddr/WorkerAddr come back as
// complete transport.Listen/Dial URLs (password already embedded, if
// one was configured), so callers never need to special-case it.
func Load() Config {
	password := os.Getenv("TM_PASSWORD")
	return Config{
		SandboxBin:          getenv("TM_SANDBOX_BIN", "task-maker-sandbox"),
		ClientAddr:          withPassword(getenv("TM_CLIENT_ADDR", "tcp://:27182"), password),
		WorkerAddr:          withPassword(getenv("TM_WORKER_ADDR", "tcp://:27183"), password),
		StorePath:           getenv("TM_STORE_PATH", "./tm-store"),
		CachePath:           getenv("TM_CACHE_PATH", "./tm-cache"),
		StoreHighWaterBytes: getenvUint("TM_STORE_HIGH_WATER_BYTES", 8<<30),
		StoreLowWaterBytes:  getenvUint("TM_STORE_LOW_WATER_BYTES", 6<<30),
		Password:            password,
		ShutdownGrace:       getenvDuration("TM_SHUTDOWN_GRACE", 5*time.Second),
		Debug:               getenvBool("TM_DEBUG", false),
	}
}

// withPassword inserts password into a "tcp://host:port" addr, unless
// addr already carries one or is a unix:// path (which never takes a
// password; spec §6).
func withPassword(addr, password string) string {
	if password == "" || !strings.HasPrefix(addr, "tcp://") {
		return addr
	}
	rest := strings.TrimPrefix(addr, "tcp://")
	if strings.Contains(rest, "@") {
		return addr
	}
	return "tcp://" + password + "@" + rest
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvUint(key string, def uint64) uint64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
