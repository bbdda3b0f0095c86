package daemon

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"dvnet/internal/dv"
	"dvnet/internal/network"
)

const (
	defaultAPIAddr          = "127.0.0.1:7946"
	defaultListenAddr       = "127.0.0.1:7947"
	defaultSnapshotInterval = time.Second
)

// Config is everything a Runner needs. Values start from the compiled
// defaults, are overridden by DV_* environment variables in LoadConfig and
// finally by command line flags.
type Config struct {
	ListenAddr       string
	APIAddr          string
	Bootstrap        []string
	DV               dv.Config
	Net              network.Config
	SnapshotInterval time.Duration
	ConnManTick      time.Duration
	DialTimeout      time.Duration
	MaxBackoff       time.Duration
}

func DefaultConfig() Config {
	nc := network.DefaultConfig()
	nc.ListenAddr = defaultListenAddr
	return Config{
		ListenAddr:       defaultListenAddr,
		APIAddr:          defaultAPIAddr,
		DV:               dv.DefaultConfig(),
		Net:              nc,
		SnapshotInterval: defaultSnapshotInterval,
		ConnManTick:      defaultConnManTick,
		DialTimeout:      defaultDialTimeout,
		MaxBackoff:       defaultMaxBackoff,
	}
}

// LoadConfig applies the environment on top of DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if v, ok := envInt("DV_FISHEYE_DEPTH"); ok {
		if v < 0 {
			return cfg, fmt.Errorf("DV_FISHEYE_DEPTH: must not be negative")
		}
		cfg.DV.FisheyeDepth = uint32(v)
	}
	if v, ok := envInt("DV_MAX_TABLE_SIZE"); ok {
		if v <= 0 {
			return cfg, fmt.Errorf("DV_MAX_TABLE_SIZE: must be positive")
		}
		cfg.DV.MaxTableSize = v
	}
	if v, ok := envInt("DV_HIDDEN_ONE_IN"); ok && v >= 0 {
		cfg.DV.HiddenOneIn = v
	}
	if v, ok := envDuration("DV_GOSSIP_MIN_INTERVAL_MS", time.Millisecond); ok {
		cfg.DV.GossipMinInterval = v
	}
	if v, ok := envDuration("DV_GOSSIP_MAX_INTERVAL_MS", time.Millisecond); ok {
		cfg.DV.GossipMaxInterval = v
	}
	if cfg.DV.GossipMaxInterval < cfg.DV.GossipMinInterval {
		return cfg, fmt.Errorf("gossip interval bounds: max %s below min %s", cfg.DV.GossipMaxInterval, cfg.DV.GossipMinInterval)
	}
	if v, ok := envInt("DV_GOSSIP_BATCH"); ok && v > 0 {
		cfg.DV.GossipBatch = v
	}
	if v, ok := envDuration("DV_PEER_EXPIRATION_SEC", time.Second); ok {
		cfg.DV.PeerExpiration = v
	}
	if v, ok := envDuration("DV_EXPIRE_SWEEP_SEC", time.Second); ok {
		cfg.DV.ExpireSweep = v
	}
	if v, ok := envInt("DV_MAX_CONNS_PER_IP"); ok && v > 0 {
		cfg.Net.MaxConnsPerIP = v
	}
	if v, ok := envDuration("DV_CONNMAN_TICK_MS", time.Millisecond); ok {
		cfg.ConnManTick = v
	}
	if v, ok := envDuration("DV_DIAL_TIMEOUT_MS", time.Millisecond); ok {
		cfg.DialTimeout = v
	}
	if v, ok := envDuration("DV_MAX_BACKOFF_SEC", time.Second); ok {
		cfg.MaxBackoff = v
	}
	if v := strings.TrimSpace(os.Getenv("DV_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("DV_API_ADDR")); v != "" {
		cfg.APIAddr = v
	}
	boot, err := envList("DV_BOOTSTRAP")
	if err != nil {
		return cfg, err
	}
	cfg.Bootstrap = boot
	return cfg, nil
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// envDuration reads a positive integer count of unit.
func envDuration(key string, unit time.Duration) (time.Duration, bool) {
	v, ok := envInt(key)
	if !ok || v <= 0 {
		return 0, false
	}
	return time.Duration(v) * unit, true
}

// envList reads a comma-separated list of host:port addresses.
func envList(key string) ([]string, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}
	return parseAddrList(raw)
}

func parseAddrList(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		addr := strings.TrimSpace(part)
		if addr == "" || seen[addr] {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("bootstrap address %q: %w", addr, err)
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out, nil
}
