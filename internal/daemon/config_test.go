package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dvnet/internal/dv"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"DV_FISHEYE_DEPTH", "DV_MAX_TABLE_SIZE", "DV_BOOTSTRAP", "DV_API_ADDR", "DV_GOSSIP_MIN_INTERVAL_MS", "DV_GOSSIP_MAX_INTERVAL_MS"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, dv.DefaultConfig(), cfg.DV)
	require.Equal(t, "127.0.0.1:7946", cfg.APIAddr)
	require.Empty(t, cfg.Bootstrap)
	require.Equal(t, 8, cfg.Net.MaxConnsPerIP)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("DV_FISHEYE_DEPTH", "5")
	t.Setenv("DV_MAX_TABLE_SIZE", "42")
	t.Setenv("DV_GOSSIP_MIN_INTERVAL_MS", "100")
	t.Setenv("DV_GOSSIP_MAX_INTERVAL_MS", "900")
	t.Setenv("DV_GOSSIP_BATCH", "7")
	t.Setenv("DV_PEER_EXPIRATION_SEC", "60")
	t.Setenv("DV_EXPIRE_SWEEP_SEC", "2")
	t.Setenv("DV_MAX_CONNS_PER_IP", "3")
	t.Setenv("DV_BOOTSTRAP", " 127.0.0.1:9000, ,127.0.0.1:9001,127.0.0.1:9000")
	t.Setenv("DV_API_ADDR", "127.0.0.1:0")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, uint32(5), cfg.DV.FisheyeDepth)
	require.Equal(t, 42, cfg.DV.MaxTableSize)
	require.Equal(t, 100*time.Millisecond, cfg.DV.GossipMinInterval)
	require.Equal(t, 900*time.Millisecond, cfg.DV.GossipMaxInterval)
	require.Equal(t, 7, cfg.DV.GossipBatch)
	require.Equal(t, time.Minute, cfg.DV.PeerExpiration)
	require.Equal(t, 2*time.Second, cfg.DV.ExpireSweep)
	require.Equal(t, 3, cfg.Net.MaxConnsPerIP)
	require.Equal(t, []string{"127.0.0.1:9000", "127.0.0.1:9001"}, cfg.Bootstrap)
	require.Equal(t, "127.0.0.1:0", cfg.APIAddr)
}

func TestLoadConfigIgnoresGarbage(t *testing.T) {
	t.Setenv("DV_GOSSIP_BATCH", "lots")
	t.Setenv("DV_EXPIRE_SWEEP_SEC", "-4")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, dv.DefaultConfig().GossipBatch, cfg.DV.GossipBatch)
	require.Equal(t, dv.DefaultConfig().ExpireSweep, cfg.DV.ExpireSweep)
}

func TestLoadConfigRejects(t *testing.T) {
	t.Run("bad bootstrap", func(t *testing.T) {
		t.Setenv("DV_BOOTSTRAP", "no-port")
		_, err := LoadConfig()
		require.Error(t, err)
	})
	t.Run("zero table", func(t *testing.T) {
		t.Setenv("DV_MAX_TABLE_SIZE", "0")
		_, err := LoadConfig()
		require.Error(t, err)
	})
	t.Run("inverted gossip bounds", func(t *testing.T) {
		t.Setenv("DV_GOSSIP_MIN_INTERVAL_MS", "2000")
		t.Setenv("DV_GOSSIP_MAX_INTERVAL_MS", "1000")
		_, err := LoadConfig()
		require.Error(t, err)
	})
}
