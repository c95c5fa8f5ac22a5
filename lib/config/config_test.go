package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/node"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset(t *testing.T) {
	t.Helper()
	viper.Reset()
	CfgFile = ""
	t.Cleanup(func() {
		viper.Reset()
		CfgFile = ""
	})
}

func TestDefaultsRoundTrip(t *testing.T) {
	reset(t)
	setDefaults()
	cfg, err := NewNodeConfigFromViper()
	require.NoError(t, err)

	d := Defaults()
	assert.Equal(t, d.Port, cfg.Port)
	assert.Equal(t, d.StoreDir, cfg.StoreDir)
	assert.Equal(t, d.NTP.Servers, cfg.NTPServers)
	assert.Equal(t, d.NTP.Interval, cfg.NTPInterval)
	assert.True(t, cfg.NTPEnabled)
	assert.Equal(t, node.DefaultSettings(), cfg.Settings)
	assert.Empty(t, cfg.Roots)
	assert.Empty(t, cfg.Networks)
}

func TestInitConfig_CreatesDefaultFile(t *testing.T) {
	reset(t)
	home := t.TempDir()
	viper.Set("home", home)
	require.NoError(t, InitConfig())
	_, err := os.Stat(filepath.Join(home, "config.yaml"))
	assert.NoError(t, err)
}

func TestInitConfig_ReadsFile(t *testing.T) {
	reset(t)
	id, err := identity.Generate()
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "vnet.yaml")
	body := "port: 19993\n" +
		"networks: [\"8056c2e21c000001\"]\n" +
		"roots: [\"" + id.String() + "@192.0.2.1:9993\"]\n" +
		"ntp:\n  enabled: false\n  interval: 5m\n" +
		"peer:\n  hello_interval: 60000\n" +
		"node:\n  peer_expiry: 1234\n"
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
	CfgFile = file
	require.NoError(t, InitConfig())

	cfg, err := NewNodeConfigFromViper()
	require.NoError(t, err)
	assert.Equal(t, 19993, cfg.Port)
	assert.Equal(t, []uint64{0x8056c2e21c000001}, cfg.Networks)
	require.Len(t, cfg.Roots, 1)
	assert.Equal(t, id.Address(), cfg.Roots[0].Identity.Address())
	assert.False(t, cfg.Roots[0].Identity.HasPrivate())
	assert.Equal(t, "192.0.2.1:9993", cfg.Roots[0].Endpoint.String())
	assert.False(t, cfg.NTPEnabled)
	assert.Equal(t, 5*time.Minute, cfg.NTPInterval)
	assert.Equal(t, int64(60000), cfg.Settings.Peer.HelloInterval)
	assert.Equal(t, int64(1234), cfg.Settings.PeerExpiry)
	assert.Equal(t, node.DefaultSettings().Peer.MaxPaths, cfg.Settings.Peer.MaxPaths)
}

func TestInitConfig_MissingExplicitFile(t *testing.T) {
	reset(t)
	CfgFile = filepath.Join(t.TempDir(), "absent.yaml")
	assert.ErrorIs(t, InitConfig(), ErrConfigNotFound)
}

func TestNewNodeConfig_RejectsBadEntries(t *testing.T) {
	reset(t)
	setDefaults()
	viper.Set("networks", []string{"xyz"})
	_, err := NewNodeConfigFromViper()
	assert.ErrorIs(t, err, ErrInvalidNetwork)

	viper.Set("networks", []string{})
	viper.Set("roots", []string{"no-at-sign"})
	_, err = NewNodeConfigFromViper()
	assert.ErrorIs(t, err, ErrInvalidRoot)
}

func TestParseRoot(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	r, err := ParseRoot(" " + id.String() + "@[2001:db8::1]:9993 ")
	require.NoError(t, err)
	assert.Equal(t, uint16(9993), r.Endpoint.Port())

	_, err = ParseRoot(id.String() + "@not-an-endpoint")
	assert.ErrorIs(t, err, ErrInvalidRoot)
	_, err = ParseRoot("bogus@192.0.2.1:1")
	assert.ErrorIs(t, err, ErrInvalidRoot)
}
