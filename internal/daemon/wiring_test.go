package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/infra"
)

func TestBuildSinks(t *testing.T) {
	sinks, closeAll, err := BuildSinks(config.Default().Actions)
	require.NoError(t, err)
	assert.Empty(t, sinks, "no sink is enabled by default")
	require.NoError(t, closeAll())

	cfg := config.Default().Actions
	cfg.Command.Enabled = true
	cfg.Webhook.URL = "http://127.0.0.1:9/hook"
	cfg.Email.Host = "smtp.example.com"
	cfg.Email.To = []string{"ops@example.com"}
	cfg.Redis.URL = "redis://127.0.0.1:6379/0"

	sinks, closeAll, err = BuildSinks(cfg)
	require.NoError(t, err)
	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"command", "webhook", "email", "redis"}, names)
	assert.NoError(t, closeAll())
}

func TestBuildSinks_BadRedisURL(t *testing.T) {
	cfg := config.Default().Actions
	cfg.Redis.URL = "mysql://nope"
	_, _, err := BuildSinks(cfg)
	assert.ErrorContains(t, err, "redis url")
}

func TestOpenStore_ReadOnlyWithoutKey(t *testing.T) {
	cfg := config.Default()
	cfg.General.OutputDir = t.TempDir()

	_, err := OpenStore(cfg, true, zap.NewNop())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestHostDeps_FileSourceFollowsRealtime(t *testing.T) {
	cfg := config.Default()
	deps := HostDeps(cfg, zap.NewNop())

	fc := cfg.Modules.Filesystem
	fc.Realtime = false
	assert.IsType(t, &infra.SnapshotScanner{}, deps.Files(fc))

	fc.Realtime = true
	assert.IsType(t, &infra.NotifySource{}, deps.Files(fc))

	assert.NotNil(t, deps.Processes)
	assert.NotNil(t, deps.Battery)
}
