package boot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
)

func TestLoadBootStats_Increments(t *testing.T) {
	fs := filestore.NewMem()
	log := logger.Default()

	stats, err := LoadBootStats(fs, log)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.BootNr)
	assert.EqualValues(t, 0, stats.LastBootSuccess)

	stats, err = LoadBootStats(fs, log)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.BootNr)
}

func TestLoadBootStats_CorruptResets(t *testing.T) {
	fs := filestore.NewMem()
	require.NoError(t, fs.Write(BootStatsFile, []byte(`garbage`)))

	stats, err := LoadBootStats(fs, logger.Default())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.BootNr)
}

func TestMigrate_VersionChange(t *testing.T) {
	fs := filestore.NewMem()
	log := logger.Default()

	// 旧版本留下的会话文件
	for _, name := range []string{"tx-1-1.jsn", "op-1-0.jsn", "sc-1-0.jsn", "sd-meta.jsn", "client-state.cnf", "reservation-1.jsn", "bootstats.jsn", "ocpp-config.cnf"} {
		require.NoError(t, fs.Write(name, []byte(`{}`)))
	}

	stats := BootStats{BootNr: 5, SoftwareVersion: "0.9.0"}
	require.NoError(t, Migrate(fs, &stats, "1.0.0", false, log))
	assert.Equal(t, "1.0.0", stats.SoftwareVersion)

	names, _ := fs.List("")
	// 会话文件被清理，预约与配置保留
	assert.NotContains(t, names, "tx-1-1.jsn")
	assert.NotContains(t, names, "op-1-0.jsn")
	assert.NotContains(t, names, "sc-1-0.jsn")
	assert.NotContains(t, names, "sd-meta.jsn")
	assert.NotContains(t, names, "client-state.cnf")
	assert.Contains(t, names, "reservation-1.jsn")
	assert.Contains(t, names, "ocpp-config.cnf")
}

func TestMigrate_SameVersionNoop(t *testing.T) {
	fs := filestore.NewMem()
	require.NoError(t, fs.Write("tx-1-1.jsn", []byte(`{}`)))

	stats := BootStats{BootNr: 2, SoftwareVersion: "1.0.0"}
	require.NoError(t, Migrate(fs, &stats, "1.0.0", false, logger.Default()))

	names, _ := fs.List("")
	assert.Contains(t, names, "tx-1-1.jsn")
}

func TestMigrate_RecoveryClearsReservations(t *testing.T) {
	fs := filestore.NewMem()
	require.NoError(t, fs.Write("reservation-1.jsn", []byte(`{}`)))
	require.NoError(t, fs.Write("tx-1-1.jsn", []byte(`{}`)))

	stats := BootStats{BootNr: 2, SoftwareVersion: "1.0.0"}
	require.NoError(t, Migrate(fs, &stats, "1.0.0", true, logger.Default()))

	names, _ := fs.List("")
	assert.NotContains(t, names, "reservation-1.jsn")
	assert.NotContains(t, names, "tx-1-1.jsn")
}
