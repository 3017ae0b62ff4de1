// Copyright 2026 The pagestore Authors
// This file is part of the pagestore library.
//
// The pagestore library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pagestore library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pagestore library. If not, see <http://www.gnu.org/licenses/>.

package pagestore

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zenithdb/pagestore/common"
)

func configTestSetup(t *testing.T) (*PageServerConf, common.TenantID) {
	t.Helper()
	conf := DefaultPageServerConf(t.TempDir())
	tenantID := common.GenerateTenantID()
	require.NoError(t, os.MkdirAll(conf.TenantPath(tenantID), 0o755))
	return conf, tenantID
}

func TestTenantConfigAbsentFileIsEmptyOverrides(t *testing.T) {
	conf, tenantID := configTestSetup(t)
	overrides, err := LoadTenantConfig(conf, tenantID)
	require.NoError(t, err)
	require.Equal(t, TenantConfOpt{}, overrides)
}

func TestTenantConfigRoundtrip(t *testing.T) {
	conf, tenantID := configTestSetup(t)

	gcHorizon := uint64(1024)
	gcPeriod := Duration(30 * time.Second)
	pitr := Duration(24 * time.Hour)
	saved := TenantConfOpt{
		GcHorizon:    &gcHorizon,
		GcPeriod:     &gcPeriod,
		PitrInterval: &pitr,
	}
	require.NoError(t, SaveTenantConfig(conf.TenantConfigPath(tenantID), &saved, true))

	loaded, err := LoadTenantConfig(conf, tenantID)
	require.NoError(t, err)
	require.Equal(t, saved, loaded)

	// Unset knobs stay unset so the server default keeps applying.
	require.Nil(t, loaded.CheckpointDistance)

	// A second save is an overwrite, not a create.
	require.NoError(t, SaveTenantConfig(conf.TenantConfigPath(tenantID), &saved, false))
}

func TestTenantConfigRejectsUnknownKey(t *testing.T) {
	conf, tenantID := configTestSetup(t)
	content := "[tenant_config]\ngc_horizon = 1024\nno_such_knob = 5\n"
	require.NoError(t, os.WriteFile(conf.TenantConfigPath(tenantID), []byte(content), 0o644))

	_, err := LoadTenantConfig(conf, tenantID)
	require.ErrorIs(t, err, ErrUnknownConfigKey)
}

func TestTenantConfigRejectsUnknownTable(t *testing.T) {
	conf, tenantID := configTestSetup(t)
	content := "[pageserver]\nlisten = \"127.0.0.1:64000\"\n"
	require.NoError(t, os.WriteFile(conf.TenantConfigPath(tenantID), []byte(content), 0o644))

	_, err := LoadTenantConfig(conf, tenantID)
	require.ErrorIs(t, err, ErrUnknownConfigKey)
}

func TestTenantConfigRejectsMalformedToml(t *testing.T) {
	conf, tenantID := configTestSetup(t)
	content := "[tenant_config\ngc_horizon = 1024\n"
	require.NoError(t, os.WriteFile(conf.TenantConfigPath(tenantID), []byte(content), 0o644))

	_, err := LoadTenantConfig(conf, tenantID)
	require.ErrorIs(t, err, ErrConfigParse)
	require.NotErrorIs(t, err, ErrUnknownConfigKey)
}

func TestTenantConfigDurationsParse(t *testing.T) {
	conf, tenantID := configTestSetup(t)
	content := "[tenant_config]\ngc_period = \"100s\"\npitr_interval = \"168h\"\n"
	require.NoError(t, os.WriteFile(conf.TenantConfigPath(tenantID), []byte(content), 0o644))

	loaded, err := LoadTenantConfig(conf, tenantID)
	require.NoError(t, err)
	require.NotNil(t, loaded.GcPeriod)
	require.Equal(t, 100*time.Second, time.Duration(*loaded.GcPeriod))
	require.NotNil(t, loaded.PitrInterval)
	require.Equal(t, 168*time.Hour, time.Duration(*loaded.PitrInterval))
}

func TestTenantConfOptUpdate(t *testing.T) {
	horizonA := uint64(1)
	horizonB := uint64(2)
	threshold := 7

	base := TenantConfOpt{GcHorizon: &horizonA}
	base.Update(&TenantConfOpt{GcHorizon: &horizonB, CompactionThreshold: &threshold})

	require.Equal(t, horizonB, *base.GcHorizon)
	require.Equal(t, threshold, *base.CompactionThreshold)
}

func TestConfHandleFallback(t *testing.T) {
	defaults := DefaultTenantConf()
	horizon := uint64(4096)
	handle := newConfHandle(TenantConfOpt{GcHorizon: &horizon}, &defaults)

	require.Equal(t, horizon, handle.gcHorizon())
	// Everything else falls back to the defaults.
	require.Equal(t, defaults.CompactionThreshold, handle.compactionThreshold())
	require.Equal(t, defaults.GcPeriod, handle.gcPeriod())
	require.Equal(t, defaults.CheckpointDistance, handle.checkpointDistance())
	require.Equal(t, defaults.PitrInterval, handle.pitrInterval())
	require.Equal(t, defaults.WalreceiverConnectTimeout, handle.walreceiverConnectTimeout())
	require.Equal(t, defaults.LaggingWalTimeout, handle.laggingWalTimeout())
	require.Equal(t, defaults.MaxLsnWalLag, handle.maxLsnWalLag())
	require.Equal(t, defaults.CompactionTargetSize, handle.compactionTargetSize())
	require.Equal(t, defaults.CheckpointTimeout, handle.checkpointTimeout())
	require.Equal(t, defaults.CompactionPeriod, handle.compactionPeriod())
	require.Equal(t, defaults.ImageCreationThreshold, handle.imageCreationThreshold())

	// A live update flows through.
	newHorizon := uint64(8192)
	handle.update(&TenantConfOpt{GcHorizon: &newHorizon})
	require.Equal(t, newHorizon, handle.gcHorizon())
}
