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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/naoina/toml"
	"github.com/zenithdb/pagestore/common"
)

const (
	// TimelinesSegmentName is the directory under a tenant dir holding its
	// timeline directories.
	TimelinesSegmentName = "timelines"
	// MetadataFileName is the per-timeline metadata file.
	MetadataFileName = "metadata"
	// ConfigFileName is the per-tenant config override file.
	ConfigFileName = "config"
	// UninitMarkSuffix marks a timeline directory as not yet committed.
	UninitMarkSuffix = ".___uninit___"
	// TempFileSuffix marks transient files and directories that are removed
	// on restart.
	TempFileSuffix = ".___temp___"
)

// Duration is a time.Duration that round-trips through TOML as a duration
// string ("10m0s") rather than nanoseconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// PageServerConf is the process-wide, immutable server configuration. One
// instance outlives all tenants; it is passed around by pointer.
type PageServerConf struct {
	// WorkDir is the repository root; tenants live under WorkDir/tenants.
	WorkDir string

	// PgBinDir and PgLibDir locate the external data directory initializer
	// and its shared libraries.
	PgBinDir string
	PgLibDir string

	// Superuser is the database superuser name passed to initdb.
	Superuser string

	// WaitLsnTimeout bounds how long branch creation waits for the source
	// timeline's WAL to reach the requested start LSN.
	WaitLsnTimeout time.Duration

	// PageCacheSize is the number of materialized pages kept in the shared
	// per-tenant read cache.
	PageCacheSize int

	// DefaultTenantConf supplies the value of every tenant knob that the
	// tenant's own config file leaves unset.
	DefaultTenantConf TenantConf
}

// DefaultPageServerConf returns a configuration rooted at workDir with
// stock defaults.
func DefaultPageServerConf(workDir string) *PageServerConf {
	return &PageServerConf{
		WorkDir:           workDir,
		Superuser:         "cloud_admin",
		WaitLsnTimeout:    60 * time.Second,
		PageCacheSize:     8192,
		DefaultTenantConf: DefaultTenantConf(),
	}
}

// TenantsPath returns WorkDir/tenants.
func (c *PageServerConf) TenantsPath() string {
	return filepath.Join(c.WorkDir, "tenants")
}

// TenantPath returns the directory owned by the given tenant.
func (c *PageServerConf) TenantPath(tenantID common.TenantID) string {
	return filepath.Join(c.TenantsPath(), tenantID.String())
}

// TenantConfigPath returns the tenant's config override file.
func (c *PageServerConf) TenantConfigPath(tenantID common.TenantID) string {
	return filepath.Join(c.TenantPath(tenantID), ConfigFileName)
}

// TimelinesPath returns the directory holding the tenant's timeline dirs.
func (c *PageServerConf) TimelinesPath(tenantID common.TenantID) string {
	return filepath.Join(c.TenantPath(tenantID), TimelinesSegmentName)
}

// TimelinePath returns the directory of one timeline.
func (c *PageServerConf) TimelinePath(tenantID common.TenantID, timelineID common.TimelineID) string {
	return filepath.Join(c.TimelinesPath(tenantID), timelineID.String())
}

// MetadataPath returns the timeline's metadata file.
func (c *PageServerConf) MetadataPath(tenantID common.TenantID, timelineID common.TimelineID) string {
	return filepath.Join(c.TimelinePath(tenantID, timelineID), MetadataFileName)
}

// UninitMarkPath returns the sentinel file created next to a timeline dir
// before the dir itself. The mark being a sibling guarantees the dir can be
// removed before the mark during crash recovery.
func (c *PageServerConf) UninitMarkPath(tenantID common.TenantID, timelineID common.TimelineID) string {
	return c.TimelinePath(tenantID, timelineID) + UninitMarkSuffix
}

// TenantConf is the fully-resolved set of per-tenant knobs.
type TenantConf struct {
	// CheckpointDistance is how many bytes of WAL may accumulate in the open
	// in-memory layer before a flush is forced.
	CheckpointDistance uint64
	// CheckpointTimeout flushes an idle open layer after this interval.
	CheckpointTimeout time.Duration
	// CompactionTargetSize is the target size of layer files produced by
	// compaction.
	CompactionTargetSize uint64
	// CompactionPeriod is the interval of the background compaction loop.
	CompactionPeriod time.Duration
	// CompactionThreshold is the minimum number of adjacent delta layers
	// that compaction merges into one larger delta layer.
	CompactionThreshold int
	// GcHorizon is the distance, in LSN bytes behind the last record, kept
	// safe from garbage collection.
	GcHorizon uint64
	// GcPeriod is the interval of the background GC loop.
	GcPeriod time.Duration
	// ImageCreationThreshold is the number of delta layers covering a range
	// before an image layer is created for it.
	ImageCreationThreshold int
	// PitrInterval is the wall-clock retention window, independent of the
	// horizon.
	PitrInterval time.Duration
	// WalreceiverConnectTimeout bounds connection establishment to a WAL
	// source.
	WalreceiverConnectTimeout time.Duration
	// LaggingWalTimeout is how long a WAL source may lag before the receiver
	// switches away from it.
	LaggingWalTimeout time.Duration
	// MaxLsnWalLag is the LSN distance a WAL source may lag before being
	// considered stale.
	MaxLsnWalLag uint64
}

// DefaultTenantConf returns the stock knob values.
func DefaultTenantConf() TenantConf {
	return TenantConf{
		CheckpointDistance:        256 * 1024 * 1024,
		CheckpointTimeout:         10 * time.Minute,
		CompactionTargetSize:      128 * 1024 * 1024,
		CompactionPeriod:          20 * time.Second,
		CompactionThreshold:       10,
		GcHorizon:                 64 * 1024 * 1024,
		GcPeriod:                  100 * time.Second,
		ImageCreationThreshold:    3,
		PitrInterval:              7 * 24 * time.Hour,
		WalreceiverConnectTimeout: 10 * time.Second,
		LaggingWalTimeout:         10 * time.Second,
		MaxLsnWalLag:              10 * 1024 * 1024,
	}
}

// TenantConfOpt carries the per-tenant overrides. Every field is optional;
// a nil field falls back to the server-wide default. Keeping unset fields
// distinguishable lets a later global config update flow through.
type TenantConfOpt struct {
	CheckpointDistance        *uint64   `toml:"checkpoint_distance,omitempty"`
	CheckpointTimeout         *Duration `toml:"checkpoint_timeout,omitempty"`
	CompactionTargetSize      *uint64   `toml:"compaction_target_size,omitempty"`
	CompactionPeriod          *Duration `toml:"compaction_period,omitempty"`
	CompactionThreshold       *int      `toml:"compaction_threshold,omitempty"`
	GcHorizon                 *uint64   `toml:"gc_horizon,omitempty"`
	GcPeriod                  *Duration `toml:"gc_period,omitempty"`
	ImageCreationThreshold    *int      `toml:"image_creation_threshold,omitempty"`
	PitrInterval              *Duration `toml:"pitr_interval,omitempty"`
	WalreceiverConnectTimeout *Duration `toml:"walreceiver_connect_timeout,omitempty"`
	LaggingWalTimeout         *Duration `toml:"lagging_wal_timeout,omitempty"`
	MaxLsnWalLag              *uint64   `toml:"max_lsn_wal_lag,omitempty"`
}

// Update merges the set fields of other into o.
func (o *TenantConfOpt) Update(other *TenantConfOpt) {
	src := reflect.ValueOf(other).Elem()
	dst := reflect.ValueOf(o).Elem()
	for i := 0; i < src.NumField(); i++ {
		if !src.Field(i).IsNil() {
			dst.Field(i).Set(src.Field(i))
		}
	}
}

// FromTenantConf returns an override set with every knob set, used by tests
// and by tenant creation with explicit full configs.
func FromTenantConf(c TenantConf) TenantConfOpt {
	ct := Duration(c.CheckpointTimeout)
	cp := Duration(c.CompactionPeriod)
	gp := Duration(c.GcPeriod)
	pi := Duration(c.PitrInterval)
	wct := Duration(c.WalreceiverConnectTimeout)
	lwt := Duration(c.LaggingWalTimeout)
	return TenantConfOpt{
		CheckpointDistance:        &c.CheckpointDistance,
		CheckpointTimeout:         &ct,
		CompactionTargetSize:      &c.CompactionTargetSize,
		CompactionPeriod:          &cp,
		CompactionThreshold:       &c.CompactionThreshold,
		GcHorizon:                 &c.GcHorizon,
		GcPeriod:                  &gp,
		ImageCreationThreshold:    &c.ImageCreationThreshold,
		PitrInterval:              &pi,
		WalreceiverConnectTimeout: &wct,
		LaggingWalTimeout:         &lwt,
		MaxLsnWalLag:              &c.MaxLsnWalLag,
	}
}

// confHandle is the shared, mutable view of a tenant's resolved knobs:
// per-tenant overrides with field-wise fallback to the server defaults.
// Readers hold the lock only long enough to copy one field.
type confHandle struct {
	mu        sync.RWMutex
	overrides TenantConfOpt
	defaults  *TenantConf
}

func newConfHandle(overrides TenantConfOpt, defaults *TenantConf) *confHandle {
	return &confHandle{overrides: overrides, defaults: defaults}
}

func (h *confHandle) update(other *TenantConfOpt) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overrides.Update(other)
}

func (h *confHandle) snapshot() TenantConfOpt {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.overrides
}

func (h *confHandle) checkpointDistance() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.CheckpointDistance; v != nil {
		return *v
	}
	return h.defaults.CheckpointDistance
}

func (h *confHandle) checkpointTimeout() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.CheckpointTimeout; v != nil {
		return time.Duration(*v)
	}
	return h.defaults.CheckpointTimeout
}

func (h *confHandle) compactionTargetSize() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.CompactionTargetSize; v != nil {
		return *v
	}
	return h.defaults.CompactionTargetSize
}

func (h *confHandle) compactionPeriod() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.CompactionPeriod; v != nil {
		return time.Duration(*v)
	}
	return h.defaults.CompactionPeriod
}

func (h *confHandle) compactionThreshold() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.CompactionThreshold; v != nil {
		return *v
	}
	return h.defaults.CompactionThreshold
}

func (h *confHandle) gcHorizon() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.GcHorizon; v != nil {
		return *v
	}
	return h.defaults.GcHorizon
}

func (h *confHandle) gcPeriod() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.GcPeriod; v != nil {
		return time.Duration(*v)
	}
	return h.defaults.GcPeriod
}

func (h *confHandle) imageCreationThreshold() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.ImageCreationThreshold; v != nil {
		return *v
	}
	return h.defaults.ImageCreationThreshold
}

func (h *confHandle) pitrInterval() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.PitrInterval; v != nil {
		return time.Duration(*v)
	}
	return h.defaults.PitrInterval
}

func (h *confHandle) walreceiverConnectTimeout() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.WalreceiverConnectTimeout; v != nil {
		return time.Duration(*v)
	}
	return h.defaults.WalreceiverConnectTimeout
}

func (h *confHandle) laggingWalTimeout() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.LaggingWalTimeout; v != nil {
		return time.Duration(*v)
	}
	return h.defaults.LaggingWalTimeout
}

func (h *confHandle) maxLsnWalLag() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if v := h.overrides.MaxLsnWalLag; v != nil {
		return *v
	}
	return h.defaults.MaxLsnWalLag
}

// tenantConfigFile is the on-disk shape of the tenant config file: a single
// [tenant_config] table.
type tenantConfigFile struct {
	TenantConfig TenantConfOpt `toml:"tenant_config"`
}

// tomlSettings rejects unknown keys instead of silently dropping them, both
// at the top level and inside [tenant_config].
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("%w: %q is not defined in %s", ErrUnknownConfigKey, field, rt.String())
	},
}

// LoadTenantConfig reads the tenant's config override file. A missing file
// is valid and yields empty overrides.
func LoadTenantConfig(conf *PageServerConf, tenantID common.TenantID) (TenantConfOpt, error) {
	path := conf.TenantConfigPath(tenantID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return TenantConfOpt{}, nil
	}
	if err != nil {
		return TenantConfOpt{}, fmt.Errorf("failed to load tenant config from %q: %w", path, err)
	}
	var file tenantConfigFile
	if err := tomlSettings.Unmarshal(data, &file); err != nil {
		// Unknown keys carry their own kind; everything else is a parse
		// failure. toml.LineError keeps the hook's error in its Err field
		// without implementing Unwrap, so the cause is taken out by hand.
		cause, line := err, 0
		for {
			lineErr, ok := cause.(*toml.LineError)
			if !ok {
				break
			}
			cause, line = lineErr.Err, lineErr.Line
		}
		if errors.Is(cause, ErrUnknownConfigKey) {
			return TenantConfOpt{}, fmt.Errorf("failed to parse tenant config %q, line %d: %w", path, line, cause)
		}
		return TenantConfOpt{}, fmt.Errorf("%w: failed to parse %q: %w", ErrConfigParse, path, err)
	}
	return file.TenantConfig, nil
}

// SaveTenantConfig persists the override set. On first save the parent
// directory is fsynced so the file's directory entry is durable.
func SaveTenantConfig(path string, tenantConf *TenantConfOpt, firstSave bool) error {
	body, err := tomlSettings.Marshal(&tenantConfigFile{TenantConfig: *tenantConf})
	if err != nil {
		return fmt.Errorf("failed to serialize tenant config: %w", err)
	}
	header := []byte("# Per-tenant config overrides, reloaded on pageserver restart.\n\n")

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if firstSave {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open tenant config %q: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(header, body...)); err != nil {
		return fmt.Errorf("failed to write tenant config %q: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to fsync tenant config %q: %w", path, err)
	}
	if firstSave {
		if err := fsyncDir(filepath.Dir(path)); err != nil {
			return fmt.Errorf("failed to fsync tenant config parent: %w", err)
		}
	}
	return nil
}
