package configstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/harvester/internal/model"
)

// DefaultIntervalMinutes applies when a source has no persisted interval.
const DefaultIntervalMinutes = 60

// KeyDeviceID holds the agent's persistent device identity.
const KeyDeviceID = "device.id"

func keyEnabled(name string) string       { return name + ".enabled" }
func keyInterval(name string) string      { return name + ".intervalMinutes" }
func keyNextSyncAfter(name string) string { return name + ".nextSyncAfter" }
func keyWatermark(name string) string     { return name + ".lastExportedAt" }

// LoadSourceConfig reads the persisted schedule state for source name.
// Absent keys yield enabled=false and the default interval.
func LoadSourceConfig(ctx context.Context, st Store, name string) (model.SourceConfig, error) {
	cfg := model.SourceConfig{IntervalMinutes: DefaultIntervalMinutes}

	v, ok, err := st.Get(ctx, keyEnabled(name))
	if err != nil {
		return cfg, err
	}
	if ok {
		if cfg.Enabled, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("%s: %w", keyEnabled(name), err)
		}
	}

	v, ok, err = st.Get(ctx, keyInterval(name))
	if err != nil {
		return cfg, err
	}
	if ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", keyInterval(name), err)
		}
		cfg.IntervalMinutes = uint(n)
	}

	next, err := getTime(ctx, st, keyNextSyncAfter(name))
	if err != nil {
		return cfg, err
	}
	cfg.NextSyncAfter = next
	return cfg, nil
}

// SetEnabled persists the enabled flag for source name.
func SetEnabled(ctx context.Context, st Store, name string, enabled bool) error {
	return st.Set(ctx, keyEnabled(name), strconv.FormatBool(enabled))
}

// SetInterval persists the interval for source name.
func SetInterval(ctx context.Context, st Store, name string, minutes uint) error {
	return st.Set(ctx, keyInterval(name), strconv.FormatUint(uint64(minutes), 10))
}

// SetNextSyncAfter persists the next scheduled run; nil clears it.
func SetNextSyncAfter(ctx context.Context, st Store, name string, at *time.Time) error {
	return setTime(ctx, st, keyNextSyncAfter(name), at)
}

// Watermark returns the newest record date exported by source name, or nil.
func Watermark(ctx context.Context, st Store, name string) (*time.Time, error) {
	return getTime(ctx, st, keyWatermark(name))
}

// SetWatermark persists the newest exported record date for source name.
func SetWatermark(ctx context.Context, st Store, name string, at time.Time) error {
	return setTime(ctx, st, keyWatermark(name), &at)
}

// Seed writes enabled and interval for name unless already present, so values
// edited through the control API survive a config file reload.
func Seed(ctx context.Context, st Store, name string, enabled bool, minutes uint) error {
	if err := setIfAbsent(ctx, st, keyEnabled(name), strconv.FormatBool(enabled)); err != nil {
		return err
	}
	if minutes == 0 {
		minutes = DefaultIntervalMinutes
	}
	return setIfAbsent(ctx, st, keyInterval(name), strconv.FormatUint(uint64(minutes), 10))
}

// DeviceID returns the persisted device id, generating and storing a UUIDv4 on first use.
// A non-empty preferred id is stored when nothing is persisted yet.
func DeviceID(ctx context.Context, st Store, preferred string) (string, error) {
	v, ok, err := st.Get(ctx, KeyDeviceID)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	id := preferred
	if id == "" {
		u, err := uuid.NewV4()
		if err != nil {
			return "", fmt.Errorf("generate device id: %w", err)
		}
		id = u.String()
	}
	if err := st.Set(ctx, KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

func setIfAbsent(ctx context.Context, st Store, key, value string) error {
	_, ok, err := st.Get(ctx, key)
	if err != nil || ok {
		return err
	}
	return st.Set(ctx, key, value)
}

func getTime(ctx context.Context, st Store, key string) (*time.Time, error) {
	v, ok, err := st.Get(ctx, key)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &t, nil
}

func setTime(ctx context.Context, st Store, key string, at *time.Time) error {
	if at == nil {
		return st.Set(ctx, key, "")
	}
	return st.Set(ctx, key, at.UTC().Format(time.RFC3339Nano))
}
