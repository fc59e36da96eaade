package settings

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/medibill/discounts/internal/cache"
	"github.com/medibill/discounts/internal/discount"
	"github.com/medibill/discounts/internal/obs"
	"github.com/medibill/discounts/internal/store"
)

// Snapshot is the hospital discount configuration as the engine consumes it.
type Snapshot struct {
	HospitalID string                    `json:"hospital_id"`
	Hospital   discount.HospitalSettings `json:"hospital"`
	Stacking   discount.StackingConfig   `json:"stacking"`
	// StackingError is set when the stored stacking config was rejected and defaults apply.
	StackingError string    `json:"stacking_error,omitempty"`
	LoadedAt      time.Time `json:"loaded_at"`
}

// UsingDefaults reports whether the stored stacking configuration was replaced by defaults.
func (s Snapshot) UsingDefaults() bool {
	return s.StackingError != ""
}

// Loader reads hospital settings through a Redis cache.
type Loader struct {
	Store  store.Reader
	Cache  *cache.JSON
	Logger zerolog.Logger
	Now    func() time.Time
}

// Load returns the settings snapshot of the hospital in context. A stacking config that
// fails to parse is logged and replaced with the defaults so invoices can still be priced.
func (l *Loader) Load(ctx context.Context) (Snapshot, error) {
	if l == nil || l.Store == nil {
		return Snapshot{}, errors.New("settings loader not configured")
	}
	key := cache.KeyHospitalSettings(ctx)
	var snap Snapshot
	hit, err := l.Cache.GetJSON(ctx, key, &snap)
	if err != nil {
		l.Logger.Warn().Err(err).Str("key", key).Msg("settings cache read failed")
	}
	if hit {
		countLookup("hit")
		return snap, nil
	}
	countLookup("miss")

	hospital, err := l.Store.Hospital(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap = Snapshot{
		HospitalID: hospital.ID,
		Hospital:   hospital.Settings,
		LoadedAt:   l.now(),
	}
	cfg, err := discount.ParseStackingConfig(hospital.StackingConfig)
	if err != nil {
		l.Logger.Error().Err(err).
			Str("hospital_id", hospital.ID).
			Msg("invalid stacking config; using defaults")
		cfg = discount.DefaultStackingConfig()
		snap.StackingError = err.Error()
	}
	snap.Stacking = cfg

	if err := l.Cache.SetJSON(ctx, key, snap); err != nil {
		l.Logger.Warn().Err(err).Str("key", key).Msg("settings cache write failed")
	}
	return snap, nil
}

// Invalidate drops the cached snapshot of the hospital in context.
func (l *Loader) Invalidate(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.Cache.Delete(ctx, cache.KeyHospitalSettings(ctx))
}

func (l *Loader) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

func countLookup(result string) {
	if obs.SettingsCacheLookups != nil {
		obs.SettingsCacheLookups.WithLabelValues(result).Inc()
	}
}
