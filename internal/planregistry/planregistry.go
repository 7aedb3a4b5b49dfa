// Package planregistry persists the mapping from a plan_handle to the
// resolved asset a channel's producer should decode. It is the one piece
// of state in this engine that survives a process restart, so that an
// operator does not lose live-channel asset bindings across a crash.
package planregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/database"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
)

// Plan is the persisted record backing update_plan/load_preview/
// start_channel asset resolution.
type Plan struct {
	PlanHandle   string `gorm:"primaryKey;column:plan_handle"`
	AssetID      string `gorm:"column:asset_id;not null"`
	Path         string `gorm:"column:path;not null"`
	TargetWidth  int    `gorm:"column:target_width"`
	TargetHeight int    `gorm:"column:target_height"`
	TargetFPS    float64 `gorm:"column:target_fps"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Plan) TableName() string { return "plans" }

// Registry is a GORM-backed store of Plans.
type Registry struct {
	db *database.DB
}

// New constructs a Registry and ensures the plans table exists.
func New(db *database.DB) (*Registry, error) {
	if err := db.AutoMigrate(&Plan{}); err != nil {
		return nil, fmt.Errorf("migrating plan registry: %w", err)
	}
	return &Registry{db: db}, nil
}

// Upsert creates or updates the Plan for planHandle. Used by update_plan.
func (r *Registry) Upsert(ctx context.Context, plan Plan) error {
	result := r.db.WithContext(ctx).Save(&plan)
	if result.Error != nil {
		return playouterr.Wrap(playouterr.KindInternal, "saving plan", result.Error)
	}
	return nil
}

// Get fetches the Plan for planHandle. Returns NotFound if absent.
func (r *Registry) Get(ctx context.Context, planHandle string) (Plan, error) {
	var plan Plan
	result := r.db.WithContext(ctx).First(&plan, "plan_handle = ?", planHandle)
	if result.Error != nil {
		return Plan{}, playouterr.Wrap(playouterr.KindNotFound, fmt.Sprintf("plan handle %q", planHandle), result.Error)
	}
	return plan, nil
}

// Resolve implements controlplane.PlanResolver: it looks up the plan's
// asset path/id for the control-plane adapter's StartChannel/UpdatePlan
// flows.
func (r *Registry) Resolve(ctx context.Context, planHandle string) (path, assetID string, err error) {
	plan, err := r.Get(ctx, planHandle)
	if err != nil {
		return "", "", err
	}
	return plan.Path, plan.AssetID, nil
}

// Delete removes the Plan for planHandle, if present. Absence is not an
// error.
func (r *Registry) Delete(ctx context.Context, planHandle string) error {
	result := r.db.WithContext(ctx).Delete(&Plan{}, "plan_handle = ?", planHandle)
	if result.Error != nil {
		return playouterr.Wrap(playouterr.KindInternal, "deleting plan", result.Error)
	}
	return nil
}
