package planregistry

import (
	"context"
	"testing"

	"github.com/jmylchreest/retrovue-playoutd/internal/config"
	"github.com/jmylchreest/retrovue-playoutd/internal/database"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}
	db, err := database.New(cfg, nil, &database.Options{PrepareStmt: false})
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	reg, err := New(db)
	if err != nil {
		t.Fatalf("planregistry.New: %v", err)
	}
	return reg
}

func TestUpsertAndResolve(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	plan := Plan{
		PlanHandle:   "plan-1",
		AssetID:      "asset-1",
		Path:         "/media/asset-1.mp4",
		TargetWidth:  1280,
		TargetHeight: 720,
		TargetFPS:    29.97,
	}
	if err := reg.Upsert(ctx, plan); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	path, assetID, err := reg.Resolve(ctx, "plan-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if path != plan.Path || assetID != plan.AssetID {
		t.Errorf("Resolve = (%q, %q), want (%q, %q)", path, assetID, plan.Path, plan.AssetID)
	}
}

func TestUpsert_Overwrites(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_ = reg.Upsert(ctx, Plan{PlanHandle: "plan-1", AssetID: "a", Path: "/a.mp4"})
	_ = reg.Upsert(ctx, Plan{PlanHandle: "plan-1", AssetID: "b", Path: "/b.mp4"})

	path, assetID, err := reg.Resolve(ctx, "plan-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if path != "/b.mp4" || assetID != "b" {
		t.Errorf("Resolve after overwrite = (%q, %q), want (/b.mp4, b)", path, assetID)
	}
}

func TestResolve_NotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, _, err := reg.Resolve(context.Background(), "missing")
	if playouterr.KindOf(err) != playouterr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_ = reg.Upsert(ctx, Plan{PlanHandle: "plan-1", AssetID: "a", Path: "/a.mp4"})

	if err := reg.Delete(ctx, "plan-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := reg.Resolve(ctx, "plan-1"); playouterr.KindOf(err) != playouterr.KindNotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}
