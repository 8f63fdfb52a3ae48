package steps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

func TestRunSeeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.cfg.Updater.Seeds.Default = []string{"RolesSeeder", "PlansSeeder"}
	step := NewRunSeedsStep(h.deps)

	rc, _ := h.newRun(t, pipeline.Options{Seed: true})
	require.True(t, step.ShouldRun(rc))
	require.NoError(t, step.Handle(ctx, rc))
	assert.Equal(t, []string{"RolesSeeder", "PlansSeeder"}, rc.SeedsApplied)

	rc2, events := h.newRun(t, pipeline.Options{Seeders: []string{"RolesSeeder"}})
	require.NoError(t, step.Handle(ctx, rc2))
	assert.Empty(t, rc2.SeedsApplied)
	assert.True(t, events.has("Seeder already applied"))

	rc3, _ := h.newRun(t, pipeline.Options{Seeders: []string{"RolesSeeder"}, ForceSeedReapply: true})
	require.NoError(t, step.Handle(ctx, rc3))
	assert.Equal(t, []string{"RolesSeeder"}, rc3.SeedsApplied)

	assert.Equal(t, []string{
		"php artisan db:seed --class='RolesSeeder' --force",
		"php artisan db:seed --class='PlansSeeder' --force",
		"php artisan db:seed --class='RolesSeeder' --force",
	}, h.runner.Calls())
}

func TestRunSeeds_SeederNames(t *testing.T) {
	tests := []struct {
		name     string
		seeder   string
		wantLine string
		wantErr  bool
	}{
		{
			name:     "namespaced class",
			seeder:   `Database\Seeders\RolesSeeder`,
			wantLine: `php artisan db:seed --class='Database\Seeders\RolesSeeder' --force`,
		},
		{name: "shell metacharacters", seeder: "RolesSeeder; rm -rf /", wantErr: true},
		{name: "quote", seeder: "Roles'Seeder", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			// Config defaults bypass option validation, so the step checks too.
			h.cfg.Updater.Seeds.Default = []string{tt.seeder}

			rc, _ := h.newRun(t, pipeline.Options{Seed: true})
			err := NewRunSeedsStep(h.deps).Handle(context.Background(), rc)

			if tt.wantErr {
				require.Error(t, err)
				assert.Empty(t, h.runner.Calls())

				return
			}

			require.NoError(t, err)
			assert.Equal(t, []string{tt.wantLine}, h.runner.Calls())
		})
	}
}

func TestRunSeeds_DryRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rc, events := h.newRun(t, pipeline.Options{Seeders: []string{"RolesSeeder"}, DryRun: true})
	require.NoError(t, NewRunSeedsStep(h.deps).Handle(ctx, rc))

	assert.Empty(t, h.runner.Calls())
	assert.True(t, events.has("Seeding skipped (dry run)"))

	applied, err := h.store.HasSeed(ctx, "RolesSeeder")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplySQLPatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dir := filepath.Join(h.appDir, "database", "patches")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_settings.sql"),
		[]byte("CREATE TABLE settings (k TEXT PRIMARY KEY, v TEXT); INSERT INTO settings VALUES ('theme', 'dark');"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_flags.sql"),
		[]byte("INSERT INTO settings VALUES ('beta', '1');"), 0o600))

	h.cfg.Updater.Patches.Path = "database/patches"
	step := NewApplySQLPatchesStep(h.deps)

	dry, events := h.newRun(t, pipeline.Options{DryRun: true})
	require.NoError(t, step.Handle(ctx, dry))
	assert.Empty(t, dry.PatchesApplied)
	assert.True(t, events.has("Patch pending (dry run)"))

	rc, _ := h.newRun(t, pipeline.Options{})
	require.True(t, step.ShouldRun(rc))
	require.NoError(t, step.Handle(ctx, rc))
	assert.Equal(t, []string{"001_settings", "002_flags"}, rc.PatchesApplied)

	patch, err := h.store.GetPatch(ctx, "001_settings")
	require.NoError(t, err)
	require.NotNil(t, patch.RunID)
	assert.Equal(t, rc.RunID, *patch.RunID)

	// An edited patch is reported and not re-executed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_flags.sql"),
		[]byte("INSERT INTO settings VALUES ('beta', '2');"), 0o600))

	again, events := h.newRun(t, pipeline.Options{})
	require.NoError(t, step.Handle(ctx, again))
	assert.Empty(t, again.PatchesApplied)
	assert.Equal(t, []string{"patch 002_flags changed after it was applied"}, again.Warnings())
	assert.True(t, events.has("Applied patch has changed, not reapplying"))
}

func TestApplySQLPatches_MissingDirectory(t *testing.T) {
	h := newHarness(t)
	h.cfg.Updater.Patches.Path = "database/patches"

	rc, events := h.newRun(t, pipeline.Options{})
	require.NoError(t, NewApplySQLPatchesStep(h.deps).Handle(context.Background(), rc))
	assert.True(t, events.has("No SQL patches found"))
}

func TestApplySQLPatches_FailureStops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dir := filepath.Join(h.appDir, "patches")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_broken.sql"), []byte("UPDATE missing_table SET x = 1;"), 0o600))

	h.cfg.Updater.Patches.Path = dir

	rc, _ := h.newRun(t, pipeline.Options{})
	err := NewApplySQLPatchesStep(h.deps).Handle(ctx, rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "applying patch 001_broken")

	_, err = h.store.GetPatch(ctx, "001_broken")
	require.Error(t, err)
}
