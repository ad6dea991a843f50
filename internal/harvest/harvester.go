// Package harvest collects, validates and stores the manifests produced by a
// successful generation.
package harvest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sbomer/internal/notify"
	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/model"
)

// DefaultManifestFileName is the file name generation tasks write.
const DefaultManifestFileName = "bom.json"

// ManifestStore persists manifests all-or-nothing and reports how many were
// not stored before.
type ManifestStore interface {
	StoreManifests(ctx context.Context, manifests []model.Manifest) (int, error)
}

// Result is the terminal outcome of a harvest.
type Result struct {
	Result      model.GenerationResult
	Reason      string
	ManifestIDs []string
}

// Succeeded reports whether the unit may finish successfully.
func (r Result) Succeeded() bool {
	return r.Result == model.ResultSuccess
}

// Harvester turns a finished generation's output directory into stored
// manifests. Every outcome is returned as a Result; Harvest never retries.
type Harvester struct {
	root     string
	fileName string
	store    ManifestStore
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewHarvester creates a harvester reading below root.
func NewHarvester(
	root, fileName string,
	store ManifestStore,
	notifier notify.Notifier,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Harvester {
	if fileName == "" {
		fileName = DefaultManifestFileName
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		root:     root,
		fileName: fileName,
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// OutputDir returns the directory a unit's generation writes to.
func (h *Harvester) OutputDir(u model.WorkUnit) string {
	return filepath.Join(h.root, u.Name())
}

// Harvest discovers, parses, validates, stores and announces the manifests
// of u.
func (h *Harvester) Harvest(ctx context.Context, u model.WorkUnit) Result {
	ctx, span := observability.StartSpan(ctx, "harvest",
		observability.AttrWorkUnitID.String(u.ID),
		observability.AttrGenerationType.String(string(u.Type)),
	)
	defer span.End()

	logger := observability.WorkUnitLogger(ctx, h.logger, &u)
	dir := h.OutputDir(u)

	// 1. Discover.
	files, err := Discover(dir, h.fileName)
	if err != nil {
		logger.Error("searching for manifests failed", zap.String("dir", dir), zap.Error(err))
		return failure(model.ResultErrSystem,
			fmt.Sprintf("Generation succeeded, but an error occurred while searching for manifests: %s", err))
	}
	if len(files) == 0 {
		logger.Error("no manifests found", zap.String("dir", dir))
		return failure(model.ResultErrSystem,
			"Generation succeeded, but no manifests could be found. At least one was expected. See logs for more information.")
	}
	logger.Debug("manifests discovered", zap.Strings("files", files))

	// 2. Parse.
	parsed := make([]Parsed, 0, len(files))
	for _, f := range files {
		p, err := Parse(f)
		if err != nil {
			logger.Error("reading manifest failed", zap.String("file", f), zap.Error(err))
			return failure(model.ResultErrSystem,
				"Generation succeeded, but reading generated manifests failed. See logs for more information.")
		}
		parsed = append(parsed, p)
	}

	// 3. Validate every manifest before anything is stored.
	var invalid []string
	for _, p := range parsed {
		if err := Validate(p.BOM); err != nil {
			rel, _ := filepath.Rel(dir, p.Path)
			invalid = append(invalid, fmt.Sprintf("%s: %s", rel, err))
		}
	}
	if len(invalid) > 0 {
		logger.Warn("manifest validation failed", zap.Strings("errors", invalid))
		return failure(model.ResultErrGeneration,
			fmt.Sprintf("Generation failed. One or more generated SBOMs failed validation: %s", strings.Join(invalid, "; ")))
	}

	// 4. Store all-or-nothing. Ids derive from the unit and the file, so a
	// repeated harvest of the same output stores nothing new.
	now := time.Now().UTC()
	manifests := make([]model.Manifest, 0, len(parsed))
	ids := make([]string, 0, len(parsed))
	purls := make([]string, 0, len(parsed))
	for _, p := range parsed {
		rel, _ := filepath.Rel(dir, p.Path)
		m := model.Manifest{
			ID:             model.DerivedID(u.ID, filepath.ToSlash(rel)),
			WorkUnitID:     u.ID,
			TriggerEventID: u.TriggerEventID,
			RootPurl:       RootPurl(p.BOM),
			SourcePath:     filepath.ToSlash(rel),
			Bom:            p.Raw,
			CreatedAt:      now,
		}
		manifests = append(manifests, m)
		ids = append(ids, m.ID)
		purls = append(purls, m.RootPurl)
	}
	stored, err := h.store.StoreManifests(ctx, manifests)
	if err != nil {
		logger.Error("storing manifests failed", zap.Error(err))
		return failure(model.ResultErrSystem,
			fmt.Sprintf("Generation succeeded, but storing manifests failed: %s", err))
	}
	span.SetAttributes(observability.AttrManifestCount.Int(len(manifests)))
	success := Result{
		Result:      model.ResultSuccess,
		Reason:      "Generation finished successfully. Generated manifests: " + strings.Join(ids, ", "),
		ManifestIDs: ids,
	}
	if stored == 0 {
		logger.Info("manifests were stored by an earlier harvest, skipping notification",
			zap.Strings("manifest_ids", ids))
		return success
	}
	h.metrics.RecordManifestsStored(string(u.Type), stored)

	// 5. Notify.
	ev := notify.Event{
		WorkUnitID:     u.ID,
		Identifier:     u.Identifier,
		Type:           u.Type,
		TriggerEventID: u.TriggerEventID,
		ManifestIDs:    ids,
		Purls:          purls,
		FinishedAt:     now,
	}
	if err := h.notifier.Notify(ctx, ev); err != nil {
		logger.Warn("post-processing failed", zap.Error(err))
		return Result{
			Result:      model.ResultErrPost,
			Reason:      fmt.Sprintf("Generation succeeded, but post-processing failed: %s", err),
			ManifestIDs: ids,
		}
	}

	return success
}

func failure(result model.GenerationResult, reason string) Result {
	return Result{Result: result, Reason: reason}
}
