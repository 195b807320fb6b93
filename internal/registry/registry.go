// Package registry implements FeatureRegistry: a deduplication-aware
// record of "already implemented" features per project, used to suppress
// re-proposing work an agent has already delivered.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/store"
)

// defaultSimilarityThreshold is filter_ideation's default cutoff.
const defaultSimilarityThreshold = 0.86

const documentKeyPrefix = "feature_registry/"

type document struct {
	Records []nexus.FeatureRecord `json:"records"`
}

// Registry is the StateStore-backed FeatureRegistry.
type Registry struct {
	backend        store.StateStore
	clock          clock.Clock
	maxItemsPerProject int
}

// New constructs a Registry. maxItemsPerProject bounds List's result size;
// 0 means unbounded.
func New(backend store.StateStore, clk clock.Clock, maxItemsPerProject int) *Registry {
	return &Registry{backend: backend, clock: clk, maxItemsPerProject: maxItemsPerProject}
}

func titleHash(title string) string {
	normalized := strings.ToLower(strings.TrimSpace(title))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func (r *Registry) key(projectKey string) string {
	return documentKeyPrefix + projectKey
}

func (r *Registry) load(ctx context.Context, projectKey string) (*document, error) {
	var doc document
	ok, err := store.LoadInto(ctx, r.backend, r.key(projectKey), &doc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load feature registry for project %q", projectKey)
	}
	if !ok {
		doc = document{}
	}
	return &doc, nil
}

func (r *Registry) save(ctx context.Context, projectKey string, doc *document) error {
	if err := r.backend.Save(ctx, r.key(projectKey), doc); err != nil {
		return errors.Wrapf(err, "failed to save feature registry for project %q", projectKey)
	}
	return nil
}

func mergeAliases(existing, incoming []string) []string {
	seen := map[string]bool{}
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, a := range existing {
		if !seen[a] {
			seen[a] = true
			merged = append(merged, a)
		}
	}
	for _, a := range incoming {
		if !seen[a] {
			seen[a] = true
			merged = append(merged, a)
		}
	}
	return merged
}

// Upsert inserts or merges a feature record, keyed on (project_key,
// sha256(lower(trim(title)))). On conflict, aliases are unioned; the
// manual override flag is replaced only when manualOverride is true,
// otherwise the existing flag is preserved.
func (r *Registry) Upsert(ctx context.Context, projectKey, canonicalTitle string, aliases []string, sourceIssue, sourcePR string, manualOverride bool) (nexus.FeatureRecord, error) {
	doc, err := r.load(ctx, projectKey)
	if err != nil {
		return nexus.FeatureRecord{}, err
	}

	hash := titleHash(canonicalTitle)
	for i := range doc.Records {
		if doc.Records[i].CanonicalTitleHash != hash {
			continue
		}
		doc.Records[i].Aliases = mergeAliases(doc.Records[i].Aliases, aliases)
		if manualOverride {
			doc.Records[i].ManualOverride = true
		}
		if sourceIssue != "" {
			doc.Records[i].SourceIssue = sourceIssue
		}
		if sourcePR != "" {
			doc.Records[i].SourcePR = sourcePR
		}
		if err := r.save(ctx, projectKey, doc); err != nil {
			return nexus.FeatureRecord{}, err
		}
		return doc.Records[i], nil
	}

	rec := nexus.FeatureRecord{
		FeatureID:          uuid.NewString(),
		ProjectKey:         projectKey,
		CanonicalTitle:     canonicalTitle,
		CanonicalTitleHash: hash,
		Aliases:            mergeAliases(nil, aliases),
		SourceIssue:        sourceIssue,
		SourcePR:           sourcePR,
		ManualOverride:     manualOverride,
		CreatedAt:          r.clock.Now().Unix(),
	}
	doc.Records = append(doc.Records, rec)
	if err := r.save(ctx, projectKey, doc); err != nil {
		return nexus.FeatureRecord{}, err
	}
	return rec, nil
}

// List returns a project's records ordered by created_at descending,
// bounded by maxItemsPerProject.
func (r *Registry) List(ctx context.Context, projectKey string) ([]nexus.FeatureRecord, error) {
	doc, err := r.load(ctx, projectKey)
	if err != nil {
		return nil, err
	}

	out := make([]nexus.FeatureRecord, len(doc.Records))
	copy(out, doc.Records)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })

	if r.maxItemsPerProject > 0 && len(out) > r.maxItemsPerProject {
		out = out[:r.maxItemsPerProject]
	}
	return out, nil
}

// Forget removes a record matched by feature_id first, falling back to
// canonical title. Returns the removed record, or nil if no match.
func (r *Registry) Forget(ctx context.Context, projectKey, featureRef string) (*nexus.FeatureRecord, error) {
	doc, err := r.load(ctx, projectKey)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, rec := range doc.Records {
		if rec.FeatureID == featureRef {
			idx = i
			break
		}
	}
	if idx == -1 {
		hash := titleHash(featureRef)
		for i, rec := range doc.Records {
			if rec.CanonicalTitleHash == hash {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return nil, nil
	}

	removed := doc.Records[idx]
	doc.Records = append(doc.Records[:idx], doc.Records[idx+1:]...)
	if err := r.save(ctx, projectKey, doc); err != nil {
		return nil, err
	}
	return &removed, nil
}

// FilterIdeation keeps only candidate titles whose similarity to every
// existing canonical title falls below threshold (0 uses the default of
// 0.86). With an empty registry, every candidate is kept.
func (r *Registry) FilterIdeation(ctx context.Context, projectKey string, items []string, threshold float64) (kept []string, removed []string, err error) {
	if threshold <= 0 {
		threshold = defaultSimilarityThreshold
	}

	doc, err := r.load(ctx, projectKey)
	if err != nil {
		return nil, nil, err
	}

	for _, item := range items {
		normalizedItem := strings.ToLower(strings.TrimSpace(item))
		duplicate := false
		for _, rec := range doc.Records {
			normalizedExisting := strings.ToLower(strings.TrimSpace(rec.CanonicalTitle))
			if similarityRatio(normalizedItem, normalizedExisting) >= threshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			removed = append(removed, item)
		} else {
			kept = append(kept, item)
		}
	}
	return kept, removed, nil
}

// IngestCompletion inserts a record only when payload.Status == "complete"
// and a key finding begins with "Feature:" or "Implemented:"; the title is
// extracted from that line. Returns nil, nil when the payload does not
// qualify — conservative by design.
func (r *Registry) IngestCompletion(ctx context.Context, projectKey, issueID string, payload nexus.CompletionSummary) (*nexus.FeatureRecord, error) {
	if payload.Status != nexus.CompletionStatusComplete {
		return nil, nil
	}

	var title string
	for _, finding := range payload.KeyFindings {
		trimmed := strings.TrimSpace(finding)
		for _, prefix := range []string{"Feature:", "Implemented:"} {
			if strings.HasPrefix(trimmed, prefix) {
				title = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
				break
			}
		}
		if title != "" {
			break
		}
	}
	if title == "" {
		return nil, nil
	}

	rec, err := r.Upsert(ctx, projectKey, title, nil, issueID, "", false)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
