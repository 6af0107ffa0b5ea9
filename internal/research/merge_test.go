package research

import (
	"slices"
	"testing"
	"time"
)

func Test_Merge_PatchReplacesOnlySuppliedSections(t *testing.T) {
	t.Parallel()

	old := Output{
		TechniqueID: "T1055",
		Platform:    "windows",
		Description: "old description",
		Detection:   "old detection",
		Confidence:  7,
	}
	patch := Output{Detection: "new detection", Playbook: "new playbook"}

	got := Merge(old, patch)

	if got.Description != "old description" {
		t.Errorf("Description = %q, want preserved old value", got.Description)
	}
	if got.Detection != "new detection" {
		t.Errorf("Detection = %q, want patch value", got.Detection)
	}
	if got.Playbook != "new playbook" {
		t.Errorf("Playbook = %q, want patch value", got.Playbook)
	}
	if got.Confidence != 7 {
		t.Errorf("Confidence = %v, want 7 (patch carried none)", got.Confidence)
	}
	if old.Detection != "old detection" {
		t.Errorf("Merge mutated its old argument: Detection = %q", old.Detection)
	}
}

func Test_Merge_UnionsListsInFirstSeenOrder(t *testing.T) {
	t.Parallel()

	old := Output{Sources: []string{"doc-a", "doc-b"}, Tags: []string{"persistence"}}
	patch := Output{Sources: []string{"doc-b", "doc-c"}, Tags: []string{"execution", "persistence"}}

	got := Merge(old, patch)

	wantSources := []string{"doc-a", "doc-b", "doc-c"}
	if !slices.Equal(got.Sources, wantSources) {
		t.Errorf("Sources = %v, want %v", got.Sources, wantSources)
	}
	wantTags := []string{"persistence", "execution"}
	if !slices.Equal(got.Tags, wantTags) {
		t.Errorf("Tags = %v, want %v", got.Tags, wantTags)
	}
}

func Test_Merge_CapsRelatedTechniques(t *testing.T) {
	t.Parallel()

	old := Output{Related: []string{"T1001", "T1002", "T1003", "T1004", "T1005", "T1006"}}
	patch := Output{Related: []string{"T1007", "T1008", "T1009", "T1010", "T1011", "T1012"}}

	got := Merge(old, patch)

	if len(got.Related) != RelatedLimit {
		t.Fatalf("len(Related) = %d, want %d", len(got.Related), RelatedLimit)
	}
	if got.Related[0] != "T1001" || got.Related[RelatedLimit-1] != "T1010" {
		t.Errorf("Related = %v, want old entries first then patch up to the cap", got.Related)
	}
}

func Test_Merge_OverlaysCustomPerKey(t *testing.T) {
	t.Parallel()

	old := Output{Custom: map[string]string{"analyst": "kb", "review": "pending"}}
	patch := Output{Custom: map[string]string{"review": "done", "ticket": "SEC-91"}}

	got := Merge(old, patch)

	want := map[string]string{"analyst": "kb", "review": "done", "ticket": "SEC-91"}
	for k, v := range want {
		if got.Custom[k] != v {
			t.Errorf("Custom[%q] = %q, want %q", k, got.Custom[k], v)
		}
	}
	if old.Custom["review"] != "pending" {
		t.Errorf("Merge mutated old.Custom: review = %q", old.Custom["review"])
	}
}

func Test_Merge_RescoresResult(t *testing.T) {
	t.Parallel()

	old := Output{TechniqueID: "T1059", Platform: "linux", Description: "a"}
	patch := Output{Detection: "b", Mitigation: "c"}

	got := Merge(old, patch)

	if !almostEqual(got.Completeness, 0.5) {
		t.Errorf("Completeness = %v, want 0.5 after merging to 3 of 6 sections", got.Completeness)
	}
	if got.Quality != QualityScore(&got) {
		t.Errorf("Quality = %v, want recomputed %v", got.Quality, QualityScore(&got))
	}
}

func Test_Merge_KeepsOldCreatedAt(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)

	old := Output{CreatedAt: created, UpdatedAt: created}
	patch := Output{UpdatedAt: updated}

	got := Merge(old, patch)

	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want original %v", got.CreatedAt, created)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want patch %v", got.UpdatedAt, updated)
	}
}
