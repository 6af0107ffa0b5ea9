package research

// Merge overlays patch onto old and returns the result rescored. Neither
// argument is mutated, so the store can apply the merge and persist it in
// one atomic write.
//
// Sections and scalar fields replace only when the patch carries a value;
// Sources, Tags, and Related union in first-seen order (Related capped at
// RelatedLimit); Custom overlays per key.
func Merge(old, patch Output) Output {
	out := old
	out.TechniqueID = firstNonEmpty(patch.TechniqueID, old.TechniqueID)
	out.Platform = firstNonEmpty(patch.Platform, old.Platform)
	out.TechniqueName = firstNonEmpty(patch.TechniqueName, old.TechniqueName)
	out.Category = firstNonEmpty(patch.Category, old.Category)
	out.ResearchContext = firstNonEmpty(patch.ResearchContext, old.ResearchContext)

	for _, s := range RequiredSections {
		if text := patch.SectionText(s); text != "" {
			out.SetSection(s, text)
		}
	}

	if patch.Confidence > 0 {
		out.Confidence = patch.Confidence
	}

	out.Sources = unionStrings(old.Sources, patch.Sources, 0)
	out.Tags = unionStrings(old.Tags, patch.Tags, 0)
	out.Related = unionStrings(old.Related, patch.Related, RelatedLimit)

	if len(old.Custom) > 0 || len(patch.Custom) > 0 {
		custom := make(map[string]string, len(old.Custom)+len(patch.Custom))
		for k, v := range old.Custom {
			custom[k] = v
		}
		for k, v := range patch.Custom {
			custom[k] = v
		}
		out.Custom = custom
	}

	if out.CreatedAt.IsZero() {
		out.CreatedAt = patch.CreatedAt
	}
	if patch.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = patch.UpdatedAt
	}

	out.Rescore()
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// unionStrings appends the members of b not already in a, preserving
// first-seen order. limit > 0 caps the result length.
func unionStrings(a, b []string, limit int) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	return out
}
