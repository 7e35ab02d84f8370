package cve

// Patch is a set of named optional overrides applied to a record copy.
// Nil fields leave the current value untouched; collection pointers
// replace the whole collection. CommentCountDelta adjusts the comment
// counter relative to the current value.
type Patch struct {
	Title             *string           `json:"title,omitempty"`
	Description       *string           `json:"description,omitempty"`
	Status            *Status           `json:"status,omitempty"`
	Severity          *Severity         `json:"severity,omitempty"`
	CVSSScore         *float64          `json:"cvss_score,omitempty"`
	References        *[]Reference      `json:"references,omitempty"`
	ProofsOfConcept   *[]ProofOfConcept `json:"proofs_of_concept,omitempty"`
	DetectionRules    *[]DetectionRule  `json:"detection_rules,omitempty"`
	CommentCountDelta *int              `json:"comment_count_delta,omitempty"`
}

// IsZero reports whether the patch carries no overrides at all.
func (p Patch) IsZero() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Severity == nil && p.CVSSScore == nil && p.References == nil &&
		p.ProofsOfConcept == nil && p.DetectionRules == nil &&
		p.CommentCountDelta == nil
}

// Apply returns a deep copy of rec with the patch's overrides applied.
// The receiver record is never mutated.
func (p Patch) Apply(rec Record) Record {
	out := rec.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Severity != nil {
		out.Severity = *p.Severity
	}
	if p.CVSSScore != nil {
		out.CVSSScore = *p.CVSSScore
	}
	if p.References != nil {
		out.References = append([]Reference(nil), (*p.References)...)
	}
	if p.ProofsOfConcept != nil {
		out.ProofsOfConcept = append([]ProofOfConcept(nil), (*p.ProofsOfConcept)...)
	}
	if p.DetectionRules != nil {
		out.DetectionRules = append([]DetectionRule(nil), (*p.DetectionRules)...)
	}
	if p.CommentCountDelta != nil {
		out.CommentCount += *p.CommentCountDelta
		if out.CommentCount < 0 {
			out.CommentCount = 0
		}
	}
	return out
}

// Validate rejects overrides that would produce a malformed record.
func (p Patch) Validate() error {
	if p.CVSSScore != nil && (*p.CVSSScore < 0 || *p.CVSSScore > 10) {
		return &ValidationError{Field: "cvss_score", Reason: "cvss score must be within [0,10]"}
	}
	if p.References != nil {
		for _, ref := range *p.References {
			if ref.URL == "" {
				return &ValidationError{Field: "references", Reason: "reference url is required"}
			}
		}
	}
	if p.ProofsOfConcept != nil {
		for _, poc := range *p.ProofsOfConcept {
			if poc.URL == "" {
				return &ValidationError{Field: "proofs_of_concept", Reason: "proof of concept url is required"}
			}
		}
	}
	if p.DetectionRules != nil {
		for _, rule := range *p.DetectionRules {
			if rule.Rule == "" {
				return &ValidationError{Field: "detection_rules", Reason: "rule text is required"}
			}
		}
	}
	return nil
}
