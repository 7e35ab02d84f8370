package cve

// FieldModificationHistory names the history collection in projections.
const FieldModificationHistory = "modification_history"

// Project reduces a record to the named fields. The id always
// survives; unknown field names are ignored.
func Project(rec Record, fields []string) Record {
	keep := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		keep[f] = struct{}{}
	}
	out := Record{ID: rec.ID}
	if _, ok := keep[FieldTitle]; ok {
		out.Title = rec.Title
	}
	if _, ok := keep[FieldDescription]; ok {
		out.Description = rec.Description
	}
	if _, ok := keep[FieldStatus]; ok {
		out.Status = rec.Status
	}
	if _, ok := keep[FieldSeverity]; ok {
		out.Severity = rec.Severity
	}
	if _, ok := keep[FieldCVSSScore]; ok {
		out.CVSSScore = rec.CVSSScore
	}
	if _, ok := keep[FieldCommentCount]; ok {
		out.CommentCount = rec.CommentCount
	}
	if _, ok := keep[FieldReferences]; ok {
		out.References = rec.References
	}
	if _, ok := keep[FieldProofsOfConcept]; ok {
		out.ProofsOfConcept = rec.ProofsOfConcept
	}
	if _, ok := keep[FieldDetectionRules]; ok {
		out.DetectionRules = rec.DetectionRules
	}
	if _, ok := keep[FieldModificationHistory]; ok {
		out.ModificationHistory = rec.ModificationHistory
	}
	if _, ok := keep[FieldLastModifiedAt]; ok {
		out.LastModifiedAt = rec.LastModifiedAt
	}
	return out
}
