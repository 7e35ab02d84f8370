package cve

import (
	"strings"
	"time"
)

// Severity buckets a record's impact rating.
type Severity string

// Severity values stored on records.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

// Status represents the triage lifecycle state of a record.
type Status string

// Status values stored on records.
const (
	StatusNew       Status = "new"
	StatusAnalyzing Status = "analyzing"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusPatched   Status = "patched"
)

// Reserved actor identities used when no user is attached to a mutation.
const (
	ActorSystem  = "system"
	ActorCrawler = "crawler"
)

// Reference is an external link attached to a record. Its URL is the
// natural key when diffing two versions of the references collection.
type Reference struct {
	URL            string    `json:"url"`
	Source         string    `json:"source,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	LastModifiedBy string    `json:"last_modified_by"`
}

// ProofOfConcept links exploit code for a record, keyed by URL.
type ProofOfConcept struct {
	URL            string    `json:"url"`
	Source         string    `json:"source,omitempty"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	LastModifiedBy string    `json:"last_modified_by"`
}

// DetectionRule holds a detection signature for a record. The rule text
// itself is the natural key.
type DetectionRule struct {
	Rule           string    `json:"rule"`
	Type           string    `json:"type,omitempty"`
	Source         string    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	LastModifiedBy string    `json:"last_modified_by"`
}

// ChangeAction classifies one semantic change inside a modification entry.
type ChangeAction string

// Change actions recorded in history entries.
const (
	ActionAdd         ChangeAction = "add"
	ActionEdit        ChangeAction = "edit"
	ActionDelete      ChangeAction = "delete"
	ActionContext     ChangeAction = "context"
	ActionCountChange ChangeAction = "count_change"
)

// DetailLevel indicates how much payload a ChangeItem carries.
type DetailLevel string

// Detail levels for change items.
const (
	DetailSimple   DetailLevel = "simple"
	DetailDetailed DetailLevel = "detailed"
)

// ChangeItem is one semantic field-level or collection-level change.
// Summary is always non-empty; Items is populated only for the three
// collection fields, Before/After only for scalar fields.
type ChangeItem struct {
	Field       string              `json:"field"`
	DisplayName string              `json:"display_name"`
	Action      ChangeAction        `json:"action"`
	DetailLevel DetailLevel         `json:"detail_level"`
	Before      string              `json:"before,omitempty"`
	After       string              `json:"after,omitempty"`
	Items       []map[string]string `json:"items,omitempty"`
	Summary     string              `json:"summary"`
}

// ModificationEntry is one immutable audit-log line: who changed the
// record, when, and the ordered list of what changed.
type ModificationEntry struct {
	Actor     string       `json:"actor"`
	Timestamp time.Time    `json:"timestamp"`
	Changes   []ChangeItem `json:"changes"`
}

// Record is the tracked vulnerability entity. ModificationHistory is
// append-only; entries are never reordered or mutated after append.
type Record struct {
	ID                  string              `json:"id"`
	Title               string              `json:"title,omitempty"`
	Description         string              `json:"description,omitempty"`
	Status              Status              `json:"status,omitempty"`
	Severity            Severity            `json:"severity,omitempty"`
	CVSSScore           float64             `json:"cvss_score,omitempty"`
	CommentCount        int                 `json:"comment_count"`
	CreatedAt           time.Time           `json:"created_at"`
	CreatedBy           string              `json:"created_by"`
	LastModifiedAt      time.Time           `json:"last_modified_at"`
	LastModifiedBy      string              `json:"last_modified_by"`
	References          []Reference         `json:"references,omitempty"`
	ProofsOfConcept     []ProofOfConcept    `json:"proofs_of_concept,omitempty"`
	DetectionRules      []DetectionRule     `json:"detection_rules,omitempty"`
	ModificationHistory []ModificationEntry `json:"modification_history,omitempty"`
}

// CanonicalID normalizes a CVE identifier for case-insensitive
// comparison and storage ("cve-2024-0001" -> "CVE-2024-0001").
func CanonicalID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Clone returns a deep copy so callers can mutate the result without
// sharing collection or history backing arrays.
func (r Record) Clone() Record {
	out := r
	out.References = append([]Reference(nil), r.References...)
	out.ProofsOfConcept = append([]ProofOfConcept(nil), r.ProofsOfConcept...)
	out.DetectionRules = append([]DetectionRule(nil), r.DetectionRules...)
	out.ModificationHistory = append([]ModificationEntry(nil), r.ModificationHistory...)
	return out
}

// Validate enforces the minimum shape required before persisting.
func (r Record) Validate() error {
	id := CanonicalID(r.ID)
	if id == "" {
		return &ValidationError{Field: "id", Reason: "id is required"}
	}
	if !strings.HasPrefix(id, "CVE-") {
		return &ValidationError{Field: "id", Reason: "id must look like CVE-YYYY-NNNN"}
	}
	if r.CVSSScore < 0 || r.CVSSScore > 10 {
		return &ValidationError{Field: "cvss_score", Reason: "cvss score must be within [0,10]"}
	}
	return nil
}
