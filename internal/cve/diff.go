package cve

import (
	"fmt"
	"strconv"
)

// Field names referenced by change items and ignore sets.
const (
	FieldTitle           = "title"
	FieldDescription     = "description"
	FieldStatus          = "status"
	FieldSeverity        = "severity"
	FieldCVSSScore       = "cvss_score"
	FieldCommentCount    = "comment_count"
	FieldReferences      = "references"
	FieldProofsOfConcept = "proofs_of_concept"
	FieldDetectionRules  = "detection_rules"
	FieldLastModifiedAt  = "last_modified_at"
	FieldLastModifiedBy  = "last_modified_by"
)

// DefaultIgnoreFields is the ignore set used by update flows: the
// modification stamp itself must never register as a change.
func DefaultIgnoreFields() map[string]struct{} {
	return map[string]struct{}{
		FieldLastModifiedAt: {},
		FieldLastModifiedBy: {},
	}
}

type scalarField struct {
	name    string
	display string
	value   func(Record) string
}

// scalarFields fixes the emission order for scalar change items.
var scalarFields = []scalarField{
	{FieldTitle, "Title", func(r Record) string { return r.Title }},
	{FieldDescription, "Description", func(r Record) string { return r.Description }},
	{FieldStatus, "Status", func(r Record) string { return string(r.Status) }},
	{FieldSeverity, "Severity", func(r Record) string { return string(r.Severity) }},
	{FieldCVSSScore, "CVSS Score", func(r Record) string {
		if r.CVSSScore == 0 {
			return ""
		}
		return strconv.FormatFloat(r.CVSSScore, 'f', -1, 64)
	}},
}

// Detect computes the ordered list of semantic changes between two
// versions of a record. It is a pure function: no I/O, deterministic,
// and safe to call from concurrent mutation paths. Fields named in
// ignore are skipped entirely. Collection fields are diffed by natural
// key (reference URL, proof-of-concept URL, rule text), never by
// position, so reordering emits nothing; adds are emitted before
// removals for the same field.
func Detect(oldRec, newRec Record, ignore map[string]struct{}) []ChangeItem {
	var changes []ChangeItem

	for _, f := range scalarFields {
		if _, skip := ignore[f.name]; skip {
			continue
		}
		if item, ok := diffScalar(f, f.value(oldRec), f.value(newRec)); ok {
			changes = append(changes, item)
		}
	}

	if _, skip := ignore[FieldCommentCount]; !skip {
		if item, ok := diffCommentCount(oldRec.CommentCount, newRec.CommentCount); ok {
			changes = append(changes, item)
		}
	}

	if _, skip := ignore[FieldReferences]; !skip {
		changes = append(changes, diffCollection(
			FieldReferences, "References", "reference", "references",
			referenceItems(oldRec.References), referenceItems(newRec.References),
		)...)
	}
	if _, skip := ignore[FieldProofsOfConcept]; !skip {
		changes = append(changes, diffCollection(
			FieldProofsOfConcept, "Proofs of Concept", "proof of concept", "proofs of concept",
			pocItems(oldRec.ProofsOfConcept), pocItems(newRec.ProofsOfConcept),
		)...)
	}
	if _, skip := ignore[FieldDetectionRules]; !skip {
		changes = append(changes, diffCollection(
			FieldDetectionRules, "Detection Rules", "detection rule", "detection rules",
			ruleItems(oldRec.DetectionRules), ruleItems(newRec.DetectionRules),
		)...)
	}

	return changes
}

func diffScalar(f scalarField, before, after string) (ChangeItem, bool) {
	if before == after {
		return ChangeItem{}, false
	}
	item := ChangeItem{
		Field:       f.name,
		DisplayName: f.display,
		Action:      ActionEdit,
		DetailLevel: DetailDetailed,
		Before:      before,
		After:       after,
		Summary:     f.display + " changed",
	}
	if before == "" {
		item.Action = ActionAdd
		item.Summary = f.display + " added"
	}
	return item, true
}

func diffCommentCount(before, after int) (ChangeItem, bool) {
	if before == after {
		return ChangeItem{}, false
	}
	return ChangeItem{
		Field:       FieldCommentCount,
		DisplayName: "Comments",
		Action:      ActionCountChange,
		DetailLevel: DetailSimple,
		Before:      strconv.Itoa(before),
		After:       strconv.Itoa(after),
		Summary:     fmt.Sprintf("Comment count changed from %d to %d", before, after),
	}, true
}

// keyedItem is a collection element reduced to its natural key plus the
// stable display subset carried in ChangeItem.Items.
type keyedItem struct {
	key     string
	display map[string]string
}

func referenceItems(refs []Reference) []keyedItem {
	out := make([]keyedItem, 0, len(refs))
	for _, ref := range refs {
		out = append(out, keyedItem{
			key:     ref.URL,
			display: map[string]string{"url": ref.URL, "source": ref.Source},
		})
	}
	return out
}

func pocItems(pocs []ProofOfConcept) []keyedItem {
	out := make([]keyedItem, 0, len(pocs))
	for _, poc := range pocs {
		out = append(out, keyedItem{
			key:     poc.URL,
			display: map[string]string{"url": poc.URL, "source": poc.Source},
		})
	}
	return out
}

func ruleItems(rules []DetectionRule) []keyedItem {
	out := make([]keyedItem, 0, len(rules))
	for _, rule := range rules {
		out = append(out, keyedItem{
			key:     rule.Rule,
			display: map[string]string{"rule": rule.Rule, "type": rule.Type},
		})
	}
	return out
}

// diffCollection emits at most one add item and one delete item. Added
// elements keep the new version's order, removed elements keep the old
// version's order. Duplicate natural keys collapse to the last
// occurrence (last write wins).
func diffCollection(field, display, singular, plural string, oldItems, newItems []keyedItem) []ChangeItem {
	oldKeys := keySet(oldItems)
	newKeys := keySet(newItems)

	var added, removed []map[string]string
	seen := make(map[string]struct{})
	for _, item := range newItems {
		if _, dup := seen[item.key]; dup {
			continue
		}
		seen[item.key] = struct{}{}
		if _, ok := oldKeys[item.key]; !ok {
			added = append(added, item.display)
		}
	}
	seen = make(map[string]struct{})
	for _, item := range oldItems {
		if _, dup := seen[item.key]; dup {
			continue
		}
		seen[item.key] = struct{}{}
		if _, ok := newKeys[item.key]; !ok {
			removed = append(removed, item.display)
		}
	}

	var changes []ChangeItem
	if len(added) > 0 {
		changes = append(changes, ChangeItem{
			Field:       field,
			DisplayName: display,
			Action:      ActionAdd,
			DetailLevel: DetailSimple,
			Items:       added,
			Summary:     fmt.Sprintf("%d %s added", len(added), pluralize(singular, plural, len(added))),
		})
	}
	if len(removed) > 0 {
		changes = append(changes, ChangeItem{
			Field:       field,
			DisplayName: display,
			Action:      ActionDelete,
			DetailLevel: DetailSimple,
			Items:       removed,
			Summary:     fmt.Sprintf("%d %s removed", len(removed), pluralize(singular, plural, len(removed))),
		})
	}
	return changes
}

func keySet(items []keyedItem) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item.key] = struct{}{}
	}
	return out
}

func pluralize(singular, plural string, n int) string {
	if n == 1 {
		return singular
	}
	return plural
}
