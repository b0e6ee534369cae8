// Package contracts defines the wire-level data entities shared by every
// pipeline stage. All entities carry a contract version string so downstream
// consumers can detect incompatible payloads.
package contracts

// ContractVersion is the version stamped on every entity produced here.
const ContractVersion = "1.0.0"

// APIContractVersion is the version of the outer request/response envelopes.
const APIContractVersion = "1.1.0"

// Metadata is a free-form JSON-safe bag attached to most entities.
type Metadata = map[string]any

// GroupType enumerates the allowed grouping semantics.
type GroupType string

const (
	GroupPackTogether GroupType = "pack_together"
	GroupSeparate     GroupType = "separate"
	GroupOther        GroupType = "other"
)

// ValidGroupType reports whether s is one of the allowed group types.
func ValidGroupType(s string) bool {
	switch GroupType(s) {
	case GroupPackTogether, GroupSeparate, GroupOther:
		return true
	}
	return false
}

// CoerceGroupType returns s unchanged when valid, otherwise GroupOther.
func CoerceGroupType(s string) GroupType {
	if ValidGroupType(s) {
		return GroupType(s)
	}
	return GroupOther
}

// RawLine is a single item-bearing row selected by the parser. line_index is
// the position in the original text and survives noise skipping, so indices
// are stable but not contiguous.
type RawLine struct {
	LineIndex   int      `json:"line_index"`
	RawLine     string   `json:"raw_line"`
	NameRaw     string   `json:"name_raw"`
	Qty         int      `json:"qty"`
	NoteRaw     *string  `json:"note_raw"`
	NeedsReview bool     `json:"needs_review"`
	Metadata    Metadata `json:"metadata"`
	Version     string   `json:"version"`
}

// Mod is a modifier on an item (e.g. 加辣). ModRaw is always non-empty.
type Mod struct {
	ModRaw      string   `json:"mod_raw"`
	ModName     *string  `json:"mod_name"`
	ModValue    *string  `json:"mod_value"`
	Confidence  *float64 `json:"confidence"`
	NeedsReview bool     `json:"needs_review"`
	Metadata    Metadata `json:"metadata"`
	Version     string   `json:"version"`
}

// CandidateItem pairs a raw line with one scored catalog entry.
// ConfidenceItem here is on the 0-100 fuzzy-match scale; downstream stages
// rescale to [0,1].
type CandidateItem struct {
	LineIndex      int      `json:"line_index"`
	RawLine        string   `json:"raw_line"`
	NameRaw        string   `json:"name_raw"`
	Qty            int      `json:"qty"`
	CandidateName  string   `json:"candidate_name"`
	CandidateCode  *string  `json:"candidate_code"`
	NoteRaw        *string  `json:"note_raw"`
	Mods           []Mod    `json:"mods"`
	GroupID        *string  `json:"group_id"`
	ConfidenceItem *float64 `json:"confidence_item"`
	ConfidenceMods *float64 `json:"confidence_mods"`
	NeedsReview    bool     `json:"needs_review"`
	Metadata       Metadata `json:"metadata"`
	Version        string   `json:"version"`
}

// AuditEvent records a single noteworthy decision or correction made by a
// stage. Events flow forward through the pipeline unchanged.
type AuditEvent struct {
	EventType string   `json:"event_type"`
	Message   string   `json:"message"`
	LineIndex *int     `json:"line_index"`
	ItemIndex *int     `json:"item_index"`
	Metadata  Metadata `json:"metadata"`
	Version   string   `json:"version"`
}

// OrderRawParsed is the parser's output envelope.
type OrderRawParsed struct {
	SourceText    string    `json:"source_text"`
	Lines         []RawLine `json:"lines"`
	OrderID       *string   `json:"order_id"`
	ParseWarnings []string  `json:"parse_warnings"`
	NeedsReview   bool      `json:"needs_review"`
	Metadata      Metadata  `json:"metadata"`
	Version       string    `json:"version"`
}

// NormalizedItem is the merged, validated form of one raw line.
type NormalizedItem struct {
	LineIndex      int      `json:"line_index"`
	RawLine        string   `json:"raw_line"`
	NameRaw        string   `json:"name_raw"`
	Qty            int      `json:"qty"`
	NameNormalized string   `json:"name_normalized"`
	ItemCode       *string  `json:"item_code"`
	NoteRaw        *string  `json:"note_raw"`
	Mods           []Mod    `json:"mods"`
	GroupID        *string  `json:"group_id"`
	ConfidenceItem *float64 `json:"confidence_item"`
	ConfidenceMods *float64 `json:"confidence_mods"`
	NeedsReview    bool     `json:"needs_review"`
	Metadata       Metadata `json:"metadata"`
	Version        string   `json:"version"`
}

// GroupResult is one grouping decision over line indices.
type GroupResult struct {
	GroupID         string    `json:"group_id"`
	Type            GroupType `json:"type"`
	Label           string    `json:"label"`
	LineIndices     []int     `json:"line_indices"`
	ConfidenceGroup *float64  `json:"confidence_group"`
	NeedsReview     bool      `json:"needs_review"`
	Metadata        Metadata  `json:"metadata"`
	Version         string    `json:"version"`
}

// OrderNormalized is the final pipeline output.
type OrderNormalized struct {
	SourceText         string           `json:"source_text"`
	Items              []NormalizedItem `json:"items"`
	Groups             []GroupResult    `json:"groups"`
	OrderID            *string          `json:"order_id"`
	Lines              []RawLine        `json:"lines"`
	AuditEvents        []AuditEvent     `json:"audit_events"`
	OverallNeedsReview bool             `json:"overall_needs_review"`
	OrderConfidence    *float64         `json:"order_confidence"`
	Metadata           Metadata         `json:"metadata"`
	Version            string           `json:"version"`
}

// CandidatesByLine maps a line index to its ranked candidate list.
type CandidatesByLine = map[int][]CandidateItem

// StructuredResult is the LLM stage's output: sanitized items and groups plus
// the audit events accumulated while sanitizing.
type StructuredResult struct {
	Items       []NormalizedItem `json:"items"`
	Groups      []GroupResult    `json:"groups"`
	AuditEvents []AuditEvent     `json:"audit_events"`
	Metadata    Metadata         `json:"metadata"`
	Version     string           `json:"version"`
}

// AllowedMods is the reference list of modifier tokens. It is advisory, not a
// strict filter (mods_filter_mode is "open").
type AllowedMods = []string

// Review queue status values understood by envelope consumers.
const (
	StatusPendingReview  = "pending_review"
	StatusInReview       = "in_review"
	StatusApproved       = "approved"
	StatusRejected       = "rejected"
	StatusDispatchReady  = "dispatch_ready"
	StatusDispatched     = "dispatched"
	StatusDispatchFailed = "dispatch_failed"
)

// Dispatch status values understood by envelope consumers.
const (
	DispatchQueued  = "queued"
	DispatchSent    = "sent"
	DispatchFailed  = "failed"
	DispatchSkipped = "skipped"
)
