// Package audit implements the append-only JSONL audit log: event
// normalization and masking on write, order traces, and the review queue
// derived from review-flagged events.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"posnorm/internal/logging"
)

// DefaultPath is the audit log location when none is configured.
const DefaultPath = "./audit.log.jsonl"

// Record is the typed shape of an audit event. Only OrderID and EventType are
// required; everything else defaults on write.
type Record struct {
	OrderID         string         `json:"order_id"`
	EventType       string         `json:"event_type"`
	Timestamp       string         `json:"timestamp,omitempty"`
	RawText         string         `json:"raw_text,omitempty"`
	ParseResult     any            `json:"parse_result,omitempty"`
	Candidates      any            `json:"candidates,omitempty"`
	LLMRequest      any            `json:"llm_request,omitempty"`
	LLMResponse     any            `json:"llm_response,omitempty"`
	FallbackReason  string         `json:"fallback_reason,omitempty"`
	MergeResult     any            `json:"merge_result,omitempty"`
	FinalOutput     any            `json:"final_output,omitempty"`
	HumanCorrection map[string]any `json:"human_correction,omitempty"`
	NeedsReview     bool           `json:"needs_review,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (r Record) toMap() map[string]any {
	payload := map[string]any{
		"order_id":   r.OrderID,
		"event_type": r.EventType,
	}
	if r.Timestamp != "" {
		payload["timestamp"] = r.Timestamp
	}
	if r.RawText != "" {
		payload["raw_text"] = r.RawText
	}
	if r.ParseResult != nil {
		payload["parse_result"] = r.ParseResult
	}
	if r.Candidates != nil {
		payload["candidates"] = r.Candidates
	}
	if r.LLMRequest != nil {
		payload["llm_request"] = r.LLMRequest
	}
	if r.LLMResponse != nil {
		payload["llm_response"] = r.LLMResponse
	}
	if r.FallbackReason != "" {
		payload["fallback_reason"] = r.FallbackReason
	}
	if r.MergeResult != nil {
		payload["merge_result"] = r.MergeResult
	}
	if r.FinalOutput != nil {
		payload["final_output"] = r.FinalOutput
	}
	if r.HumanCorrection != nil {
		payload["human_correction"] = r.HumanCorrection
	}
	if r.NeedsReview {
		payload["needs_review"] = true
	}
	if r.Metadata != nil {
		payload["metadata"] = r.Metadata
	}
	return payload
}

// QueueEntry summarizes one order's pending review state.
type QueueEntry struct {
	OrderID                string         `json:"order_id"`
	LatestEventType        string         `json:"latest_event_type"`
	LatestTimestamp        string         `json:"latest_timestamp"`
	PendingEventTypes      []string       `json:"pending_event_types"`
	PendingCount           int            `json:"pending_count"`
	HasManualCorrection    bool           `json:"has_manual_correction"`
	LatestManualCorrection map[string]any `json:"latest_manual_correction"`
	RawPreview             string         `json:"raw_preview"`
}

// Trace is the folded per-order view of the log.
type Trace struct {
	OrderID           string           `json:"order_id"`
	RawText           string           `json:"raw_text"`
	ParseResult       any              `json:"parse_result"`
	Candidates        any              `json:"candidates"`
	LLMRequest        any              `json:"llm_request"`
	LLMResponse       any              `json:"llm_response"`
	FallbackReason    string           `json:"fallback_reason"`
	MergeResult       any              `json:"merge_result"`
	FinalOutput       any              `json:"final_output"`
	ManualCorrections []map[string]any `json:"manual_corrections"`
	Events            []map[string]any `json:"events"`
}

// Logger owns one JSONL audit file. Appends are serialized by a mutex so
// every event is written as one whole line.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates a Logger for path (DefaultPath when empty) and ensures
// the parent directory exists.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
	}
	return &Logger{path: path}, nil
}

// Path returns the log file location.
func (l *Logger) Path() string { return l.path }

// WriteRecord normalizes and appends a typed record.
func (l *Logger) WriteRecord(record Record, maskSensitive bool) (map[string]any, error) {
	return l.WriteEvent(record.toMap(), maskSensitive)
}

// WriteEvent normalizes, optionally masks, and appends one event. It returns
// the payload as written. order_id and event_type are required.
func (l *Logger) WriteEvent(event map[string]any, maskSensitive bool) (map[string]any, error) {
	payload, err := normalizeEvent(event)
	if err != nil {
		return nil, err
	}
	if maskSensitive {
		payload = maskLLMFields(payload)
	}

	data, err := marshalLine(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return nil, fmt.Errorf("append audit event: %w", err)
	}
	logging.Audit("event %s order=%s", payload["event_type"], payload["order_id"])
	return payload, nil
}

func marshalLine(payload map[string]any) ([]byte, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func normalizeEvent(event map[string]any) (map[string]any, error) {
	payload := make(map[string]any, len(event)+4)
	for k, v := range event {
		payload[k] = v
	}

	orderID, _ := payload["order_id"].(string)
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("audit event missing required field: order_id")
	}
	eventType, _ := payload["event_type"].(string)
	if strings.TrimSpace(eventType) == "" {
		return nil, fmt.Errorf("audit event missing required field: event_type")
	}

	setDefault(payload, "timestamp", utcNowISO())
	for _, field := range []string{
		"raw_text", "parse_result", "candidates", "llm_request", "llm_response",
		"fallback_reason", "merge_result", "final_output", "human_correction",
	} {
		setDefault(payload, field, nil)
	}
	setDefault(payload, "metadata", map[string]any{})
	setDefault(payload, "needs_review", false)

	correction, err := normalizeHumanCorrection(payload)
	if err != nil {
		return nil, err
	}
	payload["human_correction"] = correction

	return payload, nil
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

// normalizeHumanCorrection promotes legacy top-level before/after/operator/
// correction_timestamp fields into human_correction and fills the operator
// and timestamp defaults.
func normalizeHumanCorrection(payload map[string]any) (map[string]any, error) {
	correction := payload["human_correction"]
	legacyBefore := payload["before"]
	legacyAfter := payload["after"]
	legacyOperator := payload["operator"]
	legacyTimestamp := payload["correction_timestamp"]

	if correction == nil &&
		(legacyBefore != nil || legacyAfter != nil || legacyOperator != nil || legacyTimestamp != nil) {
		correction = map[string]any{
			"before":    legacyBefore,
			"after":     legacyAfter,
			"operator":  legacyOperator,
			"timestamp": legacyTimestamp,
		}
	}
	if correction == nil {
		return nil, nil
	}

	asMap, ok := correction.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("human_correction must be an object")
	}
	out := make(map[string]any, len(asMap))
	for k, v := range asMap {
		out[k] = v
	}
	if out["before"] == nil {
		out["before"] = legacyBefore
	}
	if out["after"] == nil {
		out["after"] = legacyAfter
	}

	operator, _ := out["operator"].(string)
	if strings.TrimSpace(operator) == "" {
		out["operator"] = "unknown"
	} else {
		out["operator"] = strings.TrimSpace(operator)
	}

	timestamp, _ := out["timestamp"].(string)
	if strings.TrimSpace(timestamp) == "" {
		out["timestamp"] = utcNowISO()
	}
	return out, nil
}

func utcNowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ListEvents returns the events for one order in append order.
func (l *Logger) ListEvents(orderID string) ([]map[string]any, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var events []map[string]any
	for _, event := range all {
		if id, _ := event["order_id"].(string); id == orderID {
			events = append(events, event)
		}
	}
	return events, nil
}

// ListByType returns all events of one type in append order.
func (l *Logger) ListByType(eventType string) ([]map[string]any, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var events []map[string]any
	for _, event := range all {
		if et, _ := event["event_type"].(string); et == eventType {
			events = append(events, event)
		}
	}
	return events, nil
}

// OrderTrace folds an order's events into the latest known view of each
// pipeline artifact. Later events win; raw_text and fallback_reason only when
// non-empty, the object fields whenever non-nil.
func (l *Logger) OrderTrace(orderID string) (Trace, error) {
	events, err := l.ListEvents(orderID)
	if err != nil {
		return Trace{}, err
	}
	trace := Trace{
		OrderID:           orderID,
		ManualCorrections: []map[string]any{},
		Events:            events,
	}
	for _, event := range events {
		if raw, _ := event["raw_text"].(string); strings.TrimSpace(raw) != "" {
			trace.RawText = raw
		}
		if v := event["parse_result"]; v != nil {
			trace.ParseResult = v
		}
		if v := event["candidates"]; v != nil {
			trace.Candidates = v
		}
		if v := event["llm_request"]; v != nil {
			trace.LLMRequest = v
		}
		if v := event["llm_response"]; v != nil {
			trace.LLMResponse = v
		}
		if v := event["merge_result"]; v != nil {
			trace.MergeResult = v
		}
		if v := event["final_output"]; v != nil {
			trace.FinalOutput = v
		}
		if reason, _ := event["fallback_reason"].(string); strings.TrimSpace(reason) != "" {
			trace.FallbackReason = reason
		}
		if correction, ok := event["human_correction"].(map[string]any); ok && correction != nil {
			trace.ManualCorrections = append(trace.ManualCorrections, correction)
		}
	}
	return trace, nil
}

// ReviewQueue lists orders with unresolved review-flagged events. An event
// counts as resolved when it precedes (or is) the latest manual_correction
// event carrying an "after" value.
func (l *Logger) ReviewQueue(limit int, unresolvedOnly bool) ([]QueueEntry, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}

	byOrder := make(map[string][]map[string]any)
	var orderIDs []string
	for _, event := range all {
		id, _ := event["order_id"].(string)
		if id == "" {
			continue
		}
		if _, seen := byOrder[id]; !seen {
			orderIDs = append(orderIDs, id)
		}
		byOrder[id] = append(byOrder[id], event)
	}

	var queue []QueueEntry
	for _, orderID := range orderIDs {
		events := byOrder[orderID]

		latestFixIndex := -1
		for index, event := range events {
			if et, _ := event["event_type"].(string); et != "manual_correction" {
				continue
			}
			if correction, ok := event["human_correction"].(map[string]any); ok && correction["after"] != nil {
				latestFixIndex = index
			}
		}

		var pending []map[string]any
		for index, event := range events {
			if !eventNeedsReview(event) {
				continue
			}
			if unresolvedOnly && index <= latestFixIndex {
				continue
			}
			pending = append(pending, event)
		}
		if len(pending) == 0 {
			continue
		}

		latest := events[len(events)-1]
		var latestFix map[string]any
		if latestFixIndex >= 0 {
			latestFix, _ = events[latestFixIndex]["human_correction"].(map[string]any)
		}

		var rawPreview string
		for i := len(events) - 1; i >= 0; i-- {
			if raw, _ := events[i]["raw_text"].(string); strings.TrimSpace(raw) != "" {
				rawPreview = raw
				break
			}
		}

		var pendingTypes []string
		seenType := make(map[string]bool)
		for _, event := range pending {
			et, _ := event["event_type"].(string)
			if et == "" || seenType[et] {
				continue
			}
			seenType[et] = true
			pendingTypes = append(pendingTypes, et)
		}

		latestType, _ := latest["event_type"].(string)
		latestTS, _ := latest["timestamp"].(string)
		queue = append(queue, QueueEntry{
			OrderID:                orderID,
			LatestEventType:        latestType,
			LatestTimestamp:        latestTS,
			PendingEventTypes:      pendingTypes,
			PendingCount:           len(pending),
			HasManualCorrection:    latestFixIndex >= 0,
			LatestManualCorrection: latestFix,
			RawPreview:             rawPreview,
		})
	}

	// ISO timestamps sort correctly as strings.
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].LatestTimestamp > queue[j].LatestTimestamp
	})
	if limit > 0 && len(queue) > limit {
		queue = queue[:limit]
	}
	return queue, nil
}

// eventNeedsReview is the review predicate over a logged event: an explicit
// flag, a metadata flag, a fallback reason, or a review-flagged merge/final
// payload.
func eventNeedsReview(event map[string]any) bool {
	if flag, _ := event["needs_review"].(bool); flag {
		return true
	}
	if metadata, ok := event["metadata"].(map[string]any); ok {
		if flag, _ := metadata["needs_review"].(bool); flag {
			return true
		}
	}
	if reason, _ := event["fallback_reason"].(string); strings.TrimSpace(reason) != "" {
		return true
	}
	for _, field := range []string{"merge_result", "final_output"} {
		value, ok := event[field].(map[string]any)
		if !ok {
			continue
		}
		if flag, _ := value["overall_needs_review"].(bool); flag {
			return true
		}
		if flag, _ := value["needs_review"].(bool); flag {
			return true
		}
	}
	return false
}

func (l *Logger) readAll() ([]map[string]any, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			// Skip corrupt lines rather than failing the whole query.
			logging.AuditWarn("skipping corrupt audit line: %v", err)
			continue
		}
		events = append(events, parsed)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return events, nil
}
