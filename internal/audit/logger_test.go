package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempLogger(t *testing.T) *Logger {
	t.Helper()
	logger, err := NewLogger(filepath.Join(t.TempDir(), "audit.log.jsonl"))
	require.NoError(t, err)
	return logger
}

func TestWriteEvent_RequiredFields(t *testing.T) {
	logger := tempLogger(t)

	_, err := logger.WriteEvent(map[string]any{"event_type": "ingest_received"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order_id")

	_, err = logger.WriteEvent(map[string]any{"order_id": "o-1"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_type")

	_, err = logger.WriteEvent(map[string]any{"order_id": "  ", "event_type": "x"}, false)
	require.Error(t, err)
}

func TestWriteEvent_Defaults(t *testing.T) {
	logger := tempLogger(t)

	payload, err := logger.WriteEvent(map[string]any{
		"order_id":   "o-1",
		"event_type": "ingest_received",
	}, false)
	require.NoError(t, err)

	ts, ok := payload["timestamp"].(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())

	assert.Equal(t, map[string]any{}, payload["metadata"])
	assert.Equal(t, false, payload["needs_review"])
	for _, field := range []string{
		"raw_text", "parse_result", "candidates", "llm_request", "llm_response",
		"fallback_reason", "merge_result", "final_output", "human_correction",
	} {
		require.Contains(t, payload, field)
		assert.Nil(t, payload[field])
	}
}

func TestWriteEvent_KeepsCallerTimestamp(t *testing.T) {
	logger := tempLogger(t)
	payload, err := logger.WriteEvent(map[string]any{
		"order_id":   "o-1",
		"event_type": "final_output",
		"timestamp":  "2026-01-02T03:04:05Z",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", payload["timestamp"])
}

func TestWriteEvent_MasksOnlyLLMFields(t *testing.T) {
	logger := tempLogger(t)
	payload, err := logger.WriteEvent(map[string]any{
		"order_id":   "o-1",
		"event_type": "llm_call",
		"raw_text":   "聯絡 someone@example.com",
		"llm_request": map[string]any{
			"api_key": "sk-super-secret",
			"prompt":  "鍋貼 x2",
			"contact": "someone@example.com",
		},
		"llm_response": map[string]any{
			"session_token": "abc",
			"content":       "ok",
		},
	}, true)
	require.NoError(t, err)

	request := payload["llm_request"].(map[string]any)
	assert.Equal(t, "***", request["api_key"])
	assert.Equal(t, "***", request["contact"])
	assert.Equal(t, "鍋貼 x2", request["prompt"])

	response := payload["llm_response"].(map[string]any)
	assert.Equal(t, "***", response["session_token"])
	assert.Equal(t, "ok", response["content"])

	// Masking is scoped to the LLM payloads.
	assert.Equal(t, "聯絡 someone@example.com", payload["raw_text"])
}

func TestMaskValue_CredentialLikeStrings(t *testing.T) {
	assert.Equal(t, "***", maskValue("sk1234567890abcdef"))
	assert.Equal(t, "short1", maskValue("short1"))
	assert.Equal(t, "純文字備註內容超過十六個字但沒有數字", maskValue("純文字備註內容超過十六個字但沒有數字"))
	assert.Equal(t, 42, maskValue(42))
}

func TestWriteEvent_LegacyCorrectionPromoted(t *testing.T) {
	logger := tempLogger(t)
	payload, err := logger.WriteEvent(map[string]any{
		"order_id":   "o-1",
		"event_type": "manual_correction",
		"before":     map[string]any{"qty": float64(1)},
		"after":      map[string]any{"qty": float64(2)},
	}, false)
	require.NoError(t, err)

	correction, ok := payload["human_correction"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"qty": float64(1)}, correction["before"])
	assert.Equal(t, map[string]any{"qty": float64(2)}, correction["after"])
	assert.Equal(t, "unknown", correction["operator"])
	assert.NotEmpty(t, correction["timestamp"])
}

func TestWriteEvent_CorrectionMustBeObject(t *testing.T) {
	logger := tempLogger(t)
	_, err := logger.WriteEvent(map[string]any{
		"order_id":         "o-1",
		"event_type":       "manual_correction",
		"human_correction": "fixed it",
	}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "human_correction must be an object")
}

func TestListEventsAndListByType(t *testing.T) {
	logger := tempLogger(t)
	for _, event := range []map[string]any{
		{"order_id": "o-1", "event_type": "ingest_received"},
		{"order_id": "o-2", "event_type": "ingest_received"},
		{"order_id": "o-1", "event_type": "final_output"},
	} {
		_, err := logger.WriteEvent(event, false)
		require.NoError(t, err)
	}

	events, err := logger.ListEvents("o-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ingest_received", events[0]["event_type"])
	assert.Equal(t, "final_output", events[1]["event_type"])

	byType, err := logger.ListByType("ingest_received")
	require.NoError(t, err)
	require.Len(t, byType, 2)
	assert.Equal(t, "o-1", byType[0]["order_id"])
	assert.Equal(t, "o-2", byType[1]["order_id"])
}

func TestOrderTrace_LaterEventsWin(t *testing.T) {
	logger := tempLogger(t)

	_, err := logger.WriteRecord(Record{
		OrderID:     "o-1",
		EventType:   "ingest_received",
		RawText:     "鍋貼 x2",
		ParseResult: map[string]any{"lines": float64(1)},
	}, false)
	require.NoError(t, err)
	_, err = logger.WriteRecord(Record{
		OrderID:        "o-1",
		EventType:      "llm_fallback",
		FallbackReason: "llm_timeout",
	}, false)
	require.NoError(t, err)
	_, err = logger.WriteRecord(Record{
		OrderID:     "o-1",
		EventType:   "final_output",
		FinalOutput: map[string]any{"overall_needs_review": true},
		HumanCorrection: map[string]any{
			"before": "a", "after": "b", "operator": "amy",
		},
	}, false)
	require.NoError(t, err)

	trace, err := logger.OrderTrace("o-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", trace.OrderID)
	assert.Equal(t, "鍋貼 x2", trace.RawText)
	assert.Equal(t, map[string]any{"lines": float64(1)}, trace.ParseResult)
	assert.Equal(t, "llm_timeout", trace.FallbackReason)
	assert.Equal(t, map[string]any{"overall_needs_review": true}, trace.FinalOutput)
	require.Len(t, trace.ManualCorrections, 1)
	assert.Equal(t, "amy", trace.ManualCorrections[0]["operator"])
	assert.Len(t, trace.Events, 3)
}

func TestReviewQueue(t *testing.T) {
	logger := tempLogger(t)

	write := func(event map[string]any) {
		t.Helper()
		_, err := logger.WriteEvent(event, false)
		require.NoError(t, err)
	}

	// o-1 gets flagged, then fully corrected.
	write(map[string]any{
		"order_id": "o-1", "event_type": "final_output",
		"needs_review": true, "raw_text": "鍋貼 x2",
		"timestamp": "2026-08-01T00:00:01Z",
	})
	write(map[string]any{
		"order_id": "o-1", "event_type": "manual_correction",
		"human_correction": map[string]any{"after": map[string]any{"qty": float64(2)}},
		"timestamp":        "2026-08-01T00:00:02Z",
	})

	// o-2 stays flagged.
	write(map[string]any{
		"order_id": "o-2", "event_type": "llm_fallback",
		"fallback_reason": "llm_timeout", "raw_text": "酸辣湯 x1",
		"timestamp": "2026-08-01T00:00:03Z",
	})

	// o-3 gets flagged again after its correction.
	write(map[string]any{
		"order_id": "o-3", "event_type": "final_output",
		"needs_review": true, "timestamp": "2026-08-01T00:00:04Z",
	})
	write(map[string]any{
		"order_id": "o-3", "event_type": "manual_correction",
		"human_correction": map[string]any{"after": map[string]any{}},
		"timestamp":        "2026-08-01T00:00:05Z",
	})
	write(map[string]any{
		"order_id": "o-3", "event_type": "final_output",
		"needs_review": true, "timestamp": "2026-08-01T00:00:06Z",
	})

	t.Run("unresolved only", func(t *testing.T) {
		queue, err := logger.ReviewQueue(20, true)
		require.NoError(t, err)
		require.Len(t, queue, 2)
		// Newest latest-event first.
		assert.Equal(t, "o-3", queue[0].OrderID)
		assert.Equal(t, "o-2", queue[1].OrderID)

		assert.True(t, queue[0].HasManualCorrection)
		assert.Equal(t, 1, queue[0].PendingCount)
		assert.False(t, queue[1].HasManualCorrection)
		assert.Equal(t, []string{"llm_fallback"}, queue[1].PendingEventTypes)
		assert.Equal(t, "酸辣湯 x1", queue[1].RawPreview)
	})

	t.Run("include resolved", func(t *testing.T) {
		queue, err := logger.ReviewQueue(20, false)
		require.NoError(t, err)
		require.Len(t, queue, 3)
		assert.Equal(t, 2, queueEntryByOrder(queue, "o-3").PendingCount)
		assert.Equal(t, "鍋貼 x2", queueEntryByOrder(queue, "o-1").RawPreview)
	})

	t.Run("limit", func(t *testing.T) {
		queue, err := logger.ReviewQueue(1, true)
		require.NoError(t, err)
		require.Len(t, queue, 1)
		assert.Equal(t, "o-3", queue[0].OrderID)
	})

	t.Run("limit zero means all", func(t *testing.T) {
		queue, err := logger.ReviewQueue(0, true)
		require.NoError(t, err)
		assert.Len(t, queue, 2)
	})
}

func queueEntryByOrder(queue []QueueEntry, orderID string) QueueEntry {
	for _, entry := range queue {
		if entry.OrderID == orderID {
			return entry
		}
	}
	return QueueEntry{}
}

func TestEventNeedsReview(t *testing.T) {
	cases := []struct {
		name  string
		event map[string]any
		want  bool
	}{
		{"explicit flag", map[string]any{"needs_review": true}, true},
		{"metadata flag", map[string]any{"metadata": map[string]any{"needs_review": true}}, true},
		{"fallback reason", map[string]any{"fallback_reason": "llm_timeout"}, true},
		{"merge result flag", map[string]any{"merge_result": map[string]any{"overall_needs_review": true}}, true},
		{"final output flag", map[string]any{"final_output": map[string]any{"needs_review": true}}, true},
		{"clean", map[string]any{"needs_review": false, "fallback_reason": ""}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, eventNeedsReview(tc.event))
		})
	}
}

func TestReadAll_SkipsCorruptLines(t *testing.T) {
	logger := tempLogger(t)
	_, err := logger.WriteEvent(map[string]any{"order_id": "o-1", "event_type": "ingest_received"}, false)
	require.NoError(t, err)

	file, err := os.OpenFile(logger.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	_, err = logger.WriteEvent(map[string]any{"order_id": "o-1", "event_type": "final_output"}, false)
	require.NoError(t, err)

	events, err := logger.ListEvents("o-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestListEvents_MissingFile(t *testing.T) {
	logger, err := NewLogger(filepath.Join(t.TempDir(), "nothing.jsonl"))
	require.NoError(t, err)
	events, err := logger.ListEvents("o-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}
