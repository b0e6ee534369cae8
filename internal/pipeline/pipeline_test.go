package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posnorm/internal/audit"
	"posnorm/internal/cache"
	"posnorm/internal/contracts"
	"posnorm/internal/llm"
	"posnorm/internal/merge"
)

type scriptedClient struct {
	response string
	panics   bool
	calls    int
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	c.calls++
	if c.panics {
		panic("scripted client failure")
	}
	return c.response, nil
}

func testCatalog() []any {
	return []any{
		map[string]any{"item_id": "A1", "canonical_name": "鍋貼"},
		map[string]any{"item_id": "A2", "canonical_name": "酸辣湯"},
	}
}

func freshCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(nil)
	require.NoError(t, err)
	return c
}

func TestIngestReceipt_NoAPIKeyDegradesToFallback(t *testing.T) {
	response := IngestReceipt(context.Background(), "鍋貼 x2", contracts.Str("order-1"),
		testCatalog(), []string{"加辣"}, Options{
			Env:   llm.MapEnv(nil),
			Cache: freshCache(t),
		})

	assert.True(t, response.Accepted, "a missing model is not a pipeline failure")
	assert.Empty(t, response.Errors)
	assert.True(t, response.NeedsReview, "fallback output is always review-flagged")
	assert.NotEmpty(t, response.AuditTraceID)
	assert.Equal(t, llm.ReasonMissingAPIKey, response.LLMRuntime.Reason)

	require.Len(t, response.OrderRaw.Lines, 1)
	assert.Equal(t, "order-1", contracts.Deref(response.OrderRaw.OrderID))
	require.Len(t, response.Merged.Items, 1)
	assert.Equal(t, "A1", contracts.Deref(response.Merged.Items[0].ItemCode))

	decision := response.Merged.Metadata["dispatch_decision"].(contracts.Metadata)
	assert.Equal(t, merge.RouteReviewQueue, decision["route"])

	assert.Equal(t, "llm_client_missing", response.Structured.Metadata["fallback_reason"])
	runtimeMeta, ok := response.Structured.Metadata["llm_runtime"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, llm.ReasonMissingAPIKey, runtimeMeta["reason"])
	assert.Equal(t, 15.0, response.Structured.Metadata["llm_timeout_s"])
	assert.Equal(t, response.AuditTraceID, response.Merged.Metadata["audit_trace_id"])
	assert.NotContains(t, response.Merged.Metadata, "pipeline_errors")
}

func TestIngestReceipt_InjectedClientHappyPath(t *testing.T) {
	client := &scriptedClient{response: `{
		"items": [
			{"line_index": 0, "item_id": "A1", "mods": [], "confidence_item": 0.95, "confidence_mods": 0.9},
			{"line_index": 1, "item_id": "A2", "mods": [], "confidence_item": 0.92, "confidence_mods": 0.9}
		],
		"groups": []
	}`}

	response := IngestReceipt(context.Background(), "鍋貼 x2\n酸辣湯 x1", nil,
		testCatalog(), nil, Options{
			Client: client,
			Cache:  freshCache(t),
		})

	assert.Equal(t, 1, client.calls)
	assert.True(t, response.Accepted)
	assert.False(t, response.NeedsReview)
	assert.Empty(t, response.Errors)
	assert.Equal(t, llm.ReasonInjectedClient, response.LLMRuntime.Reason)

	require.Len(t, response.Merged.Items, 2)
	assert.Equal(t, "A1", contracts.Deref(response.Merged.Items[0].ItemCode))
	assert.Equal(t, 2, response.Merged.Items[0].Qty)
	assert.Equal(t, "A2", contracts.Deref(response.Merged.Items[1].ItemCode))
	assert.False(t, response.Merged.OverallNeedsReview)

	decision := response.Merged.Metadata["dispatch_decision"].(contracts.Metadata)
	assert.Equal(t, merge.RouteAutoDispatch, decision["route"])
}

func TestIngestReceipt_StageFaultIsolation(t *testing.T) {
	client := &scriptedClient{panics: true}

	response := IngestReceipt(context.Background(), "鍋貼 x2", contracts.Str("order-9"),
		testCatalog(), nil, Options{
			Client: client,
			Cache:  freshCache(t),
		})

	assert.False(t, response.Accepted)
	assert.True(t, response.NeedsReview)
	require.Len(t, response.Errors, 1)
	assert.Equal(t, "structured:string:scripted client failure", response.Errors[0])

	// Fallback structured output still carries one item per line.
	require.Len(t, response.Structured.Items, 1)
	require.Len(t, response.Merged.Items, 1)
	assert.True(t, response.Merged.OverallNeedsReview)
	assert.Equal(t, response.Errors, response.Merged.Metadata["pipeline_errors"])

	var eventTypes []string
	for _, event := range response.Structured.AuditEvents {
		eventTypes = append(eventTypes, event.EventType)
	}
	assert.Contains(t, eventTypes, "pipeline_structured_fallback")
}

func TestIngestReceipt_EmptyReceipt(t *testing.T) {
	response := IngestReceipt(context.Background(), "", nil, testCatalog(), nil, Options{
		Env:   llm.MapEnv(nil),
		Cache: freshCache(t),
	})

	assert.True(t, response.Accepted)
	assert.Empty(t, response.OrderRaw.Lines)
	assert.Empty(t, response.Merged.Items)
}

func TestIngestReceipt_WritesAuditTrail(t *testing.T) {
	logger, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.log.jsonl"))
	require.NoError(t, err)

	response := IngestReceipt(context.Background(), "鍋貼 x2", contracts.Str("order-7"),
		testCatalog(), nil, Options{
			Env:   llm.MapEnv(nil),
			Cache: freshCache(t),
			Audit: logger,
		})

	events, err := logger.ListEvents("order-7")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ingest_received", events[0]["event_type"])
	assert.Equal(t, "鍋貼 x2", events[0]["raw_text"])
	assert.Equal(t, "final_output", events[1]["event_type"])
	assert.Equal(t, true, events[1]["needs_review"])

	metadata, ok := events[1]["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, response.AuditTraceID, metadata["audit_trace_id"])
	assert.Equal(t, true, metadata["accepted"])
}

func TestIngestReceipt_TraceIDFallsBackAsOrderID(t *testing.T) {
	logger, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.log.jsonl"))
	require.NoError(t, err)

	response := IngestReceipt(context.Background(), "鍋貼 x2", nil,
		testCatalog(), nil, Options{
			Env:   llm.MapEnv(nil),
			Cache: freshCache(t),
			Audit: logger,
		})

	events, err := logger.ListEvents(response.AuditTraceID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestIngestReceipt_MergeThresholdOverride(t *testing.T) {
	client := &scriptedClient{response: `{
		"items": [{"line_index": 0, "item_id": "A1", "mods": [], "confidence_item": 0.6, "confidence_mods": 0.6}],
		"groups": []
	}`}
	relaxed := merge.Options{ItemThreshold: 0.5, ModsThreshold: 0.5, GroupThreshold: 0.5}

	response := IngestReceipt(context.Background(), "鍋貼 x2", nil,
		testCatalog(), nil, Options{
			Client: client,
			Cache:  freshCache(t),
			Merge:  &relaxed,
		})

	assert.False(t, response.Merged.Items[0].NeedsReview)
	thresholds := response.Merged.Metadata["thresholds"].(contracts.Metadata)
	assert.Equal(t, 0.5, thresholds["item_threshold"])
}
