// Package pipeline orchestrates the four ingest stages (parse, candidates,
// structured normalization, merge) with per-stage fault isolation: a stage
// that panics is replaced by a deterministic fallback artifact and the run
// continues, so one receipt always yields one complete response envelope.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"posnorm/internal/audit"
	"posnorm/internal/cache"
	"posnorm/internal/candidates"
	"posnorm/internal/contracts"
	"posnorm/internal/llm"
	"posnorm/internal/logging"
	"posnorm/internal/merge"
	"posnorm/internal/normalize"
	"posnorm/internal/parser"
)

// Response is the ingest envelope returned for every receipt, including
// partially failed runs.
type Response struct {
	Accepted     bool                       `json:"accepted"`
	NeedsReview  bool                       `json:"needs_review"`
	Errors       []string                   `json:"errors"`
	OrderRaw     contracts.OrderRawParsed   `json:"order_raw"`
	Candidates   contracts.CandidatesByLine `json:"candidates"`
	Structured   contracts.StructuredResult `json:"structured"`
	Merged       contracts.OrderNormalized  `json:"merged"`
	LLMRuntime   llm.Runtime                `json:"llm_runtime"`
	AuditTraceID string                     `json:"audit_trace_id"`
	Version      string                     `json:"version"`
}

// Options configures one ingest run. The zero value resolves the model
// client from the environment, uses default thresholds, and skips audit
// logging.
type Options struct {
	// Client overrides environment-based client resolution.
	Client llm.Client
	// Env is the environment used to resolve the client when Client is nil.
	// Nil means the process environment.
	Env llm.Env
	// TimeoutS overrides the model call deadline; <= 0 falls back to the
	// runtime default.
	TimeoutS float64
	// Cache backs the normalize stage's rule-mod extraction.
	Cache *cache.Cache
	// Merge carries the confidence thresholds; the zero value is replaced by
	// merge.DefaultOptions().
	Merge *merge.Options
	// Audit, when set, receives an ingest trail (received, final output) for
	// the order.
	Audit *audit.Logger
}

// IngestReceipt runs the full pipeline over one receipt text. It never
// returns an error: stage failures mark the response not accepted, record a
// "stage:Kind:message" entry in Errors, and substitute fallback artifacts.
func IngestReceipt(
	ctx context.Context,
	receiptText string,
	orderID *string,
	menuCatalog any,
	allowedMods contracts.AllowedMods,
	opts Options,
) Response {
	defer logging.StartTimer(logging.CategoryPipeline, "ingest_receipt").Stop()

	var stageErrors []string
	accepted := true
	traceID := uuid.NewString()

	client := opts.Client
	var runtime llm.Runtime
	if client == nil {
		client, runtime = llm.FromEnv(opts.Env)
	} else {
		runtime = llm.InjectedRuntime()
	}
	timeoutS := opts.TimeoutS
	if timeoutS <= 0 {
		timeoutS = runtime.TimeoutSDefault
	}
	if timeoutS <= 0 {
		timeoutS = normalize.DefaultTimeoutS
	}

	var orderRaw contracts.OrderRawParsed
	if stageErr := runStage("parse", func() {
		orderRaw = parser.ParseReceiptText(receiptText)
		orderRaw.OrderID = orderID
	}); stageErr != "" {
		accepted = false
		stageErrors = append(stageErrors, stageErr)
		orderRaw = fallbackOrderRaw(receiptText, orderID, stageErr)
	}

	var byLine contracts.CandidatesByLine
	if stageErr := runStage("candidates", func() {
		byLine = candidates.Generate(orderRaw.Lines, menuCatalog)
	}); stageErr != "" {
		accepted = false
		stageErrors = append(stageErrors, stageErr)
		byLine = fallbackCandidates(orderRaw, stageErr)
	}

	var structured contracts.StructuredResult
	if stageErr := runStage("structured", func() {
		structured = normalize.NormalizeAndGroup(ctx, orderRaw, byLine, allowedMods, normalize.Options{
			Client:   client,
			TimeoutS: timeoutS,
			Cache:    opts.Cache,
		})
	}); stageErr != "" {
		accepted = false
		stageErrors = append(stageErrors, stageErr)
		structured = fallbackStructured(orderRaw, byLine, stageErr)
	}
	if structured.Metadata == nil {
		structured.Metadata = contracts.Metadata{}
	}
	structured.Metadata["llm_runtime"] = runtime.AsMetadata()
	structured.Metadata["llm_timeout_s"] = timeoutS

	mergeOpts := merge.DefaultOptions()
	if opts.Merge != nil {
		mergeOpts = *opts.Merge
	}
	var merged contracts.OrderNormalized
	if stageErr := runStage("merge", func() {
		merged = merge.MergeAndValidate(orderRaw, byLine, structured, menuCatalog, allowedMods, mergeOpts)
	}); stageErr != "" {
		accepted = false
		stageErrors = append(stageErrors, stageErr)
		merged = fallbackMerged(orderRaw, structured, stageErr)
	}

	if merged.Metadata == nil {
		merged.Metadata = contracts.Metadata{}
	}
	if len(stageErrors) > 0 {
		merged.OverallNeedsReview = true
		merged.Metadata["pipeline_errors"] = stageErrors
		logging.PipelineWarn("ingest degraded: %v", stageErrors)
	}
	merged.Metadata["llm_runtime"] = runtime.AsMetadata()
	merged.Metadata["llm_timeout_s"] = timeoutS
	merged.Metadata["audit_trace_id"] = traceID

	if stageErrors == nil {
		stageErrors = []string{}
	}
	response := Response{
		Accepted:     accepted,
		NeedsReview:  orderRaw.NeedsReview || merged.OverallNeedsReview || len(stageErrors) > 0,
		Errors:       stageErrors,
		OrderRaw:     orderRaw,
		Candidates:   byLine,
		Structured:   structured,
		Merged:       merged,
		LLMRuntime:   runtime,
		AuditTraceID: traceID,
		Version:      contracts.ContractVersion,
	}
	if opts.Audit != nil {
		writeAuditTrail(opts.Audit, response)
	}
	logging.Pipeline("ingested order=%s accepted=%t review=%t trace=%s",
		contracts.Deref(orderID), accepted, response.NeedsReview, traceID)
	return response
}

// runStage executes fn and converts a panic into a "stage:Kind:message"
// error string, empty on success.
func runStage(stage string, fn func()) (stageErr string) {
	defer func() {
		if r := recover(); r != nil {
			stageErr = fmt.Sprintf("%s:%s:%v", stage, panicKind(r), r)
			logging.PipelineError("stage %s panicked: %v", stage, r)
		}
	}()
	fn()
	return ""
}

func panicKind(r any) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", r), "*")
}

// writeAuditTrail appends the per-order trail: the received text and the
// final output. Failures are logged, never propagated.
func writeAuditTrail(logger *audit.Logger, response Response) {
	orderID := contracts.Deref(response.Merged.OrderID)
	if orderID == "" {
		orderID = response.AuditTraceID
	}
	if _, err := logger.WriteRecord(audit.Record{
		OrderID:   orderID,
		EventType: "ingest_received",
		RawText:   response.OrderRaw.SourceText,
		Metadata:  map[string]any{"audit_trace_id": response.AuditTraceID},
	}, true); err != nil {
		logging.PipelineWarn("audit write failed: %v", err)
	}
	if _, err := logger.WriteRecord(audit.Record{
		OrderID:     orderID,
		EventType:   "final_output",
		FinalOutput: response.Merged,
		NeedsReview: response.NeedsReview,
		Metadata: map[string]any{
			"audit_trace_id": response.AuditTraceID,
			"accepted":       response.Accepted,
			"errors":         response.Errors,
		},
	}, true); err != nil {
		logging.PipelineWarn("audit write failed: %v", err)
	}
}
