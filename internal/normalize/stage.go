package normalize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"posnorm/internal/cache"
	"posnorm/internal/contracts"
	"posnorm/internal/llm"
	"posnorm/internal/logging"
)

// DefaultTimeoutS is the per-request completion deadline in seconds.
const DefaultTimeoutS = 15.0

// maxAttempts bounds completion calls per order: one retry is allowed when
// the first response fails JSON extraction.
const maxAttempts = 2

// Options configures NormalizeAndGroup. The zero value runs without a model
// (pure rule-based fallback) against the default process cache.
type Options struct {
	// Client performs completions. Nil means no model is available and the
	// stage emits fallback output flagged for review.
	Client llm.Client
	// TimeoutS is the per-call deadline in seconds; <= 0 uses DefaultTimeoutS.
	TimeoutS float64
	// PromptPath overrides the embedded prompt template.
	PromptPath string
	// Cache backs rule-mod extraction. Nil uses the process default.
	Cache *cache.Cache
}

// NormalizeAndGroup runs the model normalization stage over parsed lines and
// their candidates. It never returns an error: every failure mode (missing
// client, timeout, API error, unparseable JSON) degrades to deterministic
// fallback output with the reason recorded in metadata and audit events.
func NormalizeAndGroup(
	ctx context.Context,
	orderRaw contracts.OrderRawParsed,
	candidates contracts.CandidatesByLine,
	allowedMods contracts.AllowedMods,
	opts Options,
) contracts.StructuredResult {
	defer logging.StartTimer(logging.CategoryNormalize, "normalize_and_group").Stop()

	normalizedMods := uniqueTokens(allowedMods)
	hints := BuildGroupHints(orderRaw)
	itemLookup, linePayloads := buildCandidateContext(orderRaw, candidates, hints)
	modsCache := opts.Cache
	if modsCache == nil {
		modsCache = cache.Default()
	}
	timeoutS := opts.TimeoutS
	if timeoutS <= 0 {
		timeoutS = DefaultTimeoutS
	}

	var auditEvents []contracts.AuditEvent
	var parsedResponse map[string]any
	fallbackReason := ""
	llmAttempts := 0

	if opts.Client == nil {
		fallbackReason = "llm_client_missing"
		auditEvents = append(auditEvents, audit(
			"llm_client_missing", "No LLM client provided; fallback applied",
			nil, nil, tagReviewQueue))
	} else {
		prompt := ""
		template, err := loadPromptTemplate(opts.PromptPath)
		if err != nil {
			fallbackReason = "prompt_load_error"
			auditEvents = append(auditEvents, audit(
				"prompt_load_error", "Prompt template could not be loaded",
				nil, contracts.Metadata{"error": err.Error()}))
		} else {
			prompt = renderPrompt(template, normalizedMods, linePayloads, hints)
		}
		if fallbackReason == "" {
			for attempt := 0; attempt < maxAttempts; attempt++ {
				llmAttempts = attempt + 1
				raw, err := completeWithTimeout(ctx, opts.Client, prompt, timeoutS)
				if err != nil {
					if llm.IsTimeout(err) {
						fallbackReason = "llm_timeout"
						auditEvents = append(auditEvents, audit(
							"llm_timeout", "LLM request timed out",
							nil, contracts.Metadata{"error": err.Error(), "error_type": errorTypeName(err)}))
					} else {
						fallbackReason = "llm_api_error"
						auditEvents = append(auditEvents, audit(
							"llm_api_error", "LLM call failed",
							nil, contracts.Metadata{"error": err.Error(), "error_type": errorTypeName(err)}))
					}
					break
				}
				parsed, perr := llm.ExtractObject(raw)
				if perr == nil {
					parsedResponse = parsed
					break
				}
				if attempt == 0 {
					auditEvents = append(auditEvents, audit(
						"llm_json_parse_retry", "First LLM JSON parse failed; retry once",
						nil, contracts.Metadata{"error": perr.Error()}))
					continue
				}
				fallbackReason = "llm_json_parse_error"
				auditEvents = append(auditEvents, audit(
					"llm_json_parse_error", "Failed to parse LLM JSON after one retry",
					nil, contracts.Metadata{"error": perr.Error()}))
			}
		}
	}

	var items []contracts.NormalizedItem
	var groups []contracts.GroupResult
	if parsedResponse == nil {
		logging.NormalizeWarn("model unavailable (%s), emitting fallback output", fallbackReason)
		items = buildFallbackItems(orderRaw, candidates, normalizedMods, true, fallbackReason, modsCache, &auditEvents)
		groups = buildRuleGroups(hints, true, "fallback_rule")
	} else {
		validIndices := make(map[int]struct{}, len(orderRaw.Lines))
		for _, line := range orderRaw.Lines {
			validIndices[line.LineIndex] = struct{}{}
		}
		items = sanitizeItems(orderRaw, candidates, normalizedMods, itemLookup, parsedResponse["items"], modsCache, &auditEvents)
		groups = sanitizeGroups(parsedResponse["groups"], validIndices, &auditEvents)
		// Rule hints act as a backstop: any hinted grouping the model did not
		// produce is appended flagged for review.
		if len(hints) > 0 {
			known := make(map[string]struct{}, len(groups))
			for _, group := range groups {
				known[groupKey(string(group.Type), group.LineIndices)] = struct{}{}
			}
			for _, group := range buildRuleGroups(hints, true, "rule_backstop") {
				key := groupKey(string(group.Type), group.LineIndices)
				if _, dup := known[key]; dup {
					continue
				}
				groups = append(groups, group)
				known[key] = struct{}{}
			}
		}
	}

	var fallbackMeta any
	if fallbackReason != "" {
		fallbackMeta = fallbackReason
	}
	logging.Normalize("stage done: %d items, %d groups, attempts=%d fallback=%v",
		len(items), len(groups), llmAttempts, fallbackMeta)
	return contracts.StructuredResult{
		Items:       items,
		Groups:      groups,
		AuditEvents: auditEvents,
		Metadata: contracts.Metadata{
			"llm_attempts":     llmAttempts,
			"fallback_reason":  fallbackMeta,
			"step1_hint_count": len(hints),
			"review_queue":     collectReviewQueueMetadata(items, groups, auditEvents, fallbackReason),
		},
		Version: contracts.ContractVersion,
	}
}

// completeWithTimeout runs one completion under a deadline derived from
// timeoutS when the caller's context does not already carry one.
func completeWithTimeout(ctx context.Context, client llm.Client, prompt string, timeoutS float64) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutS*float64(time.Second)))
		defer cancel()
	}
	return client.Complete(ctx, prompt)
}

// errorTypeName labels an error for audit metadata.
func errorTypeName(err error) string {
	if llm.IsTimeout(err) {
		return "TimeoutError"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// collectReviewQueueMetadata summarizes everything a human reviewer should
// look at: a needs_review verdict plus deduplicated, sorted reasons and
// audit tags gathered from items, groups, and audit events.
func collectReviewQueueMetadata(
	items []contracts.NormalizedItem,
	groups []contracts.GroupResult,
	auditEvents []contracts.AuditEvent,
	fallbackReason string,
) contracts.Metadata {
	needsReview := fallbackReason != ""
	var reasons, tags []string
	if fallbackReason != "" {
		reasons = append(reasons, "fallback:"+fallbackReason)
	}

	for _, item := range items {
		if !item.NeedsReview {
			continue
		}
		needsReview = true
		reasons = append(reasons, metadataTokens(item.Metadata, "review_reasons")...)
		tags = append(tags, metadataTokens(item.Metadata, "review_tags")...)
	}
	for _, group := range groups {
		if !group.NeedsReview {
			continue
		}
		needsReview = true
		reasons = append(reasons, metadataTokens(group.Metadata, "review_reasons")...)
		tags = append(tags, metadataTokens(group.Metadata, "review_tags")...)
	}
	for _, event := range auditEvents {
		tags = append(tags, event.EventType)
		eventTags := metadataTokens(event.Metadata, "tags")
		tags = append(tags, eventTags...)
		if mapped, ok := auditReasonMap[event.EventType]; ok {
			reasons = append(reasons, mapped)
			needsReview = true
		}
		for _, tag := range eventTags {
			if tag == tagPolicyViolation || tag == tagReviewQueue {
				needsReview = true
			}
		}
	}

	sortedReasons := uniqueTokens(reasons)
	sort.Strings(sortedReasons)
	sortedTags := uniqueTokens(tags)
	sort.Strings(sortedTags)
	return contracts.Metadata{
		"needs_review": needsReview,
		"reasons":      sortedReasons,
		"audit_tags":   sortedTags,
	}
}
