package merge

import "posnorm/internal/contracts"

// Routing targets for a merged order.
const (
	RouteAutoDispatch = "auto-dispatch"
	RouteReviewQueue  = "review-queue"
)

// buildDispatchDecision decides whether the order can be dispatched without
// a human in the loop. Any review flag, missing item code, or invalid
// quantity routes it to the review queue.
func buildDispatchDecision(
	orderRaw contracts.OrderRawParsed,
	items []contracts.NormalizedItem,
	groups []contracts.GroupResult,
	overallNeedsReview bool,
) contracts.Metadata {
	var reasons []string
	if orderRaw.NeedsReview {
		reasons = append(reasons, "order_raw_needs_review")
	}
	itemReview := false
	missingCode := false
	invalidQty := false
	for _, item := range items {
		if item.NeedsReview {
			itemReview = true
		}
		if item.ItemCode == nil {
			missingCode = true
		}
		if item.Qty <= 0 {
			invalidQty = true
		}
	}
	if itemReview {
		reasons = append(reasons, "item_needs_review")
	}
	for _, group := range groups {
		if group.NeedsReview {
			reasons = append(reasons, "group_needs_review")
			break
		}
	}
	if missingCode {
		reasons = append(reasons, "missing_item_code")
	}
	if invalidQty {
		reasons = append(reasons, "invalid_qty")
	}

	shouldReview := overallNeedsReview || len(reasons) > 0
	route := RouteAutoDispatch
	if shouldReview {
		route = RouteReviewQueue
	}
	if reasons == nil {
		reasons = []string{}
	}
	return contracts.Metadata{
		"route":                route,
		"should_auto_dispatch": !shouldReview,
		"reasons":              reasons,
	}
}
