package main

import (
	"github.com/spf13/cobra"
)

var traceEventType string

// traceCmd prints the folded audit trail for one order.
var traceCmd = &cobra.Command{
	Use:   "trace [order-id]",
	Short: "Show the audit trail for an order",
	Long: `Folds the audit log into a single per-order view: raw text, parse
result, candidates, LLM request/response, merge result, final output, and
every manual correction, in append order.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	traceCmd.Flags().StringVar(&traceEventType, "event-type", "", "Print raw events of this type instead of the folded trace")
}

func runTrace(cmd *cobra.Command, args []string) error {
	auditLog, err := auditLogger()
	if err != nil {
		return err
	}
	if traceEventType != "" {
		events, err := auditLog.ListByType(traceEventType)
		if err != nil {
			return err
		}
		return writeJSON(events)
	}
	trace, err := auditLog.OrderTrace(args[0])
	if err != nil {
		return err
	}
	return writeJSON(trace)
}
