package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"posnorm/internal/audit"
)

var (
	reviewLimit      int
	reviewUnresolved bool
	reviewFollow     bool
)

// reviewCmd prints the review queue derived from the audit log.
var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Show orders waiting for human review",
	Long: `Folds the audit log into a per-order review queue: orders with
review-flagged events and no later manual correction, newest first.

With --follow the command keeps watching the audit log and prints each new
event as it is appended.`,
	RunE: runReview,
}

func init() {
	reviewCmd.Flags().IntVar(&reviewLimit, "limit", 20, "Maximum queue entries to print (0 = all)")
	reviewCmd.Flags().BoolVar(&reviewUnresolved, "unresolved", true, "Only orders without a later manual correction")
	reviewCmd.Flags().BoolVarP(&reviewFollow, "follow", "f", false, "Keep watching the audit log for new events")
}

func runReview(cmd *cobra.Command, args []string) error {
	auditLog, err := auditLogger()
	if err != nil {
		return err
	}

	queue, err := auditLog.ReviewQueue(reviewLimit, reviewUnresolved)
	if err != nil {
		return err
	}
	if err := writeJSON(queue); err != nil {
		return err
	}
	if !reviewFollow {
		return nil
	}

	follower, err := audit.NewFollower(auditLog.Path())
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := follower.Start(ctx); err != nil {
		return err
	}
	defer follower.Stop()

	logger.Info("following audit log", zap.String("path", auditLog.Path()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-follower.Events():
			if !ok {
				return nil
			}
			if err := writeJSON(event); err != nil {
				return err
			}
		}
	}
}
