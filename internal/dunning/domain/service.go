// Package domain defines the dunning surface: reminders before and after
// the due date, suspension past the threshold, and reactivation once the
// org settles.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// SweepOverdueOnce walks unpaid invoices past their due date. Invoices
	// at a reminder checkpoint get a reminder and move to OVERDUE; invoices
	// past the suspension threshold move to SUSPENDED. Returns the number
	// of invoices acted on.
	SweepOverdueOnce(ctx context.Context, batchSize int) (int, error)

	// SweepPreDueOnce reminds orgs whose invoice falls due within the
	// configured window. Returns the number of reminders sent.
	SweepPreDueOnce(ctx context.Context, batchSize int) (int, error)

	// ReactivateIfSettled restores an org that was suspended once it has
	// no outstanding invoices left. A no-op for orgs never suspended.
	ReactivateIfSettled(ctx context.Context, orgID snowflake.ID) error
}
