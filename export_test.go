package tollgate

import "context"

// TickAnswered runs one pass of the billing tick worker.
func (e *Engine) TickAnswered(ctx context.Context) { e.tickAnswered(ctx) }

// SetTickPageSize sets how many sessions a billing pass lists at a time.
func (e *Engine) SetTickPageSize(n int) { e.tickPageSize = n }
