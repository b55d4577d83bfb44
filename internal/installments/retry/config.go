package retry

import "time"

// Config holds the scheduler settings.
type Config interface {
	GetMaxRetries() int
	GetBatchSize() int
	GetWorkers() int
	GetRunBudget() time.Duration
	GetInvoiceLead() time.Duration
	GetOverdueGrace() time.Duration
	GetGatewayInterval() time.Duration
}

// ConfigAdapter bridges installments.Config with the scheduler Config interface.
type ConfigAdapter struct {
	MaxRetries      int
	BatchSize       int
	Workers         int
	RunBudget       time.Duration
	InvoiceLead     time.Duration
	OverdueGrace    time.Duration
	GatewayInterval time.Duration
}

func (c ConfigAdapter) GetMaxRetries() int                { return c.MaxRetries }
func (c ConfigAdapter) GetBatchSize() int                 { return c.BatchSize }
func (c ConfigAdapter) GetWorkers() int                   { return c.Workers }
func (c ConfigAdapter) GetRunBudget() time.Duration       { return c.RunBudget }
func (c ConfigAdapter) GetInvoiceLead() time.Duration     { return c.InvoiceLead }
func (c ConfigAdapter) GetOverdueGrace() time.Duration    { return c.OverdueGrace }
func (c ConfigAdapter) GetGatewayInterval() time.Duration { return c.GatewayInterval }
