package monitor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReportMaster logs the balance of the master funding account and exports it as a gauge.
func (m *Monitor) ReportMaster(ctx context.Context) {
	bal, err := m.chain.Balance(ctx, m.chain.Master())
	if err != nil {
		m.log.Error("Cannot read master wallet balance", zap.String("master", m.chain.Master()), zap.Error(err))
		return
	}

	m.log.Info("Master wallet balance", zap.String("master", m.chain.Master()), zap.String("balance", bal.String()))
	m.m.masterBalance.Set(bal.InexactFloat64())
}

// startReport schedules ReportMaster with the cron spec (ie. "@hourly", "*/15 * * * *"). An empty spec disables the
// report.
func (m *Monitor) startReport(ctx context.Context) error {
	if m.cronSpec == "" {
		return nil
	}

	c := cron.New()

	if _, err := c.AddFunc(m.cronSpec, func() { m.ReportMaster(ctx) }); err != nil {
		return fmt.Errorf("monitor: report schedule: %w", err)
	}

	c.Start()
	m.cron = c

	return nil
}
