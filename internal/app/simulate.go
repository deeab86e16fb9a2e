package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"listing-sentinel/internal/detector"
	"listing-sentinel/internal/model"
)

// SimulateAlert 模拟一次价格变动，并通过已配置的通道发送告警。
// 不读取也不修改任何持久化状态。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if opts.OldPrice <= 0 || opts.NewPrice <= 0 {
		return errors.New("价格必须大于 0")
	}

	dispatcher, err := a.newDispatcher()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	prior := model.NewAlertState(opts.ListingID)
	prior.Price = model.TrackState{Status: model.TrackStable, Baseline: float64(opts.OldPrice), UpdatedAt: now}
	snap := model.ListingSnapshot{
		ListingID:      opts.ListingID,
		Price:          opts.NewPrice,
		DealScore:      100,
		Recommendation: "SIMULATED",
		TrendLabel:     model.TrendStable,
		TakenAt:        now,
	}

	events := detector.Evaluate(snap, prior, a.thresholds(), now).Events()
	if len(events) == 0 {
		return errors.New("价格变动未超过告警阈值")
	}
	for _, ev := range events {
		ev.ID = uuid.NewString()
		if err := dispatcher.Deliver(ctx, ev); err != nil {
			return err
		}
		a.Logger.Info().Str("listing_id", ev.ListingID).Str("kind", string(ev.Kind)).Float64("delta_pct", ev.DeltaPct).Msg("simulated alert delivered")
	}
	return nil
}
