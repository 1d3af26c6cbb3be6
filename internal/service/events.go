package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

func optionEvent(t domain.EventType, opt domain.ActiveOption, extra map[string]any) domain.Event {
	detail := map[string]any{
		"taker":        opt.Taker.Hex(),
		"counterparty": opt.Counterparty.Hex(),
		"asset":        opt.Asset.Hex(),
		"optionType":   opt.OptionType.String(),
		"amount":       opt.AmountTaken.String(),
		"strike":       opt.StrikePrice.String(),
		"state":        string(opt.State),
	}
	if opt.State != domain.OptionActive {
		detail["realizedProfit"] = opt.RealizedProfit.String()
	} else {
		detail["totalPremium"] = opt.TotalPremiumPaid.String()
		detail["deadline"] = opt.ExerciseDeadline.Unix()
	}
	for k, v := range extra {
		detail[k] = v
	}
	return domain.Event{
		Type:       t,
		Commitment: opt.CommitmentHash.Hex(),
		OptionID:   opt.ID,
		Detail:     detail,
	}
}

// emit publishes e on channel, appends it to the event stream, writes the
// audit row and notifies operators. The transition already happened, so
// failures here are logged and never returned.
func (m *Marketplace) emit(ctx context.Context, channel string, e domain.Event) {
	ctx = context.WithoutCancel(ctx)
	e.Timestamp = m.now().UTC()

	if m.audit != nil {
		detail := make(map[string]any, len(e.Detail)+2)
		for k, v := range e.Detail {
			detail[k] = v
		}
		if e.Commitment != "" {
			detail["commitment"] = e.Commitment
		}
		if e.OptionID != "" {
			detail["optionId"] = e.OptionID
		}
		if err := m.audit.Log(ctx, string(e.Type), detail); err != nil {
			m.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", string(e.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	if m.bus != nil {
		payload, err := json.Marshal(e)
		if err != nil {
			m.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
			return
		}
		if err := m.bus.Publish(ctx, channel, payload); err != nil {
			m.logger.WarnContext(ctx, "publish event failed",
				slog.String("channel", channel),
				slog.String("event", string(e.Type)),
				slog.String("error", err.Error()),
			)
		}
		if err := m.bus.StreamAppend(ctx, domain.StreamEvents, payload); err != nil {
			m.logger.WarnContext(ctx, "stream append failed",
				slog.String("event", string(e.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := m.notifier.NotifyEvent(ctx, e); err != nil {
		m.logger.WarnContext(ctx, "notify failed",
			slog.String("event", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
}
