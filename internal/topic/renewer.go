package topic

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultRenewInterval is how often the renewer wakes up to check joined
// topics against the ledger height.
const DefaultRenewInterval = 10 * time.Minute

// Renewer periodically re-subscribes joined topics whose on-ledger
// subscription is about to expire.
type Renewer struct {
	svc      *Service
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

func NewRenewer(svc *Service, logger *zap.Logger, interval time.Duration) *Renewer {
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	return &Renewer{
		svc:      svc,
		logger:   logger.Named("renewer"),
		interval: interval,
	}
}

// Start begins polling joined topics for expiring subscriptions.
func (r *Renewer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop stops the renewer loop.
func (r *Renewer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Renewer) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.renewDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Renewer) renewDue(ctx context.Context) {
	client, err := r.svc.net.WaitForActive(ctx)
	if err != nil {
		return
	}
	height, err := client.Height(ctx)
	if err != nil {
		r.logger.Warn("ledger height unavailable", zap.Error(err))
		return
	}
	topics, err := r.svc.Joined()
	if err != nil {
		r.logger.Error("list joined topics", zap.Error(err))
		return
	}
	for i := range topics {
		t := &topics[i]
		if !r.svc.ShouldResubscribe(t, height) {
			continue
		}
		if _, err := r.svc.Subscribe(ctx, t.Topic); err != nil {
			r.logger.Warn("renew failed", zap.String("topic", t.Topic), zap.Error(err))
			continue
		}
		r.logger.Info("subscription renewed",
			zap.String("topic", t.Topic),
			zap.Int64("height", height))
	}
}
