package topic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nknorg/d-chat/internal/bus"
	"github.com/nknorg/d-chat/internal/payload"
	"github.com/nknorg/d-chat/internal/store"
	"github.com/nknorg/d-chat/internal/transport"
)

const (
	// SubscribeDuration is the on-ledger lifetime of a subscription, in
	// blocks. WarnMargin is how close to expiry a renewal kicks in.
	SubscribeDuration = 400000
	WarnMargin        = 100000

	pageSize = 1000
)

// Network is the slice of the connection manager the topic lifecycle
// needs.
type Network interface {
	WaitForActive(ctx context.Context) (transport.Client, error)
	ActiveAddress() string
}

// Service manages topic membership: the on-ledger subscription, the
// cached subscriber set, and the subscribe/unsubscribe broadcasts.
type Service struct {
	db       *store.DB
	net      Network
	bus      *bus.Bus
	logger   *zap.Logger
	deviceID string
}

func NewService(db *store.DB, net Network, b *bus.Bus, logger *zap.Logger, deviceID string) *Service {
	return &Service{
		db:       db,
		net:      net,
		bus:      b,
		logger:   logger.Named("topic"),
		deviceID: deviceID,
	}
}

// Subscribe joins a topic. An existing on-ledger subscription counts as
// success but suppresses the join broadcast; the subscriber cache is
// reconciled either way. Returns whether the join was genuinely new.
func (s *Service) Subscribe(ctx context.Context, topic string) (bool, error) {
	client, err := s.net.WaitForActive(ctx)
	if err != nil {
		return false, err
	}
	channel := payload.ChannelID(topic)

	isNew := true
	if _, err := client.Subscribe(ctx, channel, SubscribeDuration, ""); err != nil {
		if !errors.Is(err, transport.ErrDuplicateSubscription) {
			return false, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		isNew = false
	}

	height, err := client.Height(ctx)
	if err != nil {
		s.logger.Warn("ledger height unavailable", zap.Error(err))
	}
	t, err := s.db.GetTopic(topic)
	if err != nil {
		return false, err
	}
	if t == nil {
		t = &store.Topic{Topic: topic}
	}
	t.Joined = true
	t.SubscribeAt = time.Now().UnixMilli()
	t.ExpireHeight = height + SubscribeDuration
	if err := s.db.UpsertTopic(t); err != nil {
		return false, fmt.Errorf("store topic: %w", err)
	}

	if err := s.SyncSubscribers(ctx, topic); err != nil {
		s.logger.Warn("subscriber sync failed", zap.String("topic", topic), zap.Error(err))
	}

	if isNew {
		s.broadcast(ctx, client, topic, payload.NewTopicSubscribe(topic, s.deviceID))
	}
	s.bus.Emit(bus.KindTopicUpdated, topic)
	return isNew, nil
}

// Unsubscribe leaves a topic. A missing on-ledger subscription is benign
// and only clears the local joined flag; a real unsubscription also
// shrinks the cached set and tells the remaining members.
func (s *Service) Unsubscribe(ctx context.Context, topic string) error {
	client, err := s.net.WaitForActive(ctx)
	if err != nil {
		return err
	}
	channel := payload.ChannelID(topic)

	if _, err := client.Unsubscribe(ctx, channel); err != nil {
		if !errors.Is(err, transport.ErrDoesNotExist) {
			return fmt.Errorf("unsubscribe %s: %w", topic, err)
		}
		// Never on the ledger (or already expired); nothing to announce.
		if err := s.db.SetTopicJoined(topic, false); err != nil {
			return err
		}
		s.bus.Emit(bus.KindTopicUpdated, topic)
		return nil
	}

	if err := s.db.SetTopicJoined(topic, false); err != nil {
		return err
	}
	if err := s.db.AdjustTopicCount(topic, -1); err != nil {
		return err
	}
	if err := s.db.DeleteSubscriber(topic, client.Address()); err != nil {
		return err
	}
	s.broadcast(ctx, client, topic, payload.NewTopicUnsubscribe(topic, s.deviceID))
	s.bus.Emit(bus.KindTopicUpdated, topic)
	return nil
}

// SyncSubscribers replaces the cached subscriber set with the
// authoritative on-ledger list and refreshes the cached count and the
// local subscription's expire height.
func (s *Service) SyncSubscribers(ctx context.Context, topic string) error {
	client, err := s.net.WaitForActive(ctx)
	if err != nil {
		return err
	}
	channel := payload.ChannelID(topic)

	live := map[string]bool{}
	for offset := 0; ; offset += pageSize {
		page, err := client.Subscribers(ctx, channel, offset, pageSize, true)
		if err != nil {
			return fmt.Errorf("list subscribers %s: %w", topic, err)
		}
		for _, addr := range page {
			live[addr] = true
		}
		if len(page) < pageSize {
			break
		}
	}

	cached, err := s.db.ListSubscribers(topic)
	if err != nil {
		return err
	}
	for _, sub := range cached {
		if !live[sub.ContactAddress] {
			if err := s.db.DeleteSubscriber(topic, sub.ContactAddress); err != nil {
				return err
			}
		}
	}
	for addr := range live {
		err := s.db.UpsertSubscriber(&store.Subscriber{
			Topic:          topic,
			ContactAddress: addr,
			Status:         store.SubscriberSubscribed,
		})
		if err != nil {
			return err
		}
	}

	t, err := s.db.GetTopic(topic)
	if err != nil {
		return err
	}
	if t == nil {
		t = &store.Topic{Topic: topic}
	}
	t.Count = len(live)
	if sub, err := client.Subscription(ctx, channel, s.net.ActiveAddress()); err == nil && sub.ExpiresAt > 0 {
		t.ExpireHeight = sub.ExpiresAt
	}
	return s.db.UpsertTopic(t)
}

// ShouldResubscribe reports whether a joined topic's subscription is
// inside the renewal margin at the given height.
func (s *Service) ShouldResubscribe(t *store.Topic, height int64) bool {
	if t == nil || !t.Joined {
		return false
	}
	return t.ExpireHeight-height <= WarnMargin
}

// ShouldSync reports whether the cached subscriber set needs a full
// refresh: a non-empty sender missing from the cache, or a cached count
// that drifted from the live one.
func (s *Service) ShouldSync(ctx context.Context, topic, sender string) (bool, error) {
	if sender != "" {
		sub, err := s.db.GetSubscriber(topic, sender)
		if err != nil {
			return false, err
		}
		if sub == nil || sub.Status != store.SubscriberSubscribed {
			return true, nil
		}
	}
	client, err := s.net.WaitForActive(ctx)
	if err != nil {
		return false, err
	}
	liveCount, err := client.SubscribersCount(ctx, payload.ChannelID(topic))
	if err != nil {
		return false, err
	}
	t, err := s.db.GetTopic(topic)
	if err != nil {
		return false, err
	}
	cached := 0
	if t != nil {
		cached = t.Count
	}
	return cached != liveCount, nil
}

// ReceiveSubscribe applies one peer's join broadcast incrementally.
func (s *Service) ReceiveSubscribe(ctx context.Context, topic, address string) error {
	existing, err := s.db.GetSubscriber(topic, address)
	if err != nil {
		return err
	}
	err = s.db.UpsertSubscriber(&store.Subscriber{
		Topic:          topic,
		ContactAddress: address,
		Status:         store.SubscriberSubscribed,
	})
	if err != nil {
		return err
	}
	if existing == nil || existing.Status != store.SubscriberSubscribed {
		if err := s.db.AdjustTopicCount(topic, 1); err != nil {
			return err
		}
	}
	s.bus.Emit(bus.KindTopicUpdated, topic)
	return nil
}

// ReceiveUnsubscribe applies one peer's leave broadcast incrementally.
func (s *Service) ReceiveUnsubscribe(ctx context.Context, topic, address string) error {
	existing, err := s.db.GetSubscriber(topic, address)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := s.db.DeleteSubscriber(topic, address); err != nil {
		return err
	}
	if err := s.db.AdjustTopicCount(topic, -1); err != nil {
		return err
	}
	s.bus.Emit(bus.KindTopicUpdated, topic)
	return nil
}

// Info returns the local topic row, kicking off a background renewal or
// resync when the query finds them due.
func (s *Service) Info(ctx context.Context, topic string) (*store.Topic, error) {
	t, err := s.db.GetTopic(topic)
	if err != nil {
		return nil, err
	}
	if t == nil || !t.Joined {
		return t, nil
	}
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		client, err := s.net.WaitForActive(bg)
		if err != nil {
			return
		}
		height, err := client.Height(bg)
		if err != nil {
			return
		}
		if s.ShouldResubscribe(t, height) {
			if _, err := s.Subscribe(bg, topic); err != nil {
				s.logger.Warn("auto-renew failed", zap.String("topic", topic), zap.Error(err))
			}
			return
		}
		if due, err := s.ShouldSync(bg, topic, ""); err == nil && due {
			if err := s.SyncSubscribers(bg, topic); err != nil {
				s.logger.Warn("auto-resync failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}()
	return t, nil
}

// Joined returns every topic the local user is a member of.
func (s *Service) Joined() ([]store.Topic, error) {
	return s.db.ListJoinedTopics()
}

// SubscriberAddresses returns the member addresses of a topic, falling
// back to the ledger when the cache is empty.
func (s *Service) SubscriberAddresses(ctx context.Context, topic string) ([]string, error) {
	subs, err := s.db.ListSubscribers(topic)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		if err := s.SyncSubscribers(ctx, topic); err != nil {
			return nil, err
		}
		if subs, err = s.db.ListSubscribers(topic); err != nil {
			return nil, err
		}
	}
	addrs := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.Status == store.SubscriberSubscribed {
			addrs = append(addrs, sub.ContactAddress)
		}
	}
	return addrs, nil
}

// broadcast sends a control payload to every cached member except
// ourselves. Failures are logged; membership already changed on the
// ledger.
func (s *Service) broadcast(ctx context.Context, client transport.Client, topic string, env *payload.Envelope) {
	subs, err := s.db.ListSubscribers(topic)
	if err != nil {
		s.logger.Warn("broadcast skipped", zap.String("topic", topic), zap.Error(err))
		return
	}
	self := client.Address()
	dests := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.ContactAddress != self {
			dests = append(dests, sub.ContactAddress)
		}
	}
	if len(dests) == 0 {
		return
	}
	data, err := env.Encode()
	if err != nil {
		s.logger.Warn("broadcast encode failed", zap.Error(err))
		return
	}
	if _, err := client.Send(ctx, dests, data); err != nil {
		s.logger.Warn("broadcast send failed",
			zap.String("topic", topic),
			zap.String("kind", string(env.ContentType)),
			zap.Error(err))
	}
}
