package topic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nknorg/d-chat/internal/bus"
	"github.com/nknorg/d-chat/internal/payload"
	"github.com/nknorg/d-chat/internal/store"
	"github.com/nknorg/d-chat/internal/transport"
	"github.com/nknorg/d-chat/internal/transport/transporttest"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dchat.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fakeNet struct {
	client *transporttest.Client
}

func (f *fakeNet) WaitForActive(ctx context.Context) (transport.Client, error) {
	return f.client, nil
}

func (f *fakeNet) ActiveAddress() string { return f.client.Addr }

func newTestService(t *testing.T) (*Service, *transporttest.Client, *store.DB) {
	t.Helper()
	db := testDB(t)
	client := &transporttest.Client{Addr: "me", BlockHeight: 1000}
	svc := NewService(db, &fakeNet{client: client}, bus.New(), zap.NewNop(), "dev-test")
	return svc, client, db
}

func TestSubscribeNewJoin(t *testing.T) {
	svc, client, db := newTestService(t)
	client.SubscriberList = []string{"me", "peer-1", "peer-2"}

	isNew, err := svc.Subscribe(context.Background(), "#cats")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !isNew {
		t.Error("isNew = false, want true")
	}

	if len(client.Subscribed) != 1 || client.Subscribed[0] != payload.ChannelID("#cats") {
		t.Errorf("ledger subscribe calls = %v", client.Subscribed)
	}

	tp, err := db.GetTopic("#cats")
	if err != nil || tp == nil {
		t.Fatalf("topic row missing: %v", err)
	}
	if !tp.Joined {
		t.Error("Joined = false")
	}
	if tp.Count != 3 {
		t.Errorf("Count = %d, want 3", tp.Count)
	}
	if tp.ExpireHeight != 1000+SubscribeDuration {
		t.Errorf("ExpireHeight = %d, want %d", tp.ExpireHeight, 1000+SubscribeDuration)
	}

	// The join broadcast goes to the reconciled set minus ourselves.
	sends := client.Sends()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	if len(sends[0].Dests) != 2 {
		t.Errorf("broadcast dests = %v", sends[0].Dests)
	}
	env, err := payload.Decode(sends[0].Data)
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if env.ContentType != payload.TopicSubscribe {
		t.Errorf("ContentType = %q, want %q", env.ContentType, payload.TopicSubscribe)
	}
	if env.Topic != "#cats" {
		t.Errorf("Topic = %q", env.Topic)
	}
}

func TestSubscribeDuplicateSuppressesBroadcast(t *testing.T) {
	svc, client, db := newTestService(t)
	client.SubscriberList = []string{"me", "peer-1"}
	client.SubscribeErr = transport.ErrDuplicateSubscription

	isNew, err := svc.Subscribe(context.Background(), "#cats")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if isNew {
		t.Error("isNew = true for duplicate subscription")
	}
	if len(client.Sends()) != 0 {
		t.Error("duplicate join still broadcast")
	}

	// Local state is reconciled regardless.
	tp, _ := db.GetTopic("#cats")
	if tp == nil || !tp.Joined || tp.Count != 2 {
		t.Errorf("topic row = %+v", tp)
	}
}

func TestUnsubscribe(t *testing.T) {
	svc, client, db := newTestService(t)
	client.SubscriberList = []string{"me", "peer-1"}
	if _, err := svc.Subscribe(context.Background(), "#cats"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := svc.Unsubscribe(context.Background(), "#cats"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	tp, _ := db.GetTopic("#cats")
	if tp.Joined {
		t.Error("Joined still true")
	}
	if tp.Count != 1 {
		t.Errorf("Count = %d, want 1", tp.Count)
	}
	if sub, _ := db.GetSubscriber("#cats", "me"); sub != nil {
		t.Error("own subscriber row not removed")
	}

	sends := client.Sends()
	last := sends[len(sends)-1]
	env, _ := payload.Decode(last.Data)
	if env.ContentType != payload.TopicUnsubscribe {
		t.Errorf("final broadcast = %q, want %q", env.ContentType, payload.TopicUnsubscribe)
	}
}

func TestUnsubscribeMissingIsBenign(t *testing.T) {
	svc, client, db := newTestService(t)
	if err := db.UpsertTopic(&store.Topic{Topic: "#cats", Joined: true, Count: 5}); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	client.UnsubscribeErr = transport.ErrDoesNotExist

	if err := svc.Unsubscribe(context.Background(), "#cats"); err != nil {
		t.Fatalf("Unsubscribe() error = %v, want benign nil", err)
	}

	tp, _ := db.GetTopic("#cats")
	if tp.Joined {
		t.Error("Joined still true")
	}
	if tp.Count != 5 {
		t.Errorf("Count = %d, want untouched 5", tp.Count)
	}
	if len(client.Sends()) != 0 {
		t.Error("broadcast sent for missing subscription")
	}
}

func TestSyncSubscribersFullDiff(t *testing.T) {
	svc, client, db := newTestService(t)

	// Stale cache: gone-1 left, peer-2 is new.
	for _, addr := range []string{"peer-1", "gone-1"} {
		if err := db.UpsertSubscriber(&store.Subscriber{
			Topic: "#cats", ContactAddress: addr, Status: store.SubscriberSubscribed,
		}); err != nil {
			t.Fatalf("seed subscriber: %v", err)
		}
	}
	client.SubscriberList = []string{"peer-1", "peer-2"}

	if err := svc.SyncSubscribers(context.Background(), "#cats"); err != nil {
		t.Fatalf("SyncSubscribers() error = %v", err)
	}

	subs, _ := db.ListSubscribers("#cats")
	got := map[string]bool{}
	for _, sub := range subs {
		got[sub.ContactAddress] = true
	}
	if got["gone-1"] || !got["peer-1"] || !got["peer-2"] || len(subs) != 2 {
		t.Errorf("reconciled set = %v", got)
	}

	tp, _ := db.GetTopic("#cats")
	if tp == nil || tp.Count != 2 {
		t.Errorf("topic count = %+v", tp)
	}
}

func TestSyncSubscribersIdempotent(t *testing.T) {
	svc, client, db := newTestService(t)
	client.SubscriberList = []string{"peer-1", "peer-2"}

	for i := 0; i < 3; i++ {
		if err := svc.SyncSubscribers(context.Background(), "#cats"); err != nil {
			t.Fatalf("SyncSubscribers() #%d error = %v", i, err)
		}
	}

	subs, _ := db.ListSubscribers("#cats")
	if len(subs) != 2 {
		t.Errorf("subscribers = %d, want 2", len(subs))
	}
	tp, _ := db.GetTopic("#cats")
	if tp.Count != 2 {
		t.Errorf("Count = %d, want 2", tp.Count)
	}
}

func TestShouldResubscribe(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name   string
		topic  *store.Topic
		height int64
		want   bool
	}{
		{"nil row", nil, 0, false},
		{"not joined", &store.Topic{Joined: false, ExpireHeight: 100}, 99, false},
		{"far from expiry", &store.Topic{Joined: true, ExpireHeight: 500000}, 1000, false},
		{"inside margin", &store.Topic{Joined: true, ExpireHeight: 100000}, 50000, true},
		{"already expired", &store.Topic{Joined: true, ExpireHeight: 100}, 200, true},
	}
	for _, tt := range tests {
		if got := svc.ShouldResubscribe(tt.topic, tt.height); got != tt.want {
			t.Errorf("%s: ShouldResubscribe() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestShouldSync(t *testing.T) {
	svc, client, db := newTestService(t)
	client.SubscriberList = []string{"peer-1", "peer-2"}

	due, err := svc.ShouldSync(context.Background(), "#cats", "")
	if err != nil {
		t.Fatalf("ShouldSync() error = %v", err)
	}
	if !due {
		t.Error("ShouldSync() = false with empty cache")
	}

	if err := db.UpsertTopic(&store.Topic{Topic: "#cats", Count: 2}); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	due, err = svc.ShouldSync(context.Background(), "#cats", "")
	if err != nil {
		t.Fatalf("ShouldSync() error = %v", err)
	}
	if due {
		t.Error("ShouldSync() = true with matching counts")
	}
}

func TestShouldSyncUnknownSender(t *testing.T) {
	svc, client, db := newTestService(t)
	client.SubscriberList = []string{"peer-1", "peer-2"}

	if err := db.UpsertTopic(&store.Topic{Topic: "#cats", Count: 2}); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	if err := db.UpsertSubscriber(&store.Subscriber{
		Topic:          "#cats",
		ContactAddress: "peer-1",
		Status:         store.SubscriberSubscribed,
	}); err != nil {
		t.Fatalf("seed subscriber: %v", err)
	}

	// Counts match, but the sender is not in the cached member set.
	due, err := svc.ShouldSync(context.Background(), "#cats", "peer-2")
	if err != nil {
		t.Fatalf("ShouldSync() error = %v", err)
	}
	if !due {
		t.Error("ShouldSync() = false for a sender missing from the cache")
	}

	due, err = svc.ShouldSync(context.Background(), "#cats", "peer-1")
	if err != nil {
		t.Fatalf("ShouldSync() error = %v", err)
	}
	if due {
		t.Error("ShouldSync() = true for a cached sender with matching counts")
	}
}

func TestReceiveSubscribeIncrementsOnce(t *testing.T) {
	svc, _, db := newTestService(t)
	if err := db.UpsertTopic(&store.Topic{Topic: "#cats", Count: 1}); err != nil {
		t.Fatalf("seed topic: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := svc.ReceiveSubscribe(context.Background(), "#cats", "peer-9"); err != nil {
			t.Fatalf("ReceiveSubscribe() #%d error = %v", i, err)
		}
	}

	tp, _ := db.GetTopic("#cats")
	if tp.Count != 2 {
		t.Errorf("Count = %d, want 2 (single increment)", tp.Count)
	}
}

func TestReceiveSubscribeBeforeFirstSync(t *testing.T) {
	svc, _, db := newTestService(t)

	if err := svc.ReceiveSubscribe(context.Background(), "#dogs", "peer-9"); err != nil {
		t.Fatalf("ReceiveSubscribe() error = %v", err)
	}

	tp, err := db.GetTopic("#dogs")
	if err != nil || tp == nil {
		t.Fatalf("topic row missing: %v", err)
	}
	if tp.Count != 1 {
		t.Errorf("Count = %d, want 1 without a prior local row", tp.Count)
	}
}

func TestReceiveUnsubscribe(t *testing.T) {
	svc, _, db := newTestService(t)
	if err := db.UpsertTopic(&store.Topic{Topic: "#cats", Count: 2}); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	if err := db.UpsertSubscriber(&store.Subscriber{
		Topic: "#cats", ContactAddress: "peer-9", Status: store.SubscriberSubscribed,
	}); err != nil {
		t.Fatalf("seed subscriber: %v", err)
	}

	if err := svc.ReceiveUnsubscribe(context.Background(), "#cats", "peer-9"); err != nil {
		t.Fatalf("ReceiveUnsubscribe() error = %v", err)
	}
	if sub, _ := db.GetSubscriber("#cats", "peer-9"); sub != nil {
		t.Error("subscriber row survived")
	}
	tp, _ := db.GetTopic("#cats")
	if tp.Count != 1 {
		t.Errorf("Count = %d, want 1", tp.Count)
	}

	// Unknown address is a no-op.
	if err := svc.ReceiveUnsubscribe(context.Background(), "#cats", "never-seen"); err != nil {
		t.Fatalf("ReceiveUnsubscribe(unknown) error = %v", err)
	}
	tp, _ = db.GetTopic("#cats")
	if tp.Count != 1 {
		t.Errorf("Count = %d after unknown leave, want 1", tp.Count)
	}
}

func TestSubscriberAddressesChainFallback(t *testing.T) {
	svc, client, _ := newTestService(t)
	client.SubscriberList = []string{"peer-1", "peer-2"}

	addrs, err := svc.SubscriberAddresses(context.Background(), "#cats")
	if err != nil {
		t.Fatalf("SubscriberAddresses() error = %v", err)
	}
	if len(addrs) != 2 {
		t.Errorf("addrs = %v, want the ledger fallback set", addrs)
	}
}

func TestRenewerResubscribesExpiring(t *testing.T) {
	svc, client, db := newTestService(t)
	client.BlockHeight = 350000
	client.SubscriberList = []string{"me"}

	// Inside the warn margin at height 350000.
	if err := db.UpsertTopic(&store.Topic{Topic: "#cats", Joined: true, ExpireHeight: 400000}); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	// Far from expiry; must be left alone.
	if err := db.UpsertTopic(&store.Topic{Topic: "#dogs", Joined: true, ExpireHeight: 700000}); err != nil {
		t.Fatalf("seed topic: %v", err)
	}

	r := NewRenewer(svc, zap.NewNop(), time.Hour)
	r.renewDue(context.Background())

	if len(client.Subscribed) != 1 || client.Subscribed[0] != payload.ChannelID("#cats") {
		t.Errorf("ledger subscribes = %v, want just #cats", client.Subscribed)
	}
	tp, _ := db.GetTopic("#cats")
	if tp.ExpireHeight != 350000+SubscribeDuration {
		t.Errorf("renewed ExpireHeight = %d", tp.ExpireHeight)
	}
}
