package contact

import (
	"context"
	"encoding/base64"
	"encoding/json"
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
	client := &transporttest.Client{Addr: "me-address"}
	svc := NewService(db, &fakeNet{client: client}, bus.New(), zap.NewNop(), "dev-test")
	return svc, client, db
}

func waitForSends(t *testing.T, client *transporttest.Client, n int) []transporttest.Sent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sends := client.Sends(); len(sends) >= n {
			return sends
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, have %d", n, len(client.Sends()))
	return nil
}

func decodeSent(t *testing.T, s transporttest.Sent) *payload.Envelope {
	t.Helper()
	env, err := payload.Decode(s.Data)
	if err != nil {
		t.Fatalf("decode sent payload: %v", err)
	}
	return env
}

func TestGetOrCreateStranger(t *testing.T) {
	svc, client, db := newTestService(t)

	c, err := svc.GetOrCreate(context.Background(), "peer-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if c.Type != store.ContactStranger {
		t.Errorf("Type = %v, want stranger", c.Type)
	}

	stored, err := db.GetContact("peer-1")
	if err != nil || stored == nil {
		t.Fatalf("stored contact missing: %v", err)
	}

	// A missing profile triggers a background full request.
	sends := waitForSends(t, client, 1)
	env := decodeSent(t, sends[0])
	if env.ContentType != payload.ContactProfile {
		t.Errorf("ContentType = %q, want %q", env.ContentType, payload.ContactProfile)
	}
	if env.RequestType != payload.RequestTypeFull {
		t.Errorf("RequestType = %q, want full", env.RequestType)
	}
	if sends[0].Dests[0] != "peer-1" {
		t.Errorf("Dests = %v", sends[0].Dests)
	}
}

func TestNearExpiryContactGetsHeaderProbe(t *testing.T) {
	svc, client, db := newTestService(t)

	c := &store.Contact{
		Address:          "peer-2",
		ProfileVersion:   "v1",
		ProfileExpiresAt: time.Now().Add(30 * time.Minute).UnixMilli(),
	}
	if err := db.InsertContact(c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := svc.GetOrCreate(context.Background(), "peer-2"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	sends := waitForSends(t, client, 1)
	env := decodeSent(t, sends[0])
	if env.RequestType != payload.RequestTypeHeader {
		t.Errorf("RequestType = %q, want header", env.RequestType)
	}
	if env.Version != "v1" {
		t.Errorf("Version = %q, want v1", env.Version)
	}
}

func TestFreshContactIsNotProbed(t *testing.T) {
	svc, client, db := newTestService(t)

	c := &store.Contact{
		Address:          "peer-fresh",
		ProfileVersion:   "v1",
		ProfileExpiresAt: time.Now().Add(12 * time.Hour).UnixMilli(),
	}
	if err := db.InsertContact(c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := svc.GetOrCreate(context.Background(), "peer-fresh"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if sends := client.Sends(); len(sends) != 0 {
		t.Errorf("fresh contact triggered %d sends, want 0", len(sends))
	}
}

func TestExpiredContactGetsFullRequest(t *testing.T) {
	svc, client, db := newTestService(t)

	c := &store.Contact{
		Address:          "peer-3",
		ProfileVersion:   "v1",
		ProfileExpiresAt: time.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := db.InsertContact(c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := svc.GetOrCreate(context.Background(), "peer-3"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	sends := waitForSends(t, client, 1)
	if env := decodeSent(t, sends[0]); env.RequestType != payload.RequestTypeFull {
		t.Errorf("RequestType = %q, want full", env.RequestType)
	}
}

func TestHandleRequestHeaderResponse(t *testing.T) {
	svc, client, _ := newTestService(t)

	me, err := svc.Me()
	if err != nil {
		t.Fatalf("Me() error = %v", err)
	}

	req := payload.NewProfileRequest(payload.RequestTypeHeader, "", "peer-dev")
	if err := svc.HandleRequest(context.Background(), "peer-1", req); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}

	sends := waitForSends(t, client, 1)
	env := decodeSent(t, sends[0])
	if env.ResponseType != payload.RequestTypeHeader {
		t.Errorf("ResponseType = %q, want header", env.ResponseType)
	}
	if env.Version != me.ProfileVersion {
		t.Errorf("Version = %q, want %q", env.Version, me.ProfileVersion)
	}
}

func TestHandleRequestFullResponseCarriesProfile(t *testing.T) {
	svc, client, db := newTestService(t)

	if _, err := svc.Me(); err != nil {
		t.Fatalf("Me() error = %v", err)
	}
	avatar := []byte{0xFF, 0xD8, 0xFF}
	if err := db.PutMedia(&store.MediaItem{ID: "av-1", MediaType: store.MediaImage, Source: avatar, Tags: "jpg"}); err != nil {
		t.Fatalf("put media: %v", err)
	}
	name := "Alice"
	av := "av-1"
	if _, err := svc.Update(context.Background(), "me-address", Mutation{FirstName: &name, Avatar: &av}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	req := payload.NewProfileRequest(payload.RequestTypeFull, "", "peer-dev")
	if err := svc.HandleRequest(context.Background(), "peer-1", req); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}

	sends := waitForSends(t, client, 1)
	env := decodeSent(t, sends[len(sends)-1])
	if env.ResponseType != payload.RequestTypeFull {
		t.Fatalf("ResponseType = %q, want full", env.ResponseType)
	}
	var content payload.ProfileContent
	if err := json.Unmarshal(env.Content, &content); err != nil {
		t.Fatalf("parse content: %v", err)
	}
	if content.Name != "Alice" {
		t.Errorf("Name = %q, want Alice", content.Name)
	}
	if content.Avatar == nil || content.Avatar.Data != base64.StdEncoding.EncodeToString(avatar) {
		t.Error("avatar not carried in full response")
	}
}

func TestHandleRequestQuotingCurrentVersionGetsHeader(t *testing.T) {
	svc, client, _ := newTestService(t)

	me, err := svc.Me()
	if err != nil {
		t.Fatalf("Me() error = %v", err)
	}

	req := payload.NewProfileRequest(payload.RequestTypeFull, me.ProfileVersion, "peer-dev")
	if err := svc.HandleRequest(context.Background(), "peer-1", req); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}

	sends := waitForSends(t, client, 1)
	if env := decodeSent(t, sends[0]); env.ResponseType != payload.RequestTypeHeader {
		t.Errorf("ResponseType = %q, want header (peer already current)", env.ResponseType)
	}
}

func TestHandleResponseFullStoresProfileAndAvatar(t *testing.T) {
	svc, _, db := newTestService(t)

	avatar := []byte("png-bytes")
	resp := payload.NewProfileResponse(payload.RequestTypeFull, "v9", &payload.ProfileContent{
		Name: "Bob",
		Avatar: &payload.ProfileAvatar{
			Type: "base64",
			Data: base64.StdEncoding.EncodeToString(avatar),
			Ext:  "png",
		},
	}, "peer-dev")

	if err := svc.HandleResponse(context.Background(), "peer-4", resp); err != nil {
		t.Fatalf("HandleResponse() error = %v", err)
	}

	c, err := db.GetContact("peer-4")
	if err != nil || c == nil {
		t.Fatalf("contact missing: %v", err)
	}
	if c.FirstName != "Bob" || c.ProfileVersion != "v9" {
		t.Errorf("profile = %q/%q, want Bob/v9", c.FirstName, c.ProfileVersion)
	}
	if c.ProfileExpiresAt <= time.Now().UnixMilli() {
		t.Error("expiry not extended")
	}
	item, err := db.GetMedia(c.Avatar)
	if err != nil {
		t.Fatalf("avatar not cached: %v", err)
	}
	if string(item.Source) != string(avatar) {
		t.Error("cached avatar bytes differ")
	}
}

func TestHandleResponseReplacesOldAvatar(t *testing.T) {
	svc, _, db := newTestService(t)

	first := payload.NewProfileResponse(payload.RequestTypeFull, "v1", &payload.ProfileContent{
		Name:   "Bob",
		Avatar: &payload.ProfileAvatar{Data: base64.StdEncoding.EncodeToString([]byte("one"))},
	}, "peer-dev")
	if err := svc.HandleResponse(context.Background(), "peer-5", first); err != nil {
		t.Fatalf("first HandleResponse() error = %v", err)
	}
	c, _ := db.GetContact("peer-5")
	oldAvatar := c.Avatar

	second := payload.NewProfileResponse(payload.RequestTypeFull, "v2", &payload.ProfileContent{
		Name:   "Bob",
		Avatar: &payload.ProfileAvatar{Data: base64.StdEncoding.EncodeToString([]byte("two"))},
	}, "peer-dev")
	if err := svc.HandleResponse(context.Background(), "peer-5", second); err != nil {
		t.Fatalf("second HandleResponse() error = %v", err)
	}

	if _, err := db.GetMedia(oldAvatar); err == nil {
		t.Error("replaced avatar still in media cache")
	}
	c, _ = db.GetContact("peer-5")
	if item, err := db.GetMedia(c.Avatar); err != nil || string(item.Source) != "two" {
		t.Errorf("new avatar not stored: %v", err)
	}
}

func TestHandleResponseHeaderMismatchRequestsFull(t *testing.T) {
	svc, client, db := newTestService(t)

	c := &store.Contact{
		Address:          "peer-6",
		ProfileVersion:   "v1",
		ProfileExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := db.InsertContact(c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	resp := payload.NewProfileResponse(payload.RequestTypeHeader, "v2", nil, "peer-dev")
	if err := svc.HandleResponse(context.Background(), "peer-6", resp); err != nil {
		t.Fatalf("HandleResponse() error = %v", err)
	}

	// Version moved on the peer, so exactly one full request follows.
	sends := waitForSends(t, client, 1)
	if env := decodeSent(t, sends[0]); env.RequestType != payload.RequestTypeFull {
		t.Errorf("RequestType = %q, want full", env.RequestType)
	}
}

func TestHandleResponseHeaderMatchExtendsExpiry(t *testing.T) {
	svc, _, db := newTestService(t)

	soon := time.Now().Add(time.Minute).UnixMilli()
	c := &store.Contact{Address: "peer-7", ProfileVersion: "v1", ProfileExpiresAt: soon}
	if err := db.InsertContact(c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	resp := payload.NewProfileResponse(payload.RequestTypeHeader, "v1", nil, "peer-dev")
	if err := svc.HandleResponse(context.Background(), "peer-7", resp); err != nil {
		t.Fatalf("HandleResponse() error = %v", err)
	}

	c, _ = db.GetContact("peer-7")
	if c.ProfileExpiresAt <= soon {
		t.Errorf("expiry not extended: %d <= %d", c.ProfileExpiresAt, soon)
	}
}

func TestHandleResponseFreshMatchSendsNothing(t *testing.T) {
	svc, client, db := newTestService(t)

	c := &store.Contact{
		Address:          "peer-quiet",
		ProfileVersion:   "v1",
		ProfileExpiresAt: time.Now().Add(12 * time.Hour).UnixMilli(),
	}
	if err := db.InsertContact(c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	resp := payload.NewProfileResponse(payload.RequestTypeHeader, "v1", nil, "peer-dev")
	if err := svc.HandleResponse(context.Background(), "peer-quiet", resp); err != nil {
		t.Fatalf("HandleResponse() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if sends := client.Sends(); len(sends) != 0 {
		t.Errorf("header match triggered %d sends, want 0", len(sends))
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	svc, _, _ := newTestService(t)

	c, err := svc.GetOrCreate(context.Background(), "peer-8")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	before := c.ProfileVersion

	name := "Renamed"
	c, err = svc.Update(context.Background(), "peer-8", Mutation{FirstName: &name})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if c.FirstName != "Renamed" {
		t.Errorf("FirstName = %q", c.FirstName)
	}
	if c.ProfileVersion == before || c.ProfileVersion == "" {
		t.Error("profile version not bumped")
	}
}

func TestMeIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, err := svc.Me()
	if err != nil {
		t.Fatalf("Me() error = %v", err)
	}
	second, err := svc.Me()
	if err != nil {
		t.Fatalf("second Me() error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Me() returned different rows: %d vs %d", first.ID, second.ID)
	}
	if first.Type != store.ContactMe {
		t.Errorf("Type = %v, want me", first.Type)
	}
}
