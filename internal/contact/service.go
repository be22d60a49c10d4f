package contact

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nknorg/d-chat/internal/bus"
	"github.com/nknorg/d-chat/internal/payload"
	"github.com/nknorg/d-chat/internal/store"
	"github.com/nknorg/d-chat/internal/transport"
)

const (
	// ProfileFreshFor is how long a fetched profile stays fresh. Inside
	// this window the stored profile is trusted without re-verification.
	ProfileFreshFor = 24 * time.Hour

	// ProfileProbeMargin is how close to expiry a profile must be before
	// inbound traffic triggers a cheap header probe.
	ProfileProbeMargin = time.Hour
)

// Network is the slice of the connection manager the profile protocol
// needs: a ready transport client and the local address.
type Network interface {
	WaitForActive(ctx context.Context) (transport.Client, error)
	ActiveAddress() string
}

// Service implements the contact:profile exchange and the local contact
// book on top of it.
type Service struct {
	db       *store.DB
	net      Network
	bus      *bus.Bus
	logger   *zap.Logger
	deviceID string
	now      func() time.Time
}

func NewService(db *store.DB, net Network, b *bus.Bus, logger *zap.Logger, deviceID string) *Service {
	return &Service{
		db:       db,
		net:      net,
		bus:      b,
		logger:   logger.Named("contact"),
		deviceID: deviceID,
		now:      time.Now,
	}
}

// Me returns the contact row for the local address, creating it on first
// call. The local row never participates in outbound refresh.
func (s *Service) Me() (*store.Contact, error) {
	addr := s.net.ActiveAddress()
	if addr == "" {
		return nil, fmt.Errorf("local address unknown: not connected")
	}
	c, err := s.db.GetContact(addr)
	if err != nil {
		return nil, fmt.Errorf("load own contact: %w", err)
	}
	if c != nil {
		return c, nil
	}
	c = &store.Contact{
		Address:        addr,
		Type:           store.ContactMe,
		ProfileVersion: uuid.NewString(),
	}
	if err := s.db.InsertContact(c); err != nil {
		if store.IsUniqueViolation(err) {
			return s.db.GetContact(addr)
		}
		return nil, fmt.Errorf("create own contact: %w", err)
	}
	return c, nil
}

// GetOrCreate returns the contact for an address, creating a stranger row
// when none exists. Missing or expired profiles trigger a best-effort
// full request in the background; profiles still fresh are trusted as-is.
func (s *Service) GetOrCreate(ctx context.Context, address string) (*store.Contact, error) {
	c, created, err := s.lookup(address)
	if err != nil {
		return nil, err
	}
	if created {
		s.requestAsync(address, payload.RequestTypeFull)
		return c, nil
	}
	s.RefreshIfStale(ctx, c)
	return c, nil
}

// lookup loads a contact, creating a stranger row when none exists. It
// never sends; callers decide whether a probe is due.
func (s *Service) lookup(address string) (*store.Contact, bool, error) {
	c, err := s.db.GetContact(address)
	if err != nil {
		return nil, false, fmt.Errorf("load contact: %w", err)
	}
	if c != nil {
		return c, false, nil
	}
	c = &store.Contact{Address: address, Type: store.ContactStranger}
	if err := s.db.InsertContact(c); err != nil {
		if store.IsUniqueViolation(err) {
			// Lost a create race; the other writer's row is fine.
			c, err = s.db.GetContact(address)
			return c, false, err
		}
		return nil, false, fmt.Errorf("create contact: %w", err)
	}
	return c, true, nil
}

// RefreshIfStale issues the appropriate background probe for a known
// contact: a full request when the profile expired, a header probe when
// expiry is near, nothing while the profile is comfortably fresh. The
// local row is never probed.
func (s *Service) RefreshIfStale(ctx context.Context, c *store.Contact) {
	if c.Type == store.ContactMe || c.Address == s.net.ActiveAddress() {
		return
	}
	now := s.now().UnixMilli()
	switch {
	case c.ProfileExpiresAt <= now:
		s.requestAsync(c.Address, payload.RequestTypeFull)
	case c.ProfileExpiresAt-now <= ProfileProbeMargin.Milliseconds():
		s.requestAsync(c.Address, payload.RequestTypeHeader)
	}
}

// Request sends a contact:profile request of the given type. The version
// we hold is included so the peer can answer a header probe cheaply.
func (s *Service) Request(ctx context.Context, address, requestType string) error {
	c, err := s.db.GetContact(address)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	version := ""
	if c != nil {
		version = c.ProfileVersion
	}
	env := payload.NewProfileRequest(requestType, version, s.deviceID)
	return s.send(ctx, address, env)
}

// HandleRequest answers a peer's profile request with our own profile.
// Header requests, and full requests quoting our current version, get a
// header response; anything else gets the full profile.
func (s *Service) HandleRequest(ctx context.Context, src string, env *payload.Envelope) error {
	me, err := s.Me()
	if err != nil {
		return err
	}
	if env.RequestType == payload.RequestTypeHeader ||
		(env.Version != "" && env.Version == me.ProfileVersion) {
		resp := payload.NewProfileResponse(payload.RequestTypeHeader, me.ProfileVersion, nil, s.deviceID)
		return s.send(ctx, src, resp)
	}

	content := &payload.ProfileContent{Name: me.FirstName}
	if me.Avatar != "" {
		item, err := s.db.GetMedia(me.Avatar)
		if err != nil {
			s.logger.Warn("own avatar missing from media cache",
				zap.String("avatar", me.Avatar), zap.Error(err))
		} else {
			content.Avatar = &payload.ProfileAvatar{
				Type: "base64",
				Data: base64.StdEncoding.EncodeToString(item.Source),
				Ext:  item.Tags,
			}
		}
	}
	resp := payload.NewProfileResponse(payload.RequestTypeFull, me.ProfileVersion, content, s.deviceID)
	return s.send(ctx, src, resp)
}

// HandleResponse applies a peer's profile response. A header response
// with a matching version just extends the freshness window; a mismatch
// triggers a follow-up full request. A full response replaces the stored
// profile and avatar.
func (s *Service) HandleResponse(ctx context.Context, src string, env *payload.Envelope) error {
	c, _, err := s.lookup(src)
	if err != nil {
		return err
	}
	expiresAt := s.now().Add(ProfileFreshFor).UnixMilli()

	if env.ResponseType != payload.RequestTypeFull && len(env.Content) == 0 {
		if env.Version != c.ProfileVersion {
			s.requestAsync(src, payload.RequestTypeFull)
			return nil
		}
		return s.db.TouchContactExpiry(src, expiresAt)
	}

	p, err := env.Profile()
	if err != nil {
		return err
	}
	avatarID := c.Avatar
	if p.Avatar != nil && p.Avatar.Data != "" {
		data, err := p.Avatar.Bytes()
		if err != nil {
			return err
		}
		avatarID = uuid.NewString()
		if err := s.db.PutMedia(&store.MediaItem{
			ID:        avatarID,
			MediaType: store.MediaImage,
			Source:    data,
			Tags:      p.Avatar.Ext,
		}); err != nil {
			return fmt.Errorf("cache avatar: %w", err)
		}
		if c.Avatar != "" && c.Avatar != avatarID {
			if err := s.db.DeleteMedia(c.Avatar); err != nil {
				s.logger.Warn("delete replaced avatar", zap.String("id", c.Avatar), zap.Error(err))
			}
		}
	}
	if err := s.db.SetContactProfile(src, p.Name, avatarID, env.Version, expiresAt); err != nil {
		return fmt.Errorf("store profile: %w", err)
	}
	s.bus.Emit(bus.KindContactUpdated, src)
	return nil
}

// Mutation is a partial contact edit. Nil fields keep the stored value.
type Mutation struct {
	FirstName *string
	LastName  *string
	Avatar    *string
	Type      *store.ContactType
	Version   *string
}

// Update applies a partial edit to a contact. The profile version is
// bumped to a fresh uuid unless the mutation supplies one, so peers
// holding the old version re-fetch on their next probe.
func (s *Service) Update(ctx context.Context, address string, m Mutation) (*store.Contact, error) {
	c, _, err := s.lookup(address)
	if err != nil {
		return nil, err
	}
	if m.FirstName != nil {
		c.FirstName = *m.FirstName
	}
	if m.LastName != nil {
		c.LastName = *m.LastName
	}
	if m.Avatar != nil {
		if c.Avatar != "" && c.Avatar != *m.Avatar {
			if err := s.db.DeleteMedia(c.Avatar); err != nil {
				s.logger.Warn("delete replaced avatar", zap.String("id", c.Avatar), zap.Error(err))
			}
		}
		c.Avatar = *m.Avatar
	}
	if m.Type != nil {
		c.Type = *m.Type
	}
	if m.Version != nil {
		c.ProfileVersion = *m.Version
	} else {
		c.ProfileVersion = uuid.NewString()
	}
	if err := s.db.UpdateContact(c); err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}
	s.bus.Emit(bus.KindContactUpdated, address)
	return c, nil
}

// List returns contacts of an optional type, newest first.
func (s *Service) List(ctype *store.ContactType, limit, offset int) ([]store.Contact, error) {
	return s.db.ListContacts(ctype, limit, offset)
}

func (s *Service) send(ctx context.Context, address string, env *payload.Envelope) error {
	client, err := s.net.WaitForActive(ctx)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if _, err := client.Send(ctx, []string{address}, data); err != nil {
		return fmt.Errorf("send %s: %w", env.ContentType, err)
	}
	return nil
}

// requestAsync fires a profile request without blocking the caller.
// Failures are logged and dropped; the next inbound message retries.
func (s *Service) requestAsync(address, requestType string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Request(ctx, address, requestType); err != nil {
			s.logger.Debug("profile request failed",
				zap.String("address", address),
				zap.String("type", requestType),
				zap.Error(err))
		}
	}()
}
