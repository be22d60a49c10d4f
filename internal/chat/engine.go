// Package chat is the protocol engine: it classifies inbound payloads,
// maintains chat history and per-conversation sessions, and drives the
// contact, topic and piece services.
package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nknorg/d-chat/internal/bus"
	"github.com/nknorg/d-chat/internal/contact"
	"github.com/nknorg/d-chat/internal/payload"
	"github.com/nknorg/d-chat/internal/piece"
	"github.com/nknorg/d-chat/internal/store"
	"github.com/nknorg/d-chat/internal/topic"
	"github.com/nknorg/d-chat/internal/transport"
)

const inboundTimeout = time.Minute

// Network is the slice of the connection manager the engine needs.
type Network interface {
	WaitForActive(ctx context.Context) (transport.Client, error)
	ActiveAddress() string
}

// Engine wires the protocol together. All collaborators are injected;
// the engine owns no goroutines besides short-lived acks.
type Engine struct {
	db       *store.DB
	net      Network
	contacts *contact.Service
	topics   *topic.Service
	pieces   *piece.Assembler
	bus      *bus.Bus
	logger   *zap.Logger
	deviceID string

	mu        sync.Mutex
	focusID   string
	focusType store.TargetType
}

func NewEngine(db *store.DB, net Network, contacts *contact.Service, topics *topic.Service,
	pieces *piece.Assembler, b *bus.Bus, logger *zap.Logger, deviceID string) *Engine {
	return &Engine{
		db:       db,
		net:      net,
		contacts: contacts,
		topics:   topics,
		pieces:   pieces,
		bus:      b,
		logger:   logger.Named("chat"),
		deviceID: deviceID,
	}
}

// SetCurrentTarget records which conversation the user is looking at.
// Messages for the focused target do not bump the unread counter.
func (e *Engine) SetCurrentTarget(targetID string, targetType store.TargetType) {
	e.mu.Lock()
	e.focusID = targetID
	e.focusType = targetType
	e.mu.Unlock()
}

func (e *Engine) focused(targetID string, targetType store.TargetType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focusID == targetID && e.focusType == targetType
}

// HandleInbound is the transport callback for one raw datagram. Errors
// never propagate to the network layer; they are logged and the
// datagram is dropped.
func (e *Engine) HandleInbound(in transport.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	if _, err := e.net.WaitForActive(ctx); err != nil {
		e.logger.Warn("inbound before ready", zap.Error(err))
		return
	}
	env, err := payload.Decode(in.Payload)
	if err != nil {
		e.logger.Debug("reject malformed payload", zap.String("src", in.Src), zap.Error(err))
		return
	}
	e.dispatch(ctx, in.Src, env, in.MessageID)
}

func (e *Engine) dispatch(ctx context.Context, src string, env *payload.Envelope, transportID []byte) {
	own := e.net.ActiveAddress()
	if src != own && env.ContentType != payload.ContactProfile {
		// Opportunistic profile refresh for anyone who talks to us.
		// Profile traffic itself is exempt, otherwise two peers would
		// answer each other's probes with probes forever.
		if _, err := e.contacts.GetOrCreate(ctx, src); err != nil {
			e.logger.Warn("contact refresh failed", zap.String("src", src), zap.Error(err))
		}
	}
	if env.Topic != "" {
		e.checkTopicDrift(env.Topic, src)
	}

	switch env.ContentType {
	case payload.Receipt:
		e.handleReceipt(env)

	case payload.Read:
		e.handleRead(env)

	case payload.TopicSubscribe:
		if err := e.topics.ReceiveSubscribe(ctx, env.Topic, src); err != nil {
			e.logger.Warn("apply subscribe event", zap.String("topic", env.Topic), zap.Error(err))
		}

	case payload.TopicUnsubscribe:
		if err := e.topics.ReceiveUnsubscribe(ctx, env.Topic, src); err != nil {
			e.logger.Warn("apply unsubscribe event", zap.String("topic", env.Topic), zap.Error(err))
		}

	case payload.ContactProfile:
		var err error
		if env.RequestType != "" {
			err = e.contacts.HandleRequest(ctx, src, env)
		} else {
			err = e.contacts.HandleResponse(ctx, src, env)
		}
		if err != nil {
			e.logger.Warn("profile exchange failed", zap.String("src", src), zap.Error(err))
		}

	case payload.Text, payload.Image, payload.Audio, payload.Video, payload.File, payload.Media:
		e.handleChat(ctx, src, env, transportID)

	case payload.Piece:
		parent, err := e.pieces.Receive(src, env)
		if err != nil {
			e.logger.Warn("piece rejected", zap.String("src", src), zap.Error(err))
			return
		}
		if parent != nil {
			e.dispatch(ctx, src, parent, transportID)
		}

	default:
		e.logger.Debug("drop unknown content type",
			zap.String("src", src),
			zap.String("contentType", string(env.ContentType)))
	}
}

func (e *Engine) handleReceipt(env *payload.Envelope) {
	if env.TargetID == "" {
		return
	}
	m, err := e.db.MergeStatus(env.TargetID, payload.StatusSent|payload.StatusReceipt, time.Now().UnixMilli())
	if err != nil {
		e.logger.Warn("merge receipt", zap.String("payload", env.TargetID), zap.Error(err))
		return
	}
	if m != nil {
		e.bus.Emit(bus.KindMessageUpdated, m.PayloadID)
	}
}

func (e *Engine) handleRead(env *payload.Envelope) {
	if len(env.ReadIDs) == 0 {
		return
	}
	msgs, err := e.db.MergeStatusBatch(env.ReadIDs, payload.StatusSent|payload.StatusReceipt|payload.StatusRead)
	if err != nil {
		e.logger.Warn("merge read batch", zap.Int("count", len(env.ReadIDs)), zap.Error(err))
		return
	}
	for i := range msgs {
		e.bus.Emit(bus.KindMessageUpdated, msgs[i].PayloadID)
	}
}

func (e *Engine) handleChat(ctx context.Context, src string, env *payload.Envelope, transportID []byte) {
	own := e.net.ActiveAddress()
	isOutbound := src == own

	targetID, targetType := src, store.TargetContact
	switch {
	case env.Topic != "":
		targetID, targetType = env.Topic, store.TargetTopic
	case env.GroupID != "":
		targetID, targetType = env.GroupID, store.TargetPrivateGroup
	}

	// Our own direct send echoed back through another device: the
	// original send already wrote history.
	if isOutbound && targetType == store.TargetContact {
		return
	}

	status := payload.StatusSent | payload.StatusReceipt
	if isOutbound {
		// Own broadcast landing back from the topic: fully delivered
		// and read by definition.
		status |= payload.StatusRead
	}

	if !isOutbound && targetType == store.TargetContact {
		e.sendReceiptAsync(src, env.ID)
	}

	optsJSON := ""
	if env.Options != nil {
		if data, err := jsonMarshal(env.Options); err == nil {
			optsJSON = string(data)
		}
	}
	now := time.Now().UnixMilli()
	m := &store.Message{
		PayloadID:   env.ID,
		TransportID: hexString(transportID),
		Sender:      src,
		Receiver:    own,
		TargetID:    targetID,
		TargetType:  targetType,
		Status:      status,
		IsOutbound:  isOutbound,
		SentAt:      env.Timestamp,
		ReceivedAt:  now,
		ContentType: env.ContentType,
		Content:     env.Text(),
		Options:     optsJSON,
		DeviceID:    env.DeviceID,
	}
	inserted, err := e.db.InsertMessageUnique(m)
	if err != nil {
		e.logger.Error("store message", zap.String("payload", env.ID), zap.Error(err))
		return
	}
	if !inserted {
		// Redelivery; the receipt above re-acks it.
		return
	}
	e.bus.Emit(bus.KindMessageAdded, m.PayloadID)
	e.updateSession(m)
}

// updateSession folds one new message into its conversation aggregate.
// Only inbound messages for an unfocused conversation count as unread.
func (e *Engine) updateSession(m *store.Message) {
	unread := 0
	if !m.IsOutbound && !e.focused(m.TargetID, m.TargetType) {
		unread = 1
	}
	s := &store.Session{
		TargetID:            m.TargetID,
		TargetType:          m.TargetType,
		LastMessageOutbound: m.IsOutbound,
		LastMessageSender:   m.Sender,
		LastMessageAt:       m.SentAt,
		LastMessagePayload:  m.Content,
		LastMessageOptions:  m.Options,
		UnReadCount:         unread,
	}
	stored, err := e.db.UpsertSession(s)
	if err != nil {
		e.logger.Error("update session", zap.String("target", m.TargetID), zap.Error(err))
		return
	}
	e.bus.Emit(bus.KindSessionUpdated, stored.TargetID)
}

// checkTopicDrift resyncs the cached subscriber set in the background
// when the sender is not a known member or the live count has moved.
func (e *Engine) checkTopicDrift(topicName, sender string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
		defer cancel()
		due, err := e.topics.ShouldSync(ctx, topicName, sender)
		if err != nil || !due {
			return
		}
		if err := e.topics.SyncSubscribers(ctx, topicName); err != nil {
			e.logger.Warn("topic resync failed", zap.String("topic", topicName), zap.Error(err))
		}
	}()
}

func (e *Engine) sendReceiptAsync(dest, payloadID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		client, err := e.net.WaitForActive(ctx)
		if err != nil {
			return
		}
		env := payload.NewReceipt(payloadID, e.deviceID)
		data, err := env.Encode()
		if err != nil {
			return
		}
		if _, err := client.Send(ctx, []string{dest}, data); err != nil {
			e.logger.Debug("receipt send failed", zap.String("dest", dest), zap.Error(err))
		}
	}()
}
