package chat

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nknorg/d-chat/internal/bus"
	"github.com/nknorg/d-chat/internal/payload"
	"github.com/nknorg/d-chat/internal/piece"
	"github.com/nknorg/d-chat/internal/store"
)

// Payloads above pieceThreshold are erasure-coded into shards of at
// most pieceShardSize so no single datagram exceeds what relays accept.
const (
	pieceThreshold = 24 << 10
	pieceShardSize = 8 << 10
	maxDataShards  = 64
)

// SendText sends a plain text message to a contact or topic.
func (e *Engine) SendText(ctx context.Context, targetID string, targetType store.TargetType, text string) (*store.Message, error) {
	env := payload.NewText(text, e.deviceID)
	return e.sendEnvelope(ctx, env, targetID, targetType)
}

// SendImage sends base64-encoded image content.
func (e *Engine) SendImage(ctx context.Context, targetID string, targetType store.TargetType, content string, opts *payload.Options) (*store.Message, error) {
	return e.SendMedia(ctx, payload.Image, targetID, targetType, content, opts)
}

// SendAudio sends base64-encoded audio content.
func (e *Engine) SendAudio(ctx context.Context, targetID string, targetType store.TargetType, content string, opts *payload.Options) (*store.Message, error) {
	return e.SendMedia(ctx, payload.Audio, targetID, targetType, content, opts)
}

// SendFile sends base64-encoded file content.
func (e *Engine) SendFile(ctx context.Context, targetID string, targetType store.TargetType, content string, opts *payload.Options) (*store.Message, error) {
	return e.SendMedia(ctx, payload.File, targetID, targetType, content, opts)
}

// SendMedia sends any media content type.
func (e *Engine) SendMedia(ctx context.Context, kind payload.ContentType, targetID string, targetType store.TargetType, content string, opts *payload.Options) (*store.Message, error) {
	if !kind.IsChat() {
		return nil, fmt.Errorf("content type %q is not a chat type", kind)
	}
	env := payload.NewMedia(kind, content, e.deviceID, opts)
	return e.sendEnvelope(ctx, env, targetID, targetType)
}

// JoinTopic subscribes to a topic and records the join in local history.
func (e *Engine) JoinTopic(ctx context.Context, topicName string) error {
	_, err := e.topics.Subscribe(ctx, topicName)
	return err
}

// LeaveTopic unsubscribes from a topic and appends the leave event to
// the topic's local history so the conversation shows when it ended.
func (e *Engine) LeaveTopic(ctx context.Context, topicName string) error {
	if err := e.topics.Unsubscribe(ctx, topicName); err != nil {
		return err
	}
	env := payload.NewTopicUnsubscribe(topicName, e.deviceID)
	now := time.Now().UnixMilli()
	m := &store.Message{
		PayloadID:   env.ID,
		Sender:      e.net.ActiveAddress(),
		TargetID:    topicName,
		TargetType:  store.TargetTopic,
		Status:      payload.StatusSent,
		IsOutbound:  true,
		SentAt:      now,
		ReceivedAt:  now,
		ContentType: payload.TopicUnsubscribe,
	}
	if err := e.db.InsertMessage(m); err != nil {
		return fmt.Errorf("record leave: %w", err)
	}
	e.bus.Emit(bus.KindMessageAdded, m.PayloadID)
	return nil
}

func (e *Engine) sendEnvelope(ctx context.Context, env *payload.Envelope, targetID string, targetType store.TargetType) (*store.Message, error) {
	client, err := e.net.WaitForActive(ctx)
	if err != nil {
		return nil, err
	}

	var dests []string
	switch targetType {
	case store.TargetContact:
		dests = []string{targetID}
	case store.TargetTopic:
		env.Topic = targetID
		addrs, err := e.topics.SubscriberAddresses(ctx, targetID)
		if err != nil {
			return nil, err
		}
		self := client.Address()
		for _, addr := range addrs {
			if addr != self {
				dests = append(dests, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported send target type %d", targetType)
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
		Sender:      client.Address(),
		Receiver:    targetID,
		TargetID:    targetID,
		TargetType:  targetType,
		Status:      payload.StatusSending,
		IsOutbound:  true,
		SentAt:      env.Timestamp,
		ReceivedAt:  now,
		ContentType: env.ContentType,
		Content:     env.Text(),
		Options:     optsJSON,
		DeviceID:    e.deviceID,
	}
	if err := e.db.InsertMessage(m); err != nil {
		return nil, fmt.Errorf("store outbound: %w", err)
	}
	e.bus.Emit(bus.KindMessageAdded, m.PayloadID)
	e.updateSession(m)

	sendErr := e.deliver(ctx, client, env, dests)
	if sendErr != nil {
		if _, err := e.db.MergeStatus(m.PayloadID, payload.StatusError, now); err != nil {
			e.logger.Error("flag send failure", zap.String("payload", m.PayloadID), zap.Error(err))
		}
		e.bus.Emit(bus.KindMessageUpdated, m.PayloadID)
		return m, fmt.Errorf("send %s: %w", env.ContentType, sendErr)
	}

	updated, err := e.db.MergeStatus(m.PayloadID, payload.StatusSent, time.Now().UnixMilli())
	if err == nil && updated != nil {
		m = updated
	}
	e.bus.Emit(bus.KindMessageUpdated, m.PayloadID)
	return m, nil
}

// deliver pushes one envelope to its destinations, erasure-coding the
// content into piece envelopes when it is too large for one datagram.
func (e *Engine) deliver(ctx context.Context, client sender, env *payload.Envelope, dests []string) error {
	if len(dests) == 0 {
		// Nobody else subscribed; the local history row stands alone.
		return nil
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if len(data) <= pieceThreshold {
		_, err = client.Send(ctx, dests, data)
		return err
	}

	content := []byte(env.Text())
	dataShards := (len(content) + pieceShardSize - 1) / pieceShardSize
	if dataShards > maxDataShards {
		dataShards = maxDataShards
	}
	if dataShards < 1 {
		dataShards = 1
	}
	parityShards := dataShards / 3
	if parityShards < 1 {
		parityShards = 1
	}
	shards, err := piece.Split(content, dataShards, parityShards)
	if err != nil {
		return err
	}
	for i, sh := range shards {
		pe := payload.NewPiece(env.ID, sh, payload.PieceInfo{
			Index:      i,
			Total:      dataShards,
			Parity:     parityShards,
			ParentType: env.ContentType,
			ByteLength: len(content),
		}, e.deviceID)
		pe.Topic = env.Topic
		pe.GroupID = env.GroupID
		if env.Options != nil {
			opts := *env.Options
			opts.PieceIndex = pe.Options.PieceIndex
			opts.PieceTotal = pe.Options.PieceTotal
			opts.PieceParity = pe.Options.PieceParity
			opts.PieceParentType = pe.Options.PieceParentType
			opts.PieceByteLength = pe.Options.PieceByteLength
			pe.Options = &opts
		}
		raw, err := pe.Encode()
		if err != nil {
			return err
		}
		if _, err := client.Send(ctx, dests, raw); err != nil {
			return fmt.Errorf("shard %d/%d: %w", i+1, len(shards), err)
		}
	}
	return nil
}

type sender interface {
	Address() string
	Send(ctx context.Context, dests []string, data []byte) ([]byte, error)
}

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }

func hexString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}
