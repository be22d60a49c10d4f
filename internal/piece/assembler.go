package piece

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nknorg/d-chat/internal/payload"
	"github.com/nknorg/d-chat/internal/store"
)

// Assembler collects message fragments until a payload can be rebuilt.
// Fragments are persisted soft-deleted so they survive restarts without
// ever showing up in chat history.
type Assembler struct {
	db     *store.DB
	logger *zap.Logger
}

func NewAssembler(db *store.DB, logger *zap.Logger) *Assembler {
	return &Assembler{db: db, logger: logger.Named("piece")}
}

// Receive stores one fragment and attempts reassembly. Returns the
// rebuilt parent envelope once enough shards are on hand, nil while the
// payload is still incomplete or already assembled.
func (a *Assembler) Receive(src string, env *payload.Envelope) (*payload.Envelope, error) {
	info, err := env.Options.Piece()
	if err != nil {
		return nil, err
	}
	if info.Total <= 0 || info.Index < 0 || info.Index >= info.Total+info.Parity {
		return nil, fmt.Errorf("piece index %d out of range (total %d, parity %d)",
			info.Index, info.Total, info.Parity)
	}
	if info.ParentType == "" || info.ParentType == payload.Piece {
		return nil, fmt.Errorf("invalid piece parent type %q", info.ParentType)
	}

	// Already rebuilt by an earlier shard; late arrivals are dropped.
	done, err := a.db.HasMessage(env.ID, info.ParentType)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}

	stored, err := a.db.ListPieces(env.ID)
	if err != nil {
		return nil, err
	}
	if !hasIndex(stored, info.Index) {
		optsJSON, err := json.Marshal(env.Options)
		if err != nil {
			return nil, fmt.Errorf("encode piece options: %w", err)
		}
		now := time.Now().UnixMilli()
		m := &store.Message{
			PayloadID:   env.ID,
			Sender:      src,
			TargetID:    src,
			TargetType:  store.TargetContact,
			ContentType: payload.Piece,
			Content:     env.Text(),
			Options:     string(optsJSON),
			DeviceID:    env.DeviceID,
			SentAt:      env.Timestamp,
			ReceivedAt:  now,
			IsDeleted:   true,
			DeletedAt:   now,
		}
		if err := a.db.InsertMessage(m); err != nil {
			return nil, fmt.Errorf("store piece: %w", err)
		}
		stored = append(stored, *m)
	}

	shards, have, dataHave, err := collectShards(stored, info)
	if err != nil {
		return nil, err
	}

	var content []byte
	switch {
	case dataHave == info.Total:
		// Every data shard present: plain concatenation.
		var out []byte
		for i := 0; i < info.Total; i++ {
			out = append(out, shards[i]...)
		}
		content = out
	case have >= info.Total && info.Parity > 0:
		content, err = Combine(shards, info.Total, info.Parity, byteLength(info, shards))
		if err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}
	if info.ByteLength > 0 && len(content) > info.ByteLength {
		content = content[:info.ByteLength]
	}

	if err := a.db.MarkPiecesDeleted(env.ID); err != nil {
		a.logger.Warn("mark pieces deleted", zap.String("payload", env.ID), zap.Error(err))
	}

	parent := &payload.Envelope{
		ID:          env.ID,
		Timestamp:   env.Timestamp,
		ContentType: info.ParentType,
		DeviceID:    env.DeviceID,
		Topic:       env.Topic,
		GroupID:     env.GroupID,
	}
	raw, err := json.Marshal(string(content))
	if err != nil {
		return nil, fmt.Errorf("encode assembled content: %w", err)
	}
	parent.Content = raw
	if env.Options != nil {
		opts := *env.Options
		opts.PieceIndex = nil
		opts.PieceTotal = nil
		opts.PieceParity = nil
		opts.PieceParentType = ""
		opts.PieceByteLength = 0
		parent.Options = &opts
	}
	return parent, nil
}

func hasIndex(pieces []store.Message, index int) bool {
	for i := range pieces {
		info, err := pieceInfo(&pieces[i])
		if err == nil && info.Index == index {
			return true
		}
	}
	return false
}

// collectShards decodes stored fragments into a shard slice indexed by
// piece position. have counts distinct shards, dataHave those below
// total.
func collectShards(pieces []store.Message, info *payload.PieceInfo) ([][]byte, int, int, error) {
	shards := make([][]byte, info.Total+info.Parity)
	have, dataHave := 0, 0
	for i := range pieces {
		pi, err := pieceInfo(&pieces[i])
		if err != nil {
			continue
		}
		if pi.Index < 0 || pi.Index >= len(shards) || shards[pi.Index] != nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(pieces[i].Content)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("decode shard %d: %w", pi.Index, err)
		}
		shards[pi.Index] = data
		have++
		if pi.Index < info.Total {
			dataHave++
		}
	}
	return shards, have, dataHave, nil
}

func pieceInfo(m *store.Message) (*payload.PieceInfo, error) {
	var opts payload.Options
	if err := json.Unmarshal([]byte(m.Options), &opts); err != nil {
		return nil, err
	}
	return opts.Piece()
}

func byteLength(info *payload.PieceInfo, shards [][]byte) int {
	if info.ByteLength > 0 {
		return info.ByteLength
	}
	for _, sh := range shards {
		if sh != nil {
			return len(sh) * info.Total
		}
	}
	return 0
}
