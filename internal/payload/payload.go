package payload

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentType enumerates the kinds of payloads carried on the wire.
type ContentType string

const (
	Text    ContentType = "text"
	Image   ContentType = "image"
	Audio   ContentType = "audio"
	Video   ContentType = "video"
	File    ContentType = "file"
	Media   ContentType = "media"
	Receipt ContentType = "receipt"
	Read    ContentType = "read"
	Piece   ContentType = "piece"

	TopicSubscribe   ContentType = "event:subscribe"
	TopicUnsubscribe ContentType = "event:unsubscribe"
	ContactProfile   ContentType = "contact:profile"
)

// IsChat reports whether the content type produces a chat-history row.
func (c ContentType) IsChat() bool {
	switch c {
	case Text, Image, Audio, Video, File, Media:
		return true
	}
	return false
}

// Profile exchange discriminators.
const (
	RequestTypeHeader = "header"
	RequestTypeFull   = "full"
)

// ErrInvalidEnvelope is returned when a decoded envelope is missing the
// required id or contentType fields.
var ErrInvalidEnvelope = errors.New("invalid payload envelope")

// Envelope is the structured text envelope carried in every network
// message. One envelope per datagram; ID is the application-level
// dedup/correlation key, distinct from any transport message id.
type Envelope struct {
	ID          string          `json:"id"`
	Timestamp   int64           `json:"timestamp"`
	ContentType ContentType     `json:"contentType"`
	Content     json.RawMessage `json:"content,omitempty"`
	Options     *Options        `json:"options,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	GroupID     string          `json:"groupId,omitempty"`
	DeviceID    string          `json:"deviceId,omitempty"`

	// Control fields. TargetID references the acknowledged payload id on
	// receipt envelopes; ReadIDs carries the payload ids covered by a read
	// envelope. The profile discriminator is exactly one of
	// RequestType/ResponseType.
	TargetID     string   `json:"targetID,omitempty"`
	ReadIDs      []string `json:"readIds,omitempty"`
	RequestType  string   `json:"requestType,omitempty"`
	ResponseType string   `json:"responseType,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// Options carries free-form payload metadata.
type Options struct {
	FileName       string `json:"fileName,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
	FileExt        string `json:"fileExt,omitempty"`
	FileType       string `json:"fileType,omitempty"`
	MediaWidth     int    `json:"mediaWidth,omitempty"`
	MediaHeight    int    `json:"mediaHeight,omitempty"`
	AudioDuration  int    `json:"audioDuration,omitempty"`
	ProfileVersion string `json:"profileVersion,omitempty"`

	PieceIndex      *int   `json:"piece_index,omitempty"`
	PieceTotal      *int   `json:"piece_total,omitempty"`
	PieceParity     *int   `json:"piece_parity,omitempty"`
	PieceParentType string `json:"piece_parent_type,omitempty"`
	PieceByteLength int    `json:"piece_bytes_length,omitempty"`
}

// PieceInfo describes one fragment of an oversized message.
type PieceInfo struct {
	Index      int
	Total      int
	Parity     int
	ParentType ContentType
	ByteLength int
}

// Piece extracts fragment metadata from the options. Returns an error when
// any of index/total/parity is absent.
func (o *Options) Piece() (*PieceInfo, error) {
	if o == nil || o.PieceIndex == nil || o.PieceTotal == nil || o.PieceParity == nil {
		return nil, errors.New("missing piece options")
	}
	return &PieceInfo{
		Index:      *o.PieceIndex,
		Total:      *o.PieceTotal,
		Parity:     *o.PieceParity,
		ParentType: ContentType(o.PieceParentType),
		ByteLength: o.PieceByteLength,
	}, nil
}

// ProfileContent is the content object of a full contact:profile response.
type ProfileContent struct {
	Name   string         `json:"name,omitempty"`
	Avatar *ProfileAvatar `json:"avatar,omitempty"`
}

// ProfileAvatar carries base64-encoded avatar binary plus its extension.
type ProfileAvatar struct {
	Type string `json:"type,omitempty"`
	Data string `json:"data,omitempty"`
	Ext  string `json:"ext,omitempty"`
}

// Bytes decodes the avatar binary.
func (a *ProfileAvatar) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("decode avatar: %w", err)
	}
	return data, nil
}

// Decode parses a raw network datagram into an envelope. Envelopes missing
// id or contentType are rejected at the boundary.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if e.ID == "" || e.ContentType == "" {
		return nil, ErrInvalidEnvelope
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return &e, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Text returns the content as a plain string. Content is normally a JSON
// string; non-string content is returned verbatim.
func (e *Envelope) Text() string {
	var s string
	if err := json.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	return string(e.Content)
}

// Profile parses the content object of a full profile response.
func (e *Envelope) Profile() (*ProfileContent, error) {
	var p ProfileContent
	if err := json.Unmarshal(e.Content, &p); err != nil {
		return nil, fmt.Errorf("parse profile content: %w", err)
	}
	return &p, nil
}

func newEnvelope(ct ContentType, deviceID string) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UnixMilli(),
		ContentType: ct,
		DeviceID:    deviceID,
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// NewText builds a text chat envelope.
func NewText(content, deviceID string) *Envelope {
	e := newEnvelope(Text, deviceID)
	e.Content = mustJSON(content)
	return e
}

// NewMedia builds a chat envelope of the given media kind. Content is the
// base64-encoded binary; opts carries file metadata.
func NewMedia(kind ContentType, content, deviceID string, opts *Options) *Envelope {
	e := newEnvelope(kind, deviceID)
	e.Content = mustJSON(content)
	e.Options = opts
	return e
}

// NewReceipt builds a receipt envelope acknowledging the given payload id.
func NewReceipt(targetID, deviceID string) *Envelope {
	e := newEnvelope(Receipt, deviceID)
	e.TargetID = targetID
	return e
}

// NewRead builds a read envelope covering the given payload ids.
func NewRead(readIDs []string, deviceID string) *Envelope {
	e := newEnvelope(Read, deviceID)
	e.ReadIDs = readIDs
	return e
}

// NewTopicSubscribe builds the broadcast notification a peer sends after
// a genuinely new on-ledger subscription.
func NewTopicSubscribe(topic, deviceID string) *Envelope {
	e := newEnvelope(TopicSubscribe, deviceID)
	e.Topic = topic
	return e
}

// NewTopicUnsubscribe builds the broadcast notification sent on leaving a
// topic.
func NewTopicUnsubscribe(topic, deviceID string) *Envelope {
	e := newEnvelope(TopicUnsubscribe, deviceID)
	e.Topic = topic
	return e
}

// NewProfileRequest builds a contact:profile request carrying the caller's
// own profile version.
func NewProfileRequest(requestType, version, deviceID string) *Envelope {
	e := newEnvelope(ContactProfile, deviceID)
	e.RequestType = requestType
	e.Version = version
	return e
}

// NewProfileResponse builds a contact:profile response. Header responses
// carry only the version; full responses carry name and avatar content.
func NewProfileResponse(responseType, version string, content *ProfileContent, deviceID string) *Envelope {
	e := newEnvelope(ContactProfile, deviceID)
	e.ResponseType = responseType
	e.Version = version
	if content != nil {
		e.Content = mustJSON(content)
	}
	return e
}

// NewPiece builds one fragment envelope of an oversized message. All
// fragments share the owning payload id; index identifies the shard.
func NewPiece(ownerID string, shard []byte, info PieceInfo, deviceID string) *Envelope {
	e := newEnvelope(Piece, deviceID)
	e.ID = ownerID
	e.Content = mustJSON(base64.StdEncoding.EncodeToString(shard))
	e.Options = &Options{
		PieceIndex:      &info.Index,
		PieceTotal:      &info.Total,
		PieceParity:     &info.Parity,
		PieceParentType: string(info.ParentType),
		PieceByteLength: info.ByteLength,
	}
	return e
}
