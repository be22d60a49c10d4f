package store

import "github.com/nknorg/d-chat/internal/payload"

// TargetType classifies the destination of a message or session.
type TargetType int

const (
	TargetContact      TargetType = 1
	TargetTopic        TargetType = 2
	TargetPrivateGroup TargetType = 3
)

// ContactType classifies a contact row.
type ContactType int

const (
	ContactStranger ContactType = 0
	ContactMe       ContactType = 1
	ContactFriend   ContactType = 2
)

// SubscriberStatus is the cached membership state of a topic subscriber.
type SubscriberStatus int

const (
	SubscriberNone         SubscriberStatus = 0
	SubscriberSubscribed   SubscriberStatus = 1
	SubscriberUnsubscribed SubscriberStatus = 2
)

// Media types stored in the media cache.
const (
	MediaImage = "image"
	MediaFile  = "file"
	MediaVideo = "video"
	MediaAudio = "audio"
)

// Message is one chat-history (or soft-deleted fragment) row. PayloadID is
// the application-level dedup key; TransportID is the hex of the opaque
// transport-assigned message id.
type Message struct {
	ID          int64
	PayloadID   string
	TransportID string
	Sender      string
	Receiver    string
	TargetID    string
	TargetType  TargetType
	Status      payload.Status
	IsOutbound  bool
	SentAt      int64
	ReceivedAt  int64
	IsDeleted   bool
	DeletedAt   int64
	ContentType payload.ContentType
	Content     string
	Options     string
	DeviceID    string
}

// Session is the per-conversation aggregate, one row per (target id, type).
type Session struct {
	ID                  int64
	TargetID            string
	TargetType          TargetType
	LastMessageOutbound bool
	LastMessageSender   string
	LastMessageAt       int64
	LastMessagePayload  string
	LastMessageOptions  string
	IsTop               bool
	UnReadCount         int
}

// Contact is one row per network address.
type Contact struct {
	ID               int64
	Address          string
	Type             ContactType
	FirstName        string
	LastName         string
	Avatar           string
	ProfileVersion   string
	ProfileExpiresAt int64
	CreatedAt        int64
	UpdatedAt        int64
}

// Topic is the local view of one broadcast topic.
type Topic struct {
	ID           int64
	Topic        string
	Joined       bool
	SubscribeAt  int64
	ExpireHeight int64
	Count        int
	Avatar       string
	CreatedAt    int64
	UpdatedAt    int64
}

// Subscriber is the reconciled cache of one ledger-anchored topic
// membership; authoritative truth lives on the ledger.
type Subscriber struct {
	ID             int64
	Topic          string
	ContactAddress string
	Status         SubscriberStatus
	CreatedAt      int64
	UpdatedAt      int64
}

// MediaItem is one binary blob in the media cache.
type MediaItem struct {
	ID           string
	MediaType    string
	Source       []byte
	Thumbnail    []byte
	Size         int64
	CreatedAt    int64
	LastAccessed int64
	ExpiresAt    int64
	Tags         string
}
