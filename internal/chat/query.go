package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nknorg/d-chat/internal/bus"
	"github.com/nknorg/d-chat/internal/payload"
	"github.com/nknorg/d-chat/internal/store"
)

// History returns chat history for a conversation, newest first.
func (e *Engine) History(targetID string, targetType store.TargetType, limit, offset int) ([]store.Message, error) {
	return e.db.ListMessages(targetID, targetType, limit, offset)
}

// Sessions returns the conversation list, pinned first, then by recency.
func (e *Engine) Sessions(limit, offset int) ([]store.Session, error) {
	return e.db.ListSessions(limit, offset)
}

// Session returns one conversation aggregate, or nil when absent.
func (e *Engine) Session(targetID string, targetType store.TargetType) (*store.Session, error) {
	return e.db.GetSession(targetID, targetType)
}

// UnreadTotal returns the unread count across all conversations.
func (e *Engine) UnreadTotal() (int64, error) {
	return e.db.UnreadCount()
}

// Contacts returns the contact book, optionally filtered by type.
func (e *Engine) Contacts(ctype *store.ContactType, limit, offset int) ([]store.Contact, error) {
	return e.contacts.List(ctype, limit, offset)
}

// Topics returns every joined topic.
func (e *Engine) Topics() ([]store.Topic, error) {
	return e.topics.Joined()
}

// PinSession pins or unpins a conversation.
func (e *Engine) PinSession(targetID string, targetType store.TargetType, top bool) error {
	if err := e.db.SetSessionTop(targetID, targetType, top); err != nil {
		return err
	}
	e.bus.Emit(bus.KindSessionUpdated, targetID)
	return nil
}

// ReadAll marks a conversation read: senders of the unread messages get
// a read payload covering their ids, then the local rows flip in one
// statement and the session counter clears.
func (e *Engine) ReadAll(ctx context.Context, targetID string, targetType store.TargetType) error {
	unread, err := e.db.UnreadMessages(targetID, targetType)
	if err != nil {
		return err
	}

	bySender := map[string][]string{}
	for i := range unread {
		m := &unread[i]
		bySender[m.Sender] = append(bySender[m.Sender], m.PayloadID)
	}
	if len(bySender) > 0 {
		client, err := e.net.WaitForActive(ctx)
		if err != nil {
			return err
		}
		for sender, ids := range bySender {
			env := payload.NewRead(ids, e.deviceID)
			data, err := env.Encode()
			if err != nil {
				return err
			}
			if _, err := client.Send(ctx, []string{sender}, data); err != nil {
				e.logger.Debug("read ack failed", zap.String("dest", sender), zap.Error(err))
			}
		}
	}

	if err := e.db.MarkReadByTarget(targetID, targetType); err != nil {
		return err
	}
	if err := e.db.ClearSessionUnread(targetID, targetType); err != nil {
		return err
	}
	e.bus.Emit(bus.KindSessionUpdated, targetID)
	return nil
}

// DeleteSession removes a conversation: history rows are soft-deleted,
// the aggregate is dropped, and focus is cleared if it pointed here.
func (e *Engine) DeleteSession(targetID string, targetType store.TargetType) error {
	if err := e.db.MarkMessagesDeleted(targetID, targetType); err != nil {
		return err
	}
	if err := e.db.DeleteSession(targetID, targetType); err != nil {
		return err
	}
	e.mu.Lock()
	if e.focusID == targetID && e.focusType == targetType {
		e.focusID = ""
		e.focusType = 0
	}
	e.mu.Unlock()
	e.bus.Emit(bus.KindSessionUpdated, targetID)
	return nil
}

// SweepMedia drops expired media cache entries.
func (e *Engine) SweepMedia() (int64, error) {
	return e.db.SweepExpiredMedia(time.Now().UnixMilli())
}
