// Package delivery derives the delivery status shown next to a message.
package delivery

import (
	"time"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
)

// Resolve returns the status of item. counterpartyLastReadAt is the last
// read timestamp of the other participant, if known; it covers read
// receipts that arrive before the message's own read_at is stored.
//
// Rules are a strict priority chain; the first match wins.
func Resolve(item model.TimelineItem, counterpartyLastReadAt *time.Time) model.DeliveryStatus {
	msg := item.Message
	switch {
	case item.Failed:
		return model.StatusFailed
	case item.Pending:
		return model.StatusSending
	case msg.ReadAt != nil:
		return model.StatusRead
	case counterpartyLastReadAt != nil && !msg.CreatedAt.IsZero() && !msg.CreatedAt.After(*counterpartyLastReadAt):
		return model.StatusRead
	case msg.DeliveredAt != nil:
		return model.StatusDelivered
	case !msg.CreatedAt.IsZero():
		return model.StatusSent
	default:
		return model.StatusSending
	}
}
