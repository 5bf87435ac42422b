package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func ptr(t time.Time) *time.Time { return &t }

func TestResolvePriorityChain(t *testing.T) {
	created := at(20)
	cases := []struct {
		name     string
		item     model.TimelineItem
		lastRead *time.Time
		want     model.DeliveryStatus
	}{
		{
			name: "failed beats everything",
			item: model.TimelineItem{Failed: true, Pending: true, Message: model.Message{CreatedAt: created, ReadAt: ptr(at(30))}},
			want: model.StatusFailed,
		},
		{
			name: "in flight",
			item: model.TimelineItem{Pending: true, Message: model.Message{CreatedAt: created}},
			want: model.StatusSending,
		},
		{
			name: "read_at set",
			item: model.TimelineItem{Message: model.Message{CreatedAt: created, ReadAt: ptr(at(30)), DeliveredAt: ptr(at(21))}},
			want: model.StatusRead,
		},
		{
			name:     "covered by counterparty last read",
			item:     model.TimelineItem{Message: model.Message{CreatedAt: created}},
			lastRead: ptr(at(20)),
			want:     model.StatusRead,
		},
		{
			name:     "delivered",
			item:     model.TimelineItem{Message: model.Message{CreatedAt: created, DeliveredAt: ptr(at(21))}},
			lastRead: ptr(at(19)),
			want:     model.StatusDelivered,
		},
		{
			name: "sent",
			item: model.TimelineItem{Message: model.Message{CreatedAt: created}},
			want: model.StatusSent,
		},
		{
			name: "unknown",
			item: model.TimelineItem{},
			want: model.StatusSending,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Resolve(tc.item, tc.lastRead))
		})
	}
}

func TestResolveReadReceiptScenario(t *testing.T) {
	outgoing := model.TimelineItem{
		Key:     model.DurableKey("2"),
		Message: model.Message{ID: "2", SenderID: "me", Body: "hey", CreatedAt: at(20)},
	}

	assert.Equal(t, model.StatusSent, Resolve(outgoing, ptr(at(15))))
	assert.Equal(t, model.StatusRead, Resolve(outgoing, ptr(at(25))))
}
