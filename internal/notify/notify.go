package notify

import (
	"context"
	"errors"
	"time"

	"github.com/vypdev/vaultstadio-sub008/internal/models"
)

// Event announces that an account's change log grew. Receivers pull from
// their own cursor to get the records.
type Event struct {
	OwnerID    string            `json:"ownerId"`
	Cursor     int64             `json:"cursor"`
	ItemID     string            `json:"itemId"`
	ChangeType models.ChangeType `json:"changeType"`
	DeviceID   string            `json:"deviceId,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func EventFor(rec models.ChangeRecord) Event {
	return Event{
		OwnerID:    rec.OwnerID,
		Cursor:     rec.Cursor,
		ItemID:     rec.ItemID,
		ChangeType: rec.ChangeType,
		DeviceID:   rec.DeviceID,
		Timestamp:  rec.Timestamp,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
