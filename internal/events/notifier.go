package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notifier turns mailbox happenings into events on a Publisher
type Notifier struct {
	pub Publisher
	now func() time.Time
}

// NewNotifier creates a notifier publishing to pub
func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub, now: time.Now}
}

// Notify publishes a new_mail event for recipient
func (n *Notifier) Notify(ctx context.Context, recipient string, mail NewMail) error {
	return n.publish(ctx, recipient, EventTypeNewMail, mail)
}

// NotifyDeliveryStatus publishes a delivery_status event for the owner of an outbound message
func (n *Notifier) NotifyDeliveryStatus(ctx context.Context, owner string, st DeliveryStatus) error {
	return n.publish(ctx, owner, EventTypeDeliveryStatus, st)
}

func (n *Notifier) publish(ctx context.Context, recipient, typ string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", typ, err)
	}
	return n.pub.Publish(ctx, Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Recipient: strings.ToLower(recipient),
		Data:      data,
		Timestamp: n.now().UTC(),
	})
}

// MultiPublisher publishes every event to each of its publishers
type MultiPublisher []Publisher

// Publish calls every publisher and joins their errors
func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
