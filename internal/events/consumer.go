package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/halcyonhost/panel/internal/models"
)

// queueGroup makes notification delivery exactly-once-ish across portal
// replicas: NATS hands each event to one member of the group.
const queueGroup = "panel-notifications"

// NotificationStore persists inbox notifications for consumed events.
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
}

// NotificationConsumer turns bus events into inbox notifications.
type NotificationConsumer struct {
	store NotificationStore
	log   *slog.Logger
	subs  []*nats.Subscription
}

func NewNotificationConsumer(store NotificationStore, log *slog.Logger) *NotificationConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &NotificationConsumer{store: store, log: log}
}

// Start subscribes to the billing and server subject trees. Handlers run on
// the NATS delivery goroutine; persistence errors are logged and the event
// dropped rather than redelivered.
func (c *NotificationConsumer) Start(conn *nats.Conn) error {
	billing, err := conn.QueueSubscribe("billing.>", queueGroup, func(msg *nats.Msg) {
		c.handleBilling(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe billing: %w", err)
	}
	c.subs = append(c.subs, billing)

	servers, err := conn.QueueSubscribe("servers.>", queueGroup, func(msg *nats.Msg) {
		c.handleServer(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe servers: %w", err)
	}
	c.subs = append(c.subs, servers)

	return nil
}

// Stop unsubscribes all active subscriptions.
func (c *NotificationConsumer) Stop() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	c.subs = nil
}

func (c *NotificationConsumer) handleBilling(subject string, data []byte) {
	var ev BillingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Error("decode billing event", "subject", subject, "error", err)
		return
	}

	n := &models.Notification{
		UserID: ev.UserID,
		Kind:   models.NotificationKindBilling,
	}
	switch subject {
	case SubjectCreditApplied:
		n.Title = "Credit applied"
		n.Body = fmt.Sprintf("Your account was credited %s. New balance: %s.",
			ev.Amount.StringFixed(2), ev.NewBalance.StringFixed(2))
	case SubjectDeductionRecorded:
		n.Title = "Balance deduction recorded"
		n.Body = fmt.Sprintf("%s (%s). New balance: %s.",
			ev.Description, ev.Amount.StringFixed(2), ev.NewBalance.StringFixed(2))
	default:
		c.log.Debug("ignoring billing subject", "subject", subject)
		return
	}

	c.persist(n, subject)
}

func (c *NotificationConsumer) handleServer(subject string, data []byte) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Error("decode server event", "subject", subject, "error", err)
		return
	}

	n := &models.Notification{
		UserID: ev.UserID,
		Kind:   models.NotificationKindServer,
	}
	switch subject {
	case SubjectServerProvisioned:
		n.Title = "Server ready"
		n.Body = fmt.Sprintf("%s has been provisioned and is now active.", ev.Hostname)
	case SubjectServerFailed:
		n.Title = "Server provisioning failed"
		n.Body = fmt.Sprintf("Provisioning of %s failed. The order amount has been refunded to your balance.", ev.Hostname)
		if ev.Reason != "" {
			n.Body = fmt.Sprintf("Provisioning of %s failed: %s. The order amount has been refunded to your balance.", ev.Hostname, ev.Reason)
		}
	default:
		c.log.Debug("ignoring server subject", "subject", subject)
		return
	}

	c.persist(n, subject)
}

func (c *NotificationConsumer) persist(n *models.Notification, subject string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Create(ctx, n); err != nil {
		c.log.Error("persist notification", "subject", subject, "user_id", n.UserID, "error", err)
	}
}
