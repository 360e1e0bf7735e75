package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

// NotifyChannel is a Postgres LISTEN/NOTIFY channel name.
const (
	ChannelChecklists      = "hyoka_checklists"
	ChannelReconciliations = "hyoka_reconciliations"
)

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// NotifyChecklistEvent marshals the event and publishes it on the checklist channel.
// Used by the service layer after each successful mutation so SSE subscribers
// on any replica see the change.
func (db *DB) NotifyChecklistEvent(ctx context.Context, ev model.ChecklistEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: marshal checklist event: %w", err)
	}
	return db.Notify(ctx, ChannelChecklists, string(payload))
}

// NotifyReconciliationEvent publishes a reconciliation lifecycle change on
// the reconciliation channel.
func (db *DB) NotifyReconciliationEvent(ctx context.Context, ev model.ReconciliationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: marshal reconciliation event: %w", err)
	}
	return db.Notify(ctx, ChannelReconciliations, string(payload))
}
