package bunstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/MrEthical07/careAuth/store/bunstore/models"
)

// Append writes one audit event. Rows are never updated or deleted.
func (s *Store) Append(ctx context.Context, event careAuth.AuditEvent) error {
	metadata := "{}"
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = string(data)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	row := &models.AuditEvent{
		Timestamp: ts.UTC(),
		EventType: event.EventType,
		ActorID:   event.ActorID,
		AccountID: event.AccountID,
		Resource:  event.Resource,
		IP:        event.IP,
		Success:   event.Success,
		Error:     event.Error,
		Metadata:  metadata,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AuditQuery filters AuditEvents. Zero fields match everything.
type AuditQuery struct {
	AccountID string
	EventType string
	Since     time.Time
	Limit     int
}

// AuditEvents returns matching events oldest first.
func (s *Store) AuditEvents(ctx context.Context, q AuditQuery) ([]careAuth.AuditEvent, error) {
	var rows []models.AuditEvent
	sel := s.db.NewSelect().Model(&rows).Order("id ASC")
	if q.AccountID != "" {
		sel = sel.Where("account_id = ?", q.AccountID)
	}
	if q.EventType != "" {
		sel = sel.Where("event_type = ?", q.EventType)
	}
	if !q.Since.IsZero() {
		sel = sel.Where("occurred_at >= ?", q.Since.UTC())
	}
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	out := make([]careAuth.AuditEvent, 0, len(rows))
	for _, r := range rows {
		ev := careAuth.AuditEvent{
			Timestamp: r.Timestamp,
			EventType: r.EventType,
			ActorID:   r.ActorID,
			AccountID: r.AccountID,
			Resource:  r.Resource,
			IP:        r.IP,
			Success:   r.Success,
			Error:     r.Error,
		}
		if r.Metadata != "" && r.Metadata != "{}" {
			if err := json.Unmarshal([]byte(r.Metadata), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}
