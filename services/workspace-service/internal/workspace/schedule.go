package workspace

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/inbox"
)

// ScheduleConsumer is the inbox name of the schedule context.
const ScheduleConsumer = "schedule"

// HandleAssignmentDecision applies an assign_approved or assign_rejected event
// to its schedule item and emits the status change. Items that already left
// proposed are not touched again.
func (s *Service) HandleAssignmentDecision(ctx context.Context, env events.Envelope) error {
	var (
		itemID, to, reason string
	)
	switch env.EventType {
	case events.TypeScheduleAssignApproved:
		var p events.ScheduleAssignApproved
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		itemID, to = p.ScheduleItemID, ScheduleAssigned
	case events.TypeScheduleAssignRejected:
		var p events.ScheduleAssignRejected
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		itemID, to, reason = p.ScheduleItemID, ScheduleRejected, p.Reason
	default:
		return fmt.Errorf("%w: %s", events.ErrUnregisteredEventType, env.EventType)
	}

	_, err := inbox.Once(ctx, s.tx, s.inbox, ScheduleConsumer, env, func(ctx context.Context) error {
		var item ScheduleItem
		version, err := s.store.Load(ctx, TypeScheduleItem, itemID, &item)
		if err != nil {
			return fmt.Errorf("load schedule item %s: %w", itemID, err)
		}
		if item.Status != ScheduleProposed {
			s.logger.InfoContext(ctx, "assignment decision ignored",
				"schedule_item_id", itemID, "status", item.Status, "event_type", env.EventType, "trace_id", env.TraceID)
			return nil
		}
		from := item.Status
		item.Status, item.Reason = to, reason
		next, err := s.store.Save(ctx, TypeScheduleItem, itemID, version, item)
		if err != nil {
			return err
		}
		changed, err := s.envelope(ctx, events.TypeScheduleStatusChanged, itemID, next, events.ScheduleStatusChanged{
			ScheduleItemID: itemID,
			WorkspaceID:    item.WorkspaceID,
			AssigneeID:     item.AssigneeID,
			From:           from,
			To:             to,
			Reason:         reason,
		})
		if err != nil {
			return err
		}
		return s.emit(ctx, changed)
	})
	return err
}
