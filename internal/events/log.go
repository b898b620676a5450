package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Log writes every event from sub to log until sub is closed or ctx ends.
func Log(ctx context.Context, sub <-chan Event, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			logEvent(log, ev)
		}
	}
}

func logEvent(log logrus.FieldLogger, ev Event) {
	entry := log.WithFields(logrus.Fields{
		"event":   ev.EventType(),
		"task_id": ev.TaskID(),
	})

	switch e := ev.(type) {
	case TaskEnqueuedEvent:
		entry.WithFields(logrus.Fields{"kind": e.Kind, "priority": e.Priority}).Debug("task enqueued")
	case TaskStartedEvent:
		entry.WithFields(logrus.Fields{"kind": e.Kind, "slot": e.SlotID, "delivery": e.Delivery}).Debug("task started")
	case TaskCompletedEvent:
		entry.WithFields(logrus.Fields{"attempts": e.Attempts, "duration": e.Duration}).Info("task completed")
	case TaskFailedEvent:
		entry.WithFields(logrus.Fields{
			"attempt":   e.Attempt,
			"permanent": e.Permanent,
			"retry_in":  e.RetryIn,
		}).WithError(e.Err).Warn("task attempt failed")
	case TaskDeadLetteredEvent:
		entry.WithFields(logrus.Fields{"attempts": e.Attempts, "reason": e.Reason}).Error("task dead-lettered")
	case TaskCancelledEvent:
		entry.WithField("reason", e.Reason).Info("task cancelled")
	case WorkerCrashedEvent:
		entry.WithField("slot", e.SlotID).WithError(e.Err).Error("worker crashed")
	default:
		entry.Debug("event")
	}
}
