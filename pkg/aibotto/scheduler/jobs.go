package scheduler

import (
	"context"
	"fmt"
	"time"
)

// TrackerCleaner drops idle tool-tracker sessions.
type TrackerCleaner interface {
	CleanupOldEntries() int
}

// RuleReloader re-reads the security rule file.
type RuleReloader interface {
	ReloadRules() error
}

// PruneFunc deletes rows older than maxAge and returns how many went.
type PruneFunc func(ctx context.Context, maxAge time.Duration) (int64, error)

// PromptDeliverer answers a prompt and sends the answer to a chat.
type PromptDeliverer interface {
	DeliverPrompt(ctx context.Context, channel, chatID, prompt string) (string, error)
}

// CleanupJob periodically drops idle tracker sessions.
func CleanupJob(schedule string, tracker TrackerCleaner) *Job {
	return &Job{
		ID:       "tracker-cleanup",
		Schedule: schedule,
		Kind:     KindMaintenance,
		Run: func(context.Context) (string, error) {
			return fmt.Sprintf("removed %d idle sessions", tracker.CleanupOldEntries()), nil
		},
	}
}

// ReloadJob periodically reloads the security rules. A failed reload keeps
// the previous rules and is reported as the job's error.
func ReloadJob(schedule string, reloader RuleReloader) *Job {
	return &Job{
		ID:       "security-reload",
		Schedule: schedule,
		Kind:     KindMaintenance,
		Run: func(context.Context) (string, error) {
			if err := reloader.ReloadRules(); err != nil {
				return "", err
			}
			return "rules reloaded", nil
		},
	}
}

// PruneJob periodically deletes rows older than maxAge.
func PruneJob(id, schedule string, maxAge time.Duration, prune PruneFunc) *Job {
	return &Job{
		ID:       id,
		Schedule: schedule,
		Kind:     KindMaintenance,
		Run: func(ctx context.Context) (string, error) {
			n, err := prune(ctx, maxAge)
			if err != nil {
				return "", fmt.Errorf("pruning: %w", err)
			}
			return fmt.Sprintf("pruned %d rows", n), nil
		},
	}
}

// PromptJob answers prompt on schedule and delivers it to chatID.
func PromptJob(id, schedule, channel, chatID, prompt string, d PromptDeliverer) *Job {
	return &Job{
		ID:       id,
		Schedule: schedule,
		Kind:     KindPrompt,
		Run: func(ctx context.Context) (string, error) {
			return d.DeliverPrompt(ctx, channel, chatID, prompt)
		},
	}
}
