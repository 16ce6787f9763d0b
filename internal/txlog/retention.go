package txlog

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/orchestrator/internal/broker"
)

// Retention enforces spec §4.6's retention window by deleting entire
// day/type/queue index keys once they age past the configured number of
// days, rather than trimming individual members.
type Retention struct {
	b    broker.Broker
	days int
}

// NewRetention builds a Retention sweeper keeping `days` days of history.
func NewRetention(b broker.Broker, days int) *Retention {
	if days <= 0 {
		days = 30
	}
	return &Retention{b: b, days: days}
}

// Sweep deletes every day/type/queue key older than the retention
// window as of now, returning how many keys were removed.
func (r *Retention) Sweep(ctx context.Context, now time.Time) (int, error) {
	dayKeys, err := r.b.Keys(ctx, "txlog:20??-??-??")
	if err != nil {
		return 0, fmt.Errorf("list transaction log days: %w", err)
	}

	cutoff := now.UTC().AddDate(0, 0, -r.days)
	removed := 0
	for _, key := range dayKeys {
		day := key[len("txlog:"):]
		t, err := time.Parse(dayFormat, day)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			n, err := r.sweepDay(ctx, day)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	return removed, nil
}

func (r *Retention) sweepDay(ctx context.Context, day string) (int, error) {
	keys := []string{broker.TxLogDayKey(day)}

	typeKeys, err := r.b.Keys(ctx, fmt.Sprintf("txlog:type:*:%s", day))
	if err != nil {
		return 0, fmt.Errorf("list type indexes for %s: %w", day, err)
	}
	queueKeys, err := r.b.Keys(ctx, fmt.Sprintf("txlog:queue:*:%s", day))
	if err != nil {
		return 0, fmt.Errorf("list queue indexes for %s: %w", day, err)
	}
	keys = append(keys, typeKeys...)
	keys = append(keys, queueKeys...)

	if err := r.b.Del(ctx, keys...); err != nil {
		return 0, fmt.Errorf("delete expired transaction log keys for %s: %w", day, err)
	}
	return len(keys), nil
}
