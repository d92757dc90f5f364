package clusters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/dispatch"
	"github.com/livinlefevreloca/aapsync/internal/jobs"
)

// DefaultHistoricalWindow is the span of one historical sync job
const DefaultHistoricalWindow = 24 * time.Hour

// ErrInvalidRange is returned for empty or inverted historical ranges
var ErrInvalidRange = errors.New("clusters: since must be before until")

// Windows splits [since, until) into consecutive spans of at most window
func Windows(since, until time.Time, window time.Duration) [][2]time.Time {
	var out [][2]time.Time
	for start := since; start.Before(until); start = start.Add(window) {
		end := start.Add(window)
		if end.After(until) {
			end = until
		}
		out = append(out, [2]time.Time{start, end})
	}
	return out
}

// HistoricalSync backfills [since, until) for a cluster. It creates one
// managed sync job per window and signals each startable, all in one
// transaction. The scheduler pass is requested after commit.
func HistoricalSync(ctx context.Context, database *db.DB, sender dispatch.Sender, clusterID string, since, until time.Time, window time.Duration) ([]*db.SyncJob, error) {
	if !since.Before(until) {
		return nil, ErrInvalidRange
	}
	if window <= 0 {
		window = DefaultHistoricalWindow
	}

	var created []*db.SyncJob
	err := dispatch.InTransaction(ctx, database, sender, func(tx *db.Tx, dc *dispatch.Context) error {
		if _, err := db.GetCluster(ctx, tx, clusterID); err != nil {
			return fmt.Errorf("cluster %s: %w", clusterID, err)
		}

		created = created[:0]
		for _, w := range Windows(since.UTC(), until.UTC(), window) {
			j := jobs.NewSyncJob(clusterID, jobs.LaunchHistorical, jobs.Args{
				Since:   &w[0],
				Until:   &w[1],
				Managed: true,
			})
			if err := db.CreateSyncJob(ctx, tx, j); err != nil {
				return err
			}
			if _, err := jobs.SignalStart(ctx, tx, dc, j); err != nil {
				return err
			}
			created = append(created, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
