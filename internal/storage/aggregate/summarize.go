package aggregate

import (
	"context"
	"fmt"
	"iter"

	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/storage/types"
	"golang.org/x/sync/errgroup"
)

// Source is a dataset whose sessions can be summarized.
type Source interface {
	Sessions(day string) []types.SessionInfo
	Session(day, name string) (types.SessionInfo, error)
	SessionReadings(day, session string) iter.Seq2[types.Reading, error]
}

// DefaultParallelism bounds concurrent session scans in SummarizeDataset.
const DefaultParallelism = 4

// SummarizeSession scans one session and returns its summary.
func SummarizeSession(src Source, day, session string) (types.SessionSummary, error) {
	if _, err := src.Session(day, session); err != nil {
		return types.SessionSummary{}, err
	}

	agg := New(day, session, true)
	for r, err := range src.SessionReadings(day, session) {
		if err != nil {
			return types.SessionSummary{}, fmt.Errorf("summarize %s/%s: %w", day, session, err)
		}
		agg.Add(r)
	}
	return agg.Result(), nil
}

// SummarizeDataset summarizes every session of src, scanning up to
// parallelism sessions at once. Results keep the storage order.
func SummarizeDataset(ctx context.Context, src Source, parallelism int) ([]types.SessionSummary, error) {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	sessions := src.Sessions("")
	out := make([]types.SessionSummary, len(sessions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, sess := range sessions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := SummarizeSession(src, sess.Day, sess.Name)
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("summarize dataset: %w", err)
	}
	return out, nil
}
