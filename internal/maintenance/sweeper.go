// Package maintenance runs the background snapshot/compaction sweep. Without
// it a busy tile's delta history grows without bound; the sweeper keeps
// replay cost flat by periodically folding old history into a snapshot.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencanvas/placed/internal/canvas"
	"github.com/opencanvas/placed/internal/observability"
	"github.com/opencanvas/placed/internal/store"
)

// Config shapes one sweeper.
type Config struct {
	Node        string
	Interval    time.Duration
	MaxRetained uint64
}

// Sweeper walks the store's known tiles on a fixed cadence and compacts any
// tile whose retained history exceeds the configured bound.
type Sweeper struct {
	log   zerolog.Logger
	cfg   Config
	svc   *canvas.Service
	store *store.Store
}

func NewSweeper(cfg Config, svc *canvas.Service, st *store.Store, log zerolog.Logger) *Sweeper {
	return &Sweeper{log: log, cfg: cfg, svc: svc, store: st}
}

// Run sweeps until ctx is cancelled. Sweep errors are logged and the loop
// keeps going; one broken tile must not stall maintenance for the rest.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Uint64("max_retained", s.cfg.MaxRetained).
		Msg("sweeper_started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper_stopped")
			return
		case <-ticker.C:
			compacted, err := s.Sweep()
			if err != nil {
				s.log.Error().Err(err).Msg("sweep_failed")
			}
			if compacted > 0 {
				s.log.Info().Int("tiles", compacted).Msg("sweep_compacted")
			}
		}
	}
}

// Sweep runs one pass and returns how many tiles were compacted. The first
// error aborts the pass; already-compacted tiles stay compacted.
func (s *Sweeper) Sweep() (int, error) {
	compacted := 0
	for _, t := range s.store.Tiles() {
		retained, err := s.store.RetainedDeltas(t)
		if err != nil {
			return compacted, err
		}
		if retained <= s.cfg.MaxRetained {
			continue
		}
		if err := s.svc.CompactTile(t); err != nil {
			return compacted, err
		}
		observability.RecordTileCompacted(s.cfg.Node)
		s.log.Debug().Str("tile", t.Key()).Uint64("retained", retained).Msg("tile_compacted")
		compacted++
	}
	return compacted, nil
}
