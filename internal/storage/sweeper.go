package storage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically reconciles every owner's quota counter and reaps
// abandoned upload staging directories. It is safe to run concurrently with
// interactive operations; reconciliation takes the same engine lock they do.
type Sweeper struct {
	eng           *Engine
	interval      time.Duration
	maxSessionAge time.Duration // 0 disables staging reap
}

// NewSweeper creates a sweeper. interval must be positive; maxSessionAge of
// zero keeps abandoned staging directories forever.
func NewSweeper(eng *Engine, interval, maxSessionAge time.Duration) *Sweeper {
	return &Sweeper{eng: eng, interval: interval, maxSessionAge: maxSessionAge}
}

// Run sweeps on every tick until the context is canceled. One sweep runs
// immediately on start so a restarted daemon converges without waiting a full
// interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation and reap pass over all owners.
func (s *Sweeper) Sweep(ctx context.Context) {
	owners, err := s.eng.Owners()
	if err != nil {
		log.Warn().Err(err).Msg("sweep: listing owners failed")
		return
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.eng.Quota().Reconcile(owner); err != nil {
			log.Warn().Err(err).Str("owner", owner).Msg("sweep: reconcile failed")
		}
		if s.maxSessionAge > 0 {
			s.reapStaging(owner)
		}
	}
}

// reapStaging removes staging directories whose sessions are older than the
// configured maximum. An incomplete session has not been billed, so dropping
// it loses nothing the client cannot re-upload.
func (s *Sweeper) reapStaging(owner string) {
	ownerDir := filepath.Join(s.eng.stagingRoot(), owner)
	entries, err := s.eng.fs.ReadDir(ownerDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("owner", owner).Msg("sweep: reading staging dir failed")
		}
		return
	}

	cutoff := time.Now().Add(-s.maxSessionAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		createdAt := entry.ModTime()
		var sess UploadSession
		metaPath := filepath.Join(ownerDir, entry.Name(), sessionMetaFile)
		if err := readRecord(s.eng.fs, metaPath, &sess, ErrSessionNotFound); err == nil {
			createdAt = sess.CreatedAt
		}
		if createdAt.After(cutoff) {
			continue
		}

		if err := removeTree(s.eng.fs, filepath.Join(ownerDir, entry.Name())); err != nil {
			log.Warn().Err(err).Str("owner", owner).Str("session", entry.Name()).Msg("sweep: reaping staging failed")
			continue
		}
		log.Info().Str("owner", owner).Str("session", entry.Name()).Time("created", createdAt).Msg("abandoned upload session reaped")
	}
}
