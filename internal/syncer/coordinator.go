// Package syncer runs the client-side sync loop: drain the durable
// outbound queue, pull remote changes past the watermark, and back off
// exponentially while the network or the service is unhealthy. Local reads
// and writes never wait on it; it only ever reconciles in the background.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cinelog/cinelog-sync/internal/config"
	svcErr "github.com/cinelog/cinelog-sync/internal/errors"
	"github.com/cinelog/cinelog-sync/internal/localstore"
	"github.com/cinelog/cinelog-sync/internal/logger"
)

// pushBatchSize bounds how many queued changes one cycle drains.
const pushBatchSize = 50

// Status is a point-in-time snapshot of the coordinator, for surfacing
// "syncing / pending edits / last error" to callers.
type Status struct {
	LastSyncAt  time.Time
	LastError   string
	Pending     int
	WatermarkMs int64
	Backoff     time.Duration
}

// Coordinator owns the background reconciliation between the local store
// and the sync service for one signed-in user.
type Coordinator struct {
	store  *localstore.Store
	remote *Client
	cfg    *config.Config
	log    *slog.Logger
	userID string

	mu      sync.Mutex
	status  Status
	backoff time.Duration
}

// New builds a coordinator for the given identity. Sync requires a
// signed-in user: with no identity there is no remote account to reconcile
// against, so New refuses rather than letting a loop spin on 401s.
func New(store *localstore.Store, remote *Client, cfg *config.Config, userID string) (*Coordinator, error) {
	if userID == "" {
		return nil, svcErr.ErrNoIdentity
	}
	return &Coordinator{
		store:  store,
		remote: remote,
		cfg:    cfg,
		log:    logger.With("component", "syncer", "user", userID),
		userID: userID,
	}, nil
}

// Run drives sync cycles until ctx is cancelled. Pushes run on the push
// interval; pulls piggyback on the pull interval. Transport failure
// switches the cadence to an exponential backoff that resets on the first
// healthy cycle.
func (c *Coordinator) Run(ctx context.Context) error {
	pullEvery := c.cfg.Sync.PullInterval
	lastPull := time.Time{}

	for {
		delay := c.cfg.Sync.PushInterval
		c.mu.Lock()
		if c.backoff > 0 {
			delay = c.backoff
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		withPull := time.Since(lastPull) >= pullEvery
		if err := c.syncCycle(ctx, withPull); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.noteFailure(err)
			continue
		}
		if withPull {
			lastPull = time.Now()
		}
		c.noteSuccess()
	}
}

// SyncOnce runs a full push+pull cycle immediately, for an explicit
// "sync now" action.
func (c *Coordinator) SyncOnce(ctx context.Context) error {
	err := c.syncCycle(ctx, true)
	if err != nil {
		c.noteFailure(err)
		return err
	}
	c.noteSuccess()
	return nil
}

func (c *Coordinator) syncCycle(ctx context.Context, withPull bool) error {
	if err := c.pushPending(ctx); err != nil {
		return err
	}
	if withPull {
		if err := c.pullChanges(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pushPending drains the outbound queue oldest-edit-first. A transport
// failure stops the batch (everything stays queued for the next attempt);
// a logical verdict (applied, stale, or rejected) settles the change and
// dequeues it.
func (c *Coordinator) pushPending(ctx context.Context) error {
	changes, err := c.store.PendingChanges(ctx, pushBatchSize)
	if err != nil {
		return err
	}
	c.setPending(len(changes))

	for _, change := range changes {
		var pushErr error
		switch change.Kind {
		case localstore.ChangeStatusUpsert:
			var applied bool
			applied, pushErr = c.remote.PushStatus(ctx, change.Payload)
			if pushErr == nil && !applied {
				c.log.Debug("push was stale, server value stands", "film", change.FilmID)
			}
		case localstore.ChangeStatusRemove:
			pushErr = c.remote.RemoveStatus(ctx, change.FilmID)
		case localstore.ChangePrefsUpsert:
			_, pushErr = c.remote.PushPreferences(ctx, change.Payload)
		default:
			c.log.Warn("dropping pending change of unknown kind", "key", change.Key, "kind", change.Kind)
		}

		if pushErr != nil {
			if retryable(pushErr) {
				_ = c.store.RecordAttempt(ctx, change.Key)
				return pushErr
			}
			// The server rejected the payload outright; retrying the same
			// bytes cannot succeed. Log loudly and settle it.
			c.log.Error("pending change rejected, dequeuing", "key", change.Key, "err", pushErr)
		}

		if err := c.store.Dequeue(ctx, change.Key, change.UpdatedAtMs); err != nil {
			return err
		}
		c.decPending()
	}
	return nil
}

// pullChanges fetches everything past the watermark, merges it under
// local-wins-ties, and advances the watermark to the response ceiling.
func (c *Coordinator) pullChanges(ctx context.Context) error {
	since, err := c.store.Watermark(ctx)
	if err != nil {
		return err
	}

	resp, err := c.remote.PullChanges(ctx, since)
	if err != nil {
		return err
	}

	merged := 0
	for _, rec := range resp.Statuses {
		applied, err := c.store.ApplyRemoteStatus(ctx, c.userID, rec)
		if err != nil {
			return err
		}
		if applied {
			merged++
		}
	}
	if resp.Preferences != nil {
		applied, err := c.store.ApplyRemotePreferences(ctx, c.userID, *resp.Preferences)
		if err != nil {
			return err
		}
		if applied {
			merged++
		}
	}

	if err := c.store.AdvanceWatermark(ctx, resp.MaxUpdatedAtMs); err != nil {
		return err
	}

	c.mu.Lock()
	c.status.WatermarkMs = resp.MaxUpdatedAtMs
	c.mu.Unlock()

	if merged > 0 {
		c.log.Info("merged remote changes", "merged", merged, "watermark_ms", resp.MaxUpdatedAtMs)
	}
	return nil
}

// Status returns a snapshot of the coordinator's health.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.status
	out.Backoff = c.backoff
	return out
}

func (c *Coordinator) noteSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff = 0
	c.status.LastSyncAt = time.Now()
	c.status.LastError = ""
}

func (c *Coordinator) noteFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backoff == 0 {
		c.backoff = c.cfg.Sync.BackoffMin
	} else {
		c.backoff *= 2
		if c.backoff > c.cfg.Sync.BackoffMax {
			c.backoff = c.cfg.Sync.BackoffMax
		}
	}
	c.status.LastError = err.Error()
	c.log.Warn("sync cycle failed", "err", err, "retry_in", c.backoff)
}

func (c *Coordinator) setPending(n int) {
	c.mu.Lock()
	c.status.Pending = n
	c.mu.Unlock()
}

func (c *Coordinator) decPending() {
	c.mu.Lock()
	if c.status.Pending > 0 {
		c.status.Pending--
	}
	c.mu.Unlock()
}
