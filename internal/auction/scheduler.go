package auction

import (
	"context"
	"log"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const electionPrefix = "/auctionhouse/scheduler/leader"

// Scheduler sweeps expired auctions and closes them. Multiple instances may
// run; an etcd election ensures only the leader sweeps, so every auction is
// closed by exactly one process even though Close itself is idempotent.
type Scheduler struct {
	svc      *Service
	etcd     *clientv3.Client
	interval time.Duration
	batch    int
	nodeID   string
}

func NewScheduler(svc *Service, etcd *clientv3.Client, interval time.Duration, nodeID string) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{svc: svc, etcd: etcd, interval: interval, batch: 100, nodeID: nodeID}
}

// Run blocks until ctx is cancelled. It campaigns for leadership and sweeps
// while leader; losing the session falls back into the campaign loop.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.lead(ctx); err != nil && ctx.Err() == nil {
			log.Printf("scheduler: leadership lost: %v", err)
			// Brief pause before re-campaigning so a flapping etcd
			// connection does not spin.
			select {
			case <-time.After(s.interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Scheduler) lead(ctx context.Context) error {
	session, err := concurrency.NewSession(s.etcd, concurrency.WithContext(ctx))
	if err != nil {
		return err
	}
	defer session.Close()

	election := concurrency.NewElection(session, electionPrefix)
	if err := election.Campaign(ctx, s.nodeID); err != nil {
		return err
	}
	log.Printf("scheduler: node %s elected leader", s.nodeID)
	defer func() {
		resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := election.Resign(resignCtx); err != nil {
			log.Printf("scheduler: failed to resign leadership: %v", err)
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			return concurrency.ErrElectionNotLeader
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep closes every expired auction once, then retries settlement for
// auctions a crash left closed but unsettled. Failures are logged per
// auction and retried on the next tick.
func (s *Scheduler) Sweep(ctx context.Context) {
	ids, err := s.svc.ExpiredIDs(ctx, s.batch)
	if err != nil {
		log.Printf("scheduler: failed to list expired auctions: %v", err)
		return
	}
	for _, id := range ids {
		if _, err := s.svc.Close(ctx, id, false); err != nil {
			log.Printf("scheduler: failed to close auction %s: %v", id, err)
		}
	}

	unsettled, err := s.svc.UnsettledIDs(ctx, s.batch)
	if err != nil {
		log.Printf("scheduler: failed to list unsettled auctions: %v", err)
		return
	}
	for _, id := range unsettled {
		if err := s.svc.Resettle(ctx, id); err != nil {
			log.Printf("scheduler: failed to resettle auction %s: %v", id, err)
		}
	}
}
