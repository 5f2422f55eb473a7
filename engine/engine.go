// Package engine is the swarm controller: it owns the tracker client and
// the piece manager, maintains a bounded pool of peer connection workers,
// and re-announces on a timer until the download completes or is stopped.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gorent/config"
	"gorent/metainfo"
	"gorent/peerconn"
	"gorent/piece"
	"gorent/tracker"
)

// Engine runs one torrent's download to completion.
type Engine struct {
	mi  *metainfo.Metainfo
	cfg config.Config
	log *zap.SugaredLogger

	tr *tracker.Client
	pm *piece.Manager

	peerID tracker.PeerID

	queue chan tracker.Endpoint

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New wires a tracker client and piece manager for mi and prepares the
// worker pool. outputPath is where verified pieces are written.
func New(mi *metainfo.Metainfo, outputPath string, cfg config.Config, log *zap.SugaredLogger, clk clock.Clock) (*Engine, error) {
	peerID, err := tracker.NewPeerID()
	if err != nil {
		return nil, err
	}

	pm, err := piece.New(mi, outputPath, cfg.RequestSize, cfg.MaxPending, log, clk)
	if err != nil {
		return nil, err
	}

	return &Engine{
		mi:     mi,
		cfg:    cfg,
		log:    log,
		tr:     tracker.New(mi, peerID, log),
		pm:     pm,
		peerID: peerID,
		queue:  make(chan tracker.Endpoint, cfg.MaxWorkers*4),
	}, nil
}

// Run announces to the tracker, starts the worker pool, and blocks until
// the download completes, ctx is cancelled, or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.MaxWorkers; i++ {
		group.Go(func() error {
			e.runWorker(gctx)
			return nil
		})
	}

	lastAnnounce := time.Time{}
	nextInterval := e.cfg.ReannounceFloor

loop:
	for {
		if e.pm.Complete() {
			e.log.Infow("download complete", "bytes", e.pm.BytesDownloaded())
			break loop
		}
		if gctx.Err() != nil {
			break loop
		}

		if time.Since(lastAnnounce) >= nextInterval {
			announce, err := e.tr.Announce(gctx, e.pm.BytesUploaded(), e.pm.BytesDownloaded())
			if err != nil {
				e.log.Warnw("announce failed, will retry next tick", "error", err)
			} else {
				lastAnnounce = time.Now()
				if announce.Interval > e.cfg.ReannounceFloor {
					nextInterval = announce.Interval
				} else {
					nextInterval = e.cfg.ReannounceFloor
				}
				e.drainQueue()
				e.enqueuePeers(announce.Peers)
			}
		}

		select {
		case <-gctx.Done():
			break loop
		case <-time.After(e.cfg.PollInterval):
		}
	}

	cancel()
	close(e.queue)
	_ = group.Wait()
	e.tr.Close()
	return e.pm.Close()
}

// drainQueue discards every endpoint still queued from a prior announce, so
// a successful re-announce's peers are never served behind stale ones.
func (e *Engine) drainQueue() {
	for {
		select {
		case <-e.queue:
		default:
			return
		}
	}
}

func (e *Engine) enqueuePeers(peers []tracker.Endpoint) {
	for _, p := range peers {
		select {
		case e.queue <- p:
		default:
			// Queue is full; this endpoint will be picked up on the next
			// re-announce instead of blocking the controller loop.
		}
	}
}

func (e *Engine) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ep, ok := <-e.queue:
			if !ok {
				return
			}
			e.handlePeer(ctx, ep)
		}
	}
}

// handlePeer dials one peer and runs its message loop to completion. Any
// failure is terminal for this peer: the connection is torn down and the
// worker loops back to dequeue the next endpoint, per the spec's
// connection lifecycle. There is no same-peer reconnection.
func (e *Engine) handlePeer(ctx context.Context, ep tracker.Endpoint) {
	conn, err := peerconn.Dial(ctx, ep.String(), e.mi.InfoHash, [20]byte(e.peerID), e.mi.NumPieces(), e.pm, e.log)
	if err != nil {
		e.log.Debugw("peer dial/handshake failed", "peer", ep, "error", err)
		return
	}
	if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
		e.log.Debugw("peer connection ended", "peer", ep, "error", err)
	}
}

// Stop cancels the running download. Safe to call more than once and from
// any goroutine, including a signal handler.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})
}
