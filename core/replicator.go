package core

// Replicator: the per-peer pipeline tying the gateway, the consensus store
// and the storage engine together. All mutations funnel through its single
// run loop, which keeps the engine's serialization contract.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport is the external network collaborator. The core never owns
// sockets; the host wires broadcast, unicast and catch-up fetching.
type Transport interface {
	BroadcastProposal(ctx context.Context, manifest *ProposalManifest) error
	SendAccept(ctx context.Context, to PeerID, accept *ProposalAccept) error
	FetchProposals(ctx context.Context, fromHeight, toHeight uint64) ([]*ProposalManifest, error)
}

const defaultSkipTimeout = 5 * time.Second

type inboundMsg struct {
	manifest *ProposalManifest
	accept   *ProposalAccept
	from     PeerID
}

// Replicator drives one peer.
type Replicator struct {
	store     *Store
	gateway   *Gateway
	consensus *ProposalStore
	transport Transport
	log       *logrus.Logger

	localPeerID PeerID
	peers       []PeerID
	skipTimeout time.Duration

	mu    sync.Mutex
	queue []Change

	inbox chan inboundMsg
}

// NewReplicator wires a peer pipeline.
func NewReplicator(store *Store, gateway *Gateway, consensus *ProposalStore, transport Transport, localPeerID PeerID, peers []PeerID, lg *logrus.Logger) *Replicator {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Replicator{
		store:       store,
		gateway:     gateway,
		consensus:   consensus,
		transport:   transport,
		log:         lg,
		localPeerID: localPeerID,
		peers:       append([]PeerID(nil), peers...),
		skipTimeout: defaultSkipTimeout,
		inbox:       make(chan inboundMsg, 256),
	}
}

// SetSkipTimeout overrides the leader timeout.
func (r *Replicator) SetSkipTimeout(d time.Duration) { r.skipTimeout = d }

// SubmitCall executes a gateway call and queues its change set for the next
// proposal this peer leads. The changes are returned for inspection.
func (r *Replicator) SubmitCall(ctx context.Context, collectionID, method, recordID string, args []interface{}, auth *AuthContext) ([]Change, error) {
	changes, err := r.gateway.Call(ctx, collectionID, method, recordID, args, auth)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.queue = append(r.queue, changes...)
	r.mu.Unlock()
	return changes, nil
}

// OnProposal delivers a proposal received from the network.
func (r *Replicator) OnProposal(manifest *ProposalManifest) {
	r.inbox <- inboundMsg{manifest: manifest}
}

// OnAccept delivers an accept received from the network.
func (r *Replicator) OnAccept(accept *ProposalAccept, from PeerID) {
	r.inbox <- inboundMsg{accept: accept, from: from}
}

// Run drives the peer until the context is cancelled.
func (r *Replicator) Run(ctx context.Context) error {
	timer := time.NewTimer(r.skipTimeout)
	defer timer.Stop()

	for {
		// Drain the state machine before blocking.
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			event := r.consensus.ProcessNext()
			if event == nil {
				break
			}
			if err := r.handleEvent(ctx, event); err != nil {
				r.log.Errorf("consensus event: %v", err)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.skipTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-r.inbox:
			if err := r.handleInbound(ctx, msg); err != nil {
				r.log.Errorf("inbound: %v", err)
			}
		case <-timer.C:
			if event := r.consensus.Skip(); event != nil {
				if err := r.handleEvent(ctx, event); err != nil {
					r.log.Errorf("skip event: %v", err)
				}
			}
			timer.Reset(r.skipTimeout)
		}
	}
}

func (r *Replicator) handleInbound(ctx context.Context, msg inboundMsg) error {
	switch {
	case msg.manifest != nil:
		return r.consensus.AddPendingProposal(msg.manifest)
	case msg.accept != nil:
		if event := r.consensus.AddAccept(msg.accept, msg.from); event != nil {
			return r.handleEvent(ctx, event)
		}
	}
	return nil
}

func (r *Replicator) handleEvent(ctx context.Context, event *Event) error {
	switch event.Kind {
	case EventCommit:
		r.log.WithFields(logrus.Fields{
			"height":  event.Manifest.Height,
			"changes": len(event.Manifest.Changes),
		}).Info("commit")
		return r.store.Apply(ctx, event.Manifest.Changes)

	case EventAccept:
		return r.transport.SendAccept(ctx, event.Accept.LeaderID, event.Accept)

	case EventPropose:
		manifest := &ProposalManifest{
			LastProposalHash: event.Propose.LastProposalHash,
			Height:           event.Propose.Height,
			Skips:            event.Propose.Skips,
			LeaderID:         r.localPeerID,
			Changes:          r.drainQueue(),
			Peers:            append([]PeerID(nil), r.peers...),
		}
		if err := r.consensus.AddPendingProposal(manifest); err != nil {
			return err
		}
		r.log.WithField("height", manifest.Height).Info("proposing")
		return r.transport.BroadcastProposal(ctx, manifest)

	case EventOutOfSync:
		r.log.WithFields(logrus.Fields{
			"height": event.OutOfSync.Height,
			"max":    event.OutOfSync.MaxSeenHeight,
		}).Warn("out of sync")
		manifests, err := r.transport.FetchProposals(ctx, event.OutOfSync.Height+1, event.OutOfSync.MaxSeenHeight)
		if err != nil {
			return fmt.Errorf("fetch proposals: %w", err)
		}
		for _, m := range manifests {
			if err := r.consensus.AddPendingProposal(m); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (r *Replicator) drainQueue() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	changes := r.queue
	r.queue = nil
	return changes
}

// PendingChanges reports the queued change count.
func (r *Replicator) PendingChanges() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
