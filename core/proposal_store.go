package core

// Per-peer consensus state machine. The store is single-threaded and
// reactive: the host feeds it proposals and accepts and polls ProcessNext
// (or Skip after a timeout) for the next event to act on.

import (
	"github.com/sirupsen/logrus"
)

// EventKind discriminates consensus events.
type EventKind uint8

const (
	// EventAccept asks the host to send the accept to its leader.
	EventAccept EventKind = iota + 1
	// EventCommit delivers a confirmed manifest for application.
	EventCommit
	// EventPropose asks the host (as leader) to build and broadcast the next
	// proposal.
	EventPropose
	// EventOutOfSync asks the host to fetch missing proposals.
	EventOutOfSync
)

// ProposeDetails carries the parameters of the proposal the host must build.
type ProposeDetails struct {
	LastProposalHash ProposalHash
	Height           uint64
	Skips            uint64
}

// OutOfSyncDetails reports the catch-up window.
type OutOfSyncDetails struct {
	Height        uint64
	MaxSeenHeight uint64
	AcceptsSent   uint64
}

// Event is the union emitted by the store.
type Event struct {
	Kind      EventKind
	Accept    *ProposalAccept
	Manifest  *ProposalManifest
	Propose   *ProposeDetails
	OutOfSync *OutOfSyncDetails
}

// ProposalStore handles new proposals and accepts for one peer.
type ProposalStore struct {
	localPeerID PeerID
	proposals   *proposalCache

	// acceptsSent counts the accepts (skips) sent at acceptsSentHeight. It
	// resets only when a commit is produced.
	acceptsSent       uint64
	acceptsSentHeight uint64

	// orphanAccepts holds accepts received before their proposal, replayed
	// on arrival.
	orphanAccepts map[ProposalHash][]orphanAccept

	log *logrus.Logger
}

type orphanAccept struct {
	skips uint64
	from  PeerID
}

// NewProposalStore restores a store from the last confirmed manifest.
func NewProposalStore(localPeerID PeerID, lastConfirmed *ProposalManifest, cacheSize int, lg *logrus.Logger) (*ProposalStore, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	p, err := NewProposal(lastConfirmed)
	if err != nil {
		return nil, err
	}
	return &ProposalStore{
		localPeerID:       localPeerID,
		proposals:         newProposalCache(p, cacheSize),
		acceptsSent:       0,
		acceptsSentHeight: lastConfirmed.Height,
		orphanAccepts:     make(map[ProposalHash][]orphanAccept),
		log:               lg,
	}, nil
}

// NewGenesisStore starts a store at the well-known genesis manifest.
func NewGenesisStore(localPeerID PeerID, peers []PeerID, cacheSize int, lg *logrus.Logger) (*ProposalStore, error) {
	return NewProposalStore(localPeerID, GenesisManifest(peers), cacheSize, lg)
}

// Height of the proposal that was last confirmed.
func (s *ProposalStore) Height() uint64 { return s.proposals.height() }

// Exists checks the pending set for a proposal hash; confirmed proposals are
// checked via height.
func (s *ProposalStore) Exists(hash ProposalHash) bool { return s.proposals.contains(hash) }

// IsLocal reports whether the peer id is this node.
func (s *ProposalStore) IsLocal(peer PeerID) bool { return s.localPeerID == peer }

// ProposalsFrom lists known manifests from a height, for catch-up serving.
func (s *ProposalStore) ProposalsFrom(h uint64) []*ProposalManifest {
	ps := s.proposals.proposalsFrom(h)
	out := make([]*ProposalManifest, len(ps))
	for i, p := range ps {
		out[i] = p.Manifest
	}
	return out
}

// ConfirmedProposalsFrom lists confirmed manifests from a height.
func (s *ProposalStore) ConfirmedProposalsFrom(h uint64) []*ProposalManifest {
	ps := s.proposals.confirmedProposalsFrom(h)
	out := make([]*ProposalManifest, len(ps))
	for i, p := range ps {
		out[i] = p.Manifest
	}
	return out
}

// MinProposalHeight is the lowest height this peer can serve.
func (s *ProposalStore) MinProposalHeight() uint64 { return s.proposals.minProposalHeight() }

// AddPendingProposal admits a proposal and replays any orphaned accepts.
func (s *ProposalStore) AddPendingProposal(manifest *ProposalManifest) error {
	p, err := NewProposal(manifest)
	if err != nil {
		return err
	}
	if accepts, ok := s.orphanAccepts[p.Hash()]; ok {
		delete(s.orphanAccepts, p.Hash())
		for _, a := range accepts {
			p.replayAccept(a.skips, a.from)
		}
	}
	s.proposals.insert(p)
	proposalsProcessed.Inc()
	return nil
}

// ProcessNext returns the next ready event, or nil when the store must wait
// for new input or a timeout.
func (s *ProposalStore) ProcessNext() *Event {
	proposal := s.proposals.nextPendingProposal(0)
	if proposal == nil {
		// A gap: higher proposals exist but the next one is missing.
		if s.hasPendingCommits() {
			return &Event{Kind: EventOutOfSync, OutOfSync: &OutOfSyncDetails{
				Height:        s.Height(),
				MaxSeenHeight: s.proposals.maxHeight,
				AcceptsSent:   s.acceptsSent,
			}}
		}
		// Startup: nothing pending and no accept sent yet at this height.
		if s.acceptsSent == 0 && s.Height() == s.acceptsSentHeight {
			return s.nextAcceptEvent()
		}
		return nil
	}

	if s.hasNextCommit() {
		manifest := proposal.Manifest
		s.proposals.confirm(proposal.Hash())
		s.acceptsSent = 0
		confirmedHeight.Set(float64(manifest.Height))
		return &Event{Kind: EventCommit, Manifest: manifest}
	}

	// Only the first accept goes out via ProcessNext; later skips are driven
	// by the host's timeout through Skip.
	if s.acceptsSent > 0 && proposal.Height() == s.acceptsSentHeight {
		return nil
	}

	return s.nextAcceptEvent()
}

// Skip is called after the proposal timeout expires without input from the
// expected leader. Suppressed while catching up.
func (s *ProposalStore) Skip() *Event {
	if s.hasNetworkCommits() {
		return nil
	}
	return s.nextAcceptEvent()
}

// nextAcceptEvent builds the accept for the current proposal (or the last
// confirmed one when nothing is pending) and self-delivers it when this peer
// is the designated leader.
func (s *ProposalStore) nextAcceptEvent() *Event {
	lastConfirmed := s.proposals.lastConfirmed()
	current := s.proposals.nextPendingProposal(0)
	if current == nil {
		current = lastConfirmed
	}

	var skips uint64
	if current.Height() == s.acceptsSentHeight {
		skips = s.acceptsSent
	}

	accept := &ProposalAccept{
		ProposalHash: current.Hash(),
		LeaderID:     lastConfirmed.Manifest.NextLeader(skips),
		Height:       current.Height(),
		Skips:        skips,
	}
	s.acceptsSentHeight = current.Height()
	s.acceptsSent = skips + 1

	if s.IsLocal(accept.LeaderID) {
		if event := s.AddAccept(accept, s.localPeerID); event != nil {
			return event
		}
	}
	return &Event{Kind: EventAccept, Accept: accept}
}

// AddAccept ingests an accept from a peer. The returned event, if any, is
// either a Propose (quorum reached) or an OutOfSync (unknown proposal).
func (s *ProposalStore) AddAccept(accept *ProposalAccept, from PeerID) *Event {
	// Out-of-date accepts are dropped; an accept at exactly the confirmed
	// height is still valid during startup.
	if s.Height() > accept.Height {
		return nil
	}

	// Converge on the highest skip seen for the current height.
	if s.acceptsSentHeight == accept.Height && accept.Skips > s.acceptsSent {
		s.acceptsSent = accept.Skips
	}

	if p := s.proposals.get(accept.ProposalHash); p != nil {
		if p.AddAccept(accept.Skips, from) {
			return &Event{Kind: EventPropose, Propose: &ProposeDetails{
				LastProposalHash: accept.ProposalHash,
				Height:           p.Height() + 1,
				Skips:            accept.Skips,
			}}
		}
		return nil
	}

	// Accept for a proposal we have not seen: stash it with the sender so
	// replay counts real voters, and ask for the gap to be filled.
	s.orphanAccepts[accept.ProposalHash] = append(
		s.orphanAccepts[accept.ProposalHash],
		orphanAccept{skips: accept.Skips, from: from},
	)
	return &Event{Kind: EventOutOfSync, OutOfSync: &OutOfSyncDetails{
		Height: s.Height(),
		// An accept is one ahead of a confirmed proposal.
		MaxSeenHeight: accept.Height,
		AcceptsSent:   0,
	}}
}

// hasNextCommit reports whether the proposal at confirmed height + 1 can be
// committed: either the network is clearly past it, or a proposal at height
// + 2 exists whose skips match what we have sent.
func (s *ProposalStore) hasNextCommit() bool {
	if s.hasNetworkCommits() {
		return true
	}
	if next := s.proposals.nextPendingProposal(1); next != nil {
		return next.Skips()+1 >= s.acceptsSent
	}
	return false
}

// hasPendingCommits reports proposals that may enable a commit once the gap
// fills.
func (s *ProposalStore) hasPendingCommits() bool {
	return s.proposals.maxHeight > s.Height()+1
}

// hasNetworkCommits reports that the majority of the network has moved on;
// the peer must catch up before contributing again.
func (s *ProposalStore) hasNetworkCommits() bool {
	return s.proposals.maxHeight > s.Height()+2
}
