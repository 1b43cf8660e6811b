package core

// Consensus proposal model. A proposal manifest names its height, skip count,
// leader, parent hash, ordered change payload and the peer set; its hash is
// the sha256 of the deterministic RLP encoding of those fields.

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// PeerID is an opaque peer identifier.
type PeerID string

func (p PeerID) Hex() string { return hex.EncodeToString([]byte(p)) }

// ProposalHash identifies a proposal by content.
type ProposalHash [32]byte

func (h ProposalHash) Hex() string { return hex.EncodeToString(h[:]) }

// ProposalManifest carries everything a proposal commits to.
type ProposalManifest struct {
	LastProposalHash ProposalHash
	Height           uint64
	Skips            uint64
	LeaderID         PeerID
	Changes          []Change
	Peers            []PeerID
}

// rlp mirror types: Change records are carried as canonical JSON bytes.
type rlpChange struct {
	Kind         uint8
	CollectionID string
	RecordID     string
	Record       []byte
}

type rlpManifest struct {
	LastProposalHash []byte
	Height           uint64
	Skips            uint64
	LeaderID         []byte
	Changes          []rlpChange
	Peers            [][]byte
}

// Hash computes the manifest's content hash.
func (m *ProposalManifest) Hash() (ProposalHash, error) {
	enc := rlpManifest{
		LastProposalHash: m.LastProposalHash[:],
		Height:           m.Height,
		Skips:            m.Skips,
		LeaderID:         []byte(m.LeaderID),
	}
	for i := range m.Changes {
		c := &m.Changes[i]
		record, err := c.recordJSON()
		if err != nil {
			return ProposalHash{}, err
		}
		enc.Changes = append(enc.Changes, rlpChange{
			Kind:         uint8(c.Kind),
			CollectionID: c.CollectionID,
			RecordID:     c.RecordID,
			Record:       record,
		})
	}
	for _, p := range m.Peers {
		enc.Peers = append(enc.Peers, []byte(p))
	}
	raw, err := rlp.EncodeToBytes(&enc)
	if err != nil {
		return ProposalHash{}, engineErr(KindSerializationFailure, err)
	}
	return sha256.Sum256(raw), nil
}

// sortedPeers returns the canonical ordering of the peer set.
func (m *ProposalManifest) sortedPeers() []PeerID {
	peers := append([]PeerID(nil), m.Peers...)
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// NextLeader selects the leader for the next slot given s extra skips:
// peers[(indexOf(leaderId) + 1 + s) mod n] over the canonically sorted peer
// set.
func (m *ProposalManifest) NextLeader(skips uint64) PeerID {
	peers := m.sortedPeers()
	n := uint64(len(peers))
	if n == 0 {
		return ""
	}
	idx := uint64(0)
	for i, p := range peers {
		if p == m.LeaderID {
			idx = uint64(i)
			break
		}
	}
	return peers[(idx+1+skips)%n]
}

// GenesisManifest is the well-known height-0 manifest for a peer set.
func GenesisManifest(peers []PeerID) *ProposalManifest {
	m := &ProposalManifest{Height: 0, Peers: append([]PeerID(nil), peers...)}
	if sorted := m.sortedPeers(); len(sorted) > 0 {
		m.LeaderID = sorted[0]
	}
	return m
}

// ProposalAccept is a peer's vote for a proposal at a given skip count,
// addressed to the designated next leader.
type ProposalAccept struct {
	ProposalHash ProposalHash
	LeaderID     PeerID
	Height       uint64
	Skips        uint64
}

// Proposal is a manifest plus the accepts received for it, keyed by peer and
// grouped by skip count. Accepts whose skips differ from the proposal's are
// retained but only the matching group counts toward quorum.
type Proposal struct {
	Manifest *ProposalManifest

	hash     ProposalHash
	accepts  map[uint64]map[PeerID]struct{}
	proposed map[uint64]bool
}

// NewProposal wraps a manifest, precomputing its hash.
func NewProposal(manifest *ProposalManifest) (*Proposal, error) {
	h, err := manifest.Hash()
	if err != nil {
		return nil, err
	}
	return &Proposal{
		Manifest: manifest,
		hash:     h,
		accepts:  make(map[uint64]map[PeerID]struct{}),
		proposed: make(map[uint64]bool),
	}, nil
}

func (p *Proposal) Hash() ProposalHash { return p.hash }
func (p *Proposal) Height() uint64     { return p.Manifest.Height }
func (p *Proposal) Skips() uint64      { return p.Manifest.Skips }

// AddAccept records an accept from a peer. It returns true once per skip
// group, when the group first holds a strict majority; duplicate accepts
// from the same peer never count twice.
func (p *Proposal) AddAccept(skips uint64, from PeerID) bool {
	group := p.group(skips)
	if _, dup := group[from]; dup {
		return false
	}
	group[from] = struct{}{}

	// Quorum is evaluated per skip group: only accepts agreeing on the skip
	// count count toward the same majority.
	majority := len(p.Manifest.Peers)/2 + 1
	if len(group) >= majority && !p.proposed[skips] {
		p.proposed[skips] = true
		return true
	}
	return false
}

// replayAccept records an orphaned accept without evaluating quorum; the
// crossing fires on the next live accept instead.
func (p *Proposal) replayAccept(skips uint64, from PeerID) {
	p.group(skips)[from] = struct{}{}
}

func (p *Proposal) group(skips uint64) map[PeerID]struct{} {
	group, ok := p.accepts[skips]
	if !ok {
		group = make(map[PeerID]struct{})
		p.accepts[skips] = group
	}
	return group
}

// AcceptCount reports the number of accepts recorded at a skip count.
func (p *Proposal) AcceptCount(skips uint64) int { return len(p.accepts[skips]) }
