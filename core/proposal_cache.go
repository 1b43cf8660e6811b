package core

// Proposal cache: the pending set plus the deque of confirmed proposals.
// Eviction trims the oldest confirmed entries but never the tail needed for
// leader lookup of the next slot.

import "sort"

type proposalCache struct {
	size      int
	confirmed []*Proposal
	pending   map[ProposalHash]*Proposal
	maxHeight uint64
}

func newProposalCache(lastConfirmed *Proposal, size int) *proposalCache {
	if size < 1 {
		size = 1
	}
	return &proposalCache{
		size:      size,
		confirmed: []*Proposal{lastConfirmed},
		pending:   make(map[ProposalHash]*Proposal),
		maxHeight: lastConfirmed.Height(),
	}
}

// height is the height of the last confirmed proposal.
func (c *proposalCache) height() uint64 {
	return c.lastConfirmed().Height()
}

func (c *proposalCache) lastConfirmed() *Proposal {
	return c.confirmed[len(c.confirmed)-1]
}

func (c *proposalCache) contains(hash ProposalHash) bool {
	_, ok := c.pending[hash]
	return ok
}

// get resolves a proposal by hash for accept accounting: pending proposals
// first, then the confirmed deque (accepts on the confirmed tip drive the
// next proposal).
func (c *proposalCache) get(hash ProposalHash) *Proposal {
	if p, ok := c.pending[hash]; ok {
		return p
	}
	for i := len(c.confirmed) - 1; i >= 0; i-- {
		if c.confirmed[i].Hash() == hash {
			return c.confirmed[i]
		}
	}
	return nil
}

func (c *proposalCache) insert(p *Proposal) {
	if p.Height() <= c.height() {
		return
	}
	c.pending[p.Hash()] = p
	if p.Height() > c.maxHeight {
		c.maxHeight = p.Height()
	}
}

// nextPendingProposal returns the pending proposal at confirmed height + 1 +
// offset; with several candidates at the same height, the one with the most
// skips wins (the network converges on the highest observed skip).
func (c *proposalCache) nextPendingProposal(offset uint64) *Proposal {
	want := c.height() + 1 + offset
	var best *Proposal
	for _, p := range c.pending {
		if p.Height() != want {
			continue
		}
		if best == nil || p.Skips() > best.Skips() {
			best = p
		}
	}
	return best
}

// confirm moves a pending proposal into the confirmed deque and purges every
// pending proposal at or below the new confirmed height.
func (c *proposalCache) confirm(hash ProposalHash) {
	p, ok := c.pending[hash]
	if !ok {
		return
	}
	delete(c.pending, hash)
	c.confirmed = append(c.confirmed, p)

	for h, pending := range c.pending {
		if pending.Height() <= p.Height() {
			delete(c.pending, h)
		}
	}

	// Trim the deque head; the tail stays for leader lookup.
	if excess := len(c.confirmed) - c.size; excess > 0 {
		c.confirmed = append([]*Proposal(nil), c.confirmed[excess:]...)
	}
}

func (c *proposalCache) len() int {
	return len(c.pending) + len(c.confirmed)
}

// proposalsFrom lists every known proposal (confirmed then pending) with
// height >= h, ordered by height.
func (c *proposalCache) proposalsFrom(h uint64) []*Proposal {
	var out []*Proposal
	for _, p := range c.confirmed {
		if p.Height() >= h {
			out = append(out, p)
		}
	}
	for _, p := range c.pending {
		if p.Height() >= h {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height() < out[j].Height() })
	return out
}

// confirmedProposalsFrom lists confirmed proposals with height >= h.
func (c *proposalCache) confirmedProposalsFrom(h uint64) []*Proposal {
	var out []*Proposal
	for _, p := range c.confirmed {
		if p.Height() >= h {
			out = append(out, p)
		}
	}
	return out
}

// minProposalHeight is the lowest height still held in the cache.
func (c *proposalCache) minProposalHeight() uint64 {
	min := c.confirmed[0].Height()
	for _, p := range c.pending {
		if p.Height() < min {
			min = p.Height()
		}
	}
	return min
}
