package core

// JSON wire codecs for the consensus messages. The byte layout of records is
// preserved verbatim across peers so manifests hash identically everywhere.

import (
	"encoding/hex"
	"encoding/json"
)

type wireChange struct {
	Kind         ChangeKind      `json:"kind"`
	CollectionID string          `json:"collectionId"`
	RecordID     string          `json:"recordId"`
	Record       json.RawMessage `json:"record,omitempty"`
}

type wireManifest struct {
	LastProposalHash string       `json:"lastProposalHash"`
	Height           uint64       `json:"height"`
	Skips            uint64       `json:"skips"`
	LeaderID         string       `json:"leaderId"`
	Changes          []wireChange `json:"changes"`
	Peers            []string     `json:"peers"`
}

type wireAccept struct {
	ProposalHash string `json:"proposalHash"`
	LeaderID     string `json:"leaderId"`
	Height       uint64 `json:"height"`
	Skips        uint64 `json:"skips"`
	From         string `json:"from"`
}

func (c Change) MarshalJSON() ([]byte, error) {
	record, err := c.recordJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireChange{
		Kind:         c.Kind,
		CollectionID: c.CollectionID,
		RecordID:     c.RecordID,
		Record:       record,
	})
}

func (c *Change) UnmarshalJSON(data []byte) error {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Change{
		Kind:         w.Kind,
		CollectionID: w.CollectionID,
		RecordID:     w.RecordID,
		RawRecord:    []byte(w.Record),
	}
	if len(c.RawRecord) == 0 {
		c.RawRecord = nil
	}
	return nil
}

func (m ProposalManifest) MarshalJSON() ([]byte, error) {
	w := wireManifest{
		LastProposalHash: m.LastProposalHash.Hex(),
		Height:           m.Height,
		Skips:            m.Skips,
		LeaderID:         m.LeaderID.Hex(),
		Changes:          make([]wireChange, 0, len(m.Changes)),
		Peers:            make([]string, 0, len(m.Peers)),
	}
	for _, c := range m.Changes {
		record, err := c.recordJSON()
		if err != nil {
			return nil, err
		}
		w.Changes = append(w.Changes, wireChange{
			Kind:         c.Kind,
			CollectionID: c.CollectionID,
			RecordID:     c.RecordID,
			Record:       record,
		})
	}
	for _, p := range m.Peers {
		w.Peers = append(w.Peers, p.Hex())
	}
	return json.Marshal(w)
}

func (m *ProposalManifest) UnmarshalJSON(data []byte) error {
	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	hash, err := parseProposalHash(w.LastProposalHash)
	if err != nil {
		return err
	}
	leader, err := parsePeerID(w.LeaderID)
	if err != nil {
		return err
	}
	*m = ProposalManifest{
		LastProposalHash: hash,
		Height:           w.Height,
		Skips:            w.Skips,
		LeaderID:         leader,
	}
	for _, c := range w.Changes {
		change := Change{
			Kind:         c.Kind,
			CollectionID: c.CollectionID,
			RecordID:     c.RecordID,
		}
		if len(c.Record) > 0 {
			change.RawRecord = []byte(c.Record)
		}
		m.Changes = append(m.Changes, change)
	}
	for _, p := range w.Peers {
		peer, err := parsePeerID(p)
		if err != nil {
			return err
		}
		m.Peers = append(m.Peers, peer)
	}
	return nil
}

func (a ProposalAccept) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireAccept{
		ProposalHash: a.ProposalHash.Hex(),
		LeaderID:     a.LeaderID.Hex(),
		Height:       a.Height,
		Skips:        a.Skips,
	})
}

func (a *ProposalAccept) UnmarshalJSON(data []byte) error {
	var w wireAccept
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	hash, err := parseProposalHash(w.ProposalHash)
	if err != nil {
		return err
	}
	leader, err := parsePeerID(w.LeaderID)
	if err != nil {
		return err
	}
	*a = ProposalAccept{
		ProposalHash: hash,
		LeaderID:     leader,
		Height:       w.Height,
		Skips:        w.Skips,
	}
	return nil
}

func parseProposalHash(s string) (ProposalHash, error) {
	var h ProposalHash
	if s == "" {
		return h, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, engineErrf(KindSerializationFailure, "invalid proposal hash %q", s)
	}
	copy(h[:], raw)
	return h, nil
}

func parsePeerID(s string) (PeerID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", engineErrf(KindSerializationFailure, "invalid peer id %q", s)
	}
	return PeerID(raw), nil
}
