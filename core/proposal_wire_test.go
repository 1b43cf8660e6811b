package core

import (
	"encoding/json"
	"testing"
)

func TestManifestWireRoundTrip(t *testing.T) {
	m := &ProposalManifest{
		Height:   3,
		Skips:    1,
		LeaderID: peer(2),
		Peers:    createPeers(),
		Changes: []Change{
			{Kind: ChangeCreate, CollectionID: "ns/User", RecordID: "1",
				Record: userRecord("1", "John", 30)},
			{Kind: ChangeDelete, CollectionID: "ns/User", RecordID: "2"},
		},
	}
	h1, err := m.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ProposalManifest
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// The wire form preserves the record bytes, so the hash survives.
	h2, err := back.Hash()
	if err != nil {
		t.Fatalf("hash back: %v", err)
	}
	if h1 != h2 {
		t.Fatal("manifest hash must survive the wire")
	}
	if back.LeaderID != peer(2) || len(back.Peers) != 3 {
		t.Fatalf("manifest fields = %+v", back)
	}
	if back.Changes[1].Kind != ChangeDelete || back.Changes[1].Record != nil {
		t.Fatalf("delete change = %+v", back.Changes[1])
	}
}

func TestAcceptWireRoundTrip(t *testing.T) {
	var hash ProposalHash
	hash[0] = 0xAB
	a := &ProposalAccept{ProposalHash: hash, LeaderID: peer(1), Height: 7, Skips: 2}
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ProposalAccept
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != *a {
		t.Fatalf("round trip = %+v, want %+v", back, *a)
	}
}
