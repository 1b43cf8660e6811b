package core

import (
	"testing"

	"docunet-network/internal/testutil"
)

func createPeers() []PeerID {
	return []PeerID{PeerID([]byte{1}), PeerID([]byte{2}), PeerID([]byte{3})}
}

func peer(id byte) PeerID { return PeerID([]byte{id}) }

func createManifest(t *testing.T, height, skips uint64, leader byte, last ProposalHash) (*ProposalManifest, ProposalHash) {
	t.Helper()
	m := &ProposalManifest{
		LastProposalHash: last,
		Height:           height,
		Skips:            skips,
		LeaderID:         peer(leader),
		Peers:            createPeers(),
	}
	h, err := m.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return m, h
}

func genesisStore(t *testing.T, local PeerID) (*ProposalStore, ProposalHash) {
	t.Helper()
	store, err := NewGenesisStore(local, createPeers(), 100, testutil.SilentLogger())
	if err != nil {
		t.Fatalf("genesis store: %v", err)
	}
	h, err := GenesisManifest(createPeers()).Hash()
	if err != nil {
		t.Fatalf("genesis hash: %v", err)
	}
	return store, h
}

func expectAccept(t *testing.T, event *Event, hash ProposalHash, leader PeerID, height, skips uint64) {
	t.Helper()
	if event == nil || event.Kind != EventAccept {
		t.Fatalf("event = %+v, want accept", event)
	}
	a := event.Accept
	if a.ProposalHash != hash {
		t.Fatalf("accept hash = %s, want %s", a.ProposalHash.Hex(), hash.Hex())
	}
	if a.LeaderID != leader {
		t.Fatalf("accept leader = %s, want %s", a.LeaderID.Hex(), leader.Hex())
	}
	if a.Height != height || a.Skips != skips {
		t.Fatalf("accept height/skips = %d/%d, want %d/%d", a.Height, a.Skips, height, skips)
	}
}

func expectCommit(t *testing.T, event *Event, height uint64) {
	t.Helper()
	if event == nil || event.Kind != EventCommit {
		t.Fatalf("event = %+v, want commit", event)
	}
	if event.Manifest.Height != height {
		t.Fatalf("commit height = %d, want %d", event.Manifest.Height, height)
	}
}

//-------------------------------------------------------------
// Genesis and ordinary progress
//-------------------------------------------------------------

func TestProcessNextGenesis(t *testing.T) {
	store, genesisHash := genesisStore(t, peer(1))

	// First poll emits the bootstrap accept to peer 2.
	expectAccept(t, store.ProcessNext(), genesisHash, peer(2), 0, 0)
	if event := store.ProcessNext(); event != nil {
		t.Fatalf("second poll = %+v, want nil", event)
	}

	m1, m1Hash := createManifest(t, 1, 0, 1, genesisHash)
	if err := store.AddPendingProposal(m1); err != nil {
		t.Fatalf("add m1: %v", err)
	}
	expectAccept(t, store.ProcessNext(), m1Hash, peer(2), 1, 0)
	if event := store.ProcessNext(); event != nil {
		t.Fatalf("poll = %+v, want nil", event)
	}

	m2, m2Hash := createManifest(t, 2, 0, 2, m1Hash)
	if err := store.AddPendingProposal(m2); err != nil {
		t.Fatalf("add m2: %v", err)
	}
	expectCommit(t, store.ProcessNext(), 1)
	// After committing m1, its leader p1 rotates to p2 for the next slot.
	expectAccept(t, store.ProcessNext(), m2Hash, peer(2), 2, 0)
	if event := store.ProcessNext(); event != nil {
		t.Fatalf("poll = %+v, want nil", event)
	}
	if store.Height() != 1 {
		t.Fatalf("height = %d", store.Height())
	}
}

func TestProcessNextRestore(t *testing.T) {
	m10, m10Hash := createManifest(t, 10, 0, 1, ProposalHash{})
	store, err := NewProposalStore(peer(1), m10, 100, testutil.SilentLogger())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	expectAccept(t, store.ProcessNext(), m10Hash, peer(2), 10, 0)

	m11, m11Hash := createManifest(t, 11, 0, 2, m10Hash)
	if err := store.AddPendingProposal(m11); err != nil {
		t.Fatal(err)
	}
	expectAccept(t, store.ProcessNext(), m11Hash, peer(2), 11, 0)
	if event := store.ProcessNext(); event != nil {
		t.Fatalf("poll = %+v", event)
	}

	m12, m12Hash := createManifest(t, 12, 0, 3, m11Hash)
	if err := store.AddPendingProposal(m12); err != nil {
		t.Fatal(err)
	}
	expectCommit(t, store.ProcessNext(), 11)
	// m11's leader is p2, so the next designated leader is p3.
	expectAccept(t, store.ProcessNext(), m12Hash, peer(3), 12, 0)
	if len(store.ConfirmedProposalsFrom(0)) != 2 {
		t.Fatalf("confirmed = %d", len(store.ConfirmedProposalsFrom(0)))
	}
}

//-------------------------------------------------------------
// Skips
//-------------------------------------------------------------

func TestSkipWithNetworkSkip(t *testing.T) {
	store, genesisHash := genesisStore(t, peer(1))

	expectAccept(t, store.ProcessNext(), genesisHash, peer(2), 0, 0)

	m1, m1Hash := createManifest(t, 1, 0, 1, genesisHash)
	if err := store.AddPendingProposal(m1); err != nil {
		t.Fatal(err)
	}
	expectAccept(t, store.ProcessNext(), m1Hash, peer(2), 1, 0)
	if event := store.ProcessNext(); event != nil {
		t.Fatalf("poll = %+v", event)
	}

	// Timeout: skip rotates one leader further.
	expectAccept(t, store.Skip(), m1Hash, peer(3), 1, 1)

	// A stale height-2 proposal with skips=0 is ignored.
	m2a, _ := createManifest(t, 2, 0, 2, m1Hash)
	if err := store.AddPendingProposal(m2a); err != nil {
		t.Fatal(err)
	}
	if event := store.ProcessNext(); event != nil {
		t.Fatalf("stale proposal triggered %+v", event)
	}

	// The height-2 proposal carrying the skip commits m1.
	m2b, m2bHash := createManifest(t, 2, 1, 2, m1Hash)
	if err := store.AddPendingProposal(m2b); err != nil {
		t.Fatal(err)
	}
	expectCommit(t, store.ProcessNext(), 1)
	expectAccept(t, store.ProcessNext(), m2bHash, peer(2), 2, 0)
}

func TestSkipWithoutNetworkSkip(t *testing.T) {
	store, genesisHash := genesisStore(t, peer(1))
	expectAccept(t, store.ProcessNext(), genesisHash, peer(2), 0, 0)

	m1, m1Hash := createManifest(t, 1, 0, 2, genesisHash)
	if err := store.AddPendingProposal(m1); err != nil {
		t.Fatal(err)
	}
	expectAccept(t, store.ProcessNext(), m1Hash, peer(2), 1, 0)
	expectAccept(t, store.Skip(), m1Hash, peer(3), 1, 1)
	if event := store.ProcessNext(); event != nil {
		t.Fatalf("poll = %+v", event)
	}

	// The network did not skip: m2 (skips=0) alone is not acceptable...
	m2, m2Hash := createManifest(t, 2, 0, 3, m1Hash)
	if err := store.AddPendingProposal(m2); err != nil {
		t.Fatal(err)
	}
	if event := store.ProcessNext(); event != nil {
		t.Fatalf("poll = %+v", event)
	}

	// ...until m3 proves the network moved on; we catch up with commits.
	m3, m3Hash := createManifest(t, 3, 0, 2, m2Hash)
	if err := store.AddPendingProposal(m3); err != nil {
		t.Fatal(err)
	}
	expectCommit(t, store.ProcessNext(), 1)
	expectCommit(t, store.ProcessNext(), 2)
	// m2's leader is p3; rotation continues to p1.
	expectAccept(t, store.ProcessNext(), m3Hash, peer(1), 3, 0)
}

func TestSkipSuppressedWhileCatchingUp(t *testing.T) {
	store, genesisHash := genesisStore(t, peer(1))
	expectAccept(t, store.ProcessNext(), genesisHash, peer(2), 0, 0)

	m5, _ := createManifest(t, 5, 0, 1, ProposalHash{})
	if err := store.AddPendingProposal(m5); err != nil {
		t.Fatal(err)
	}
	if event := store.Skip(); event != nil {
		t.Fatalf("skip while catching up = %+v", event)
	}
}

//-------------------------------------------------------------
// Out of sync
//-------------------------------------------------------------

func TestOutOfSyncOnGap(t *testing.T) {
	m3, _ := createManifest(t, 3, 0, 1, ProposalHash{})
	store, err := NewProposalStore(peer(1), m3, 100, testutil.SilentLogger())
	if err != nil {
		t.Fatal(err)
	}
	if event := store.ProcessNext(); event == nil || event.Kind != EventAccept {
		t.Fatalf("bootstrap event = %+v", event)
	}

	m5, _ := createManifest(t, 5, 0, 1, ProposalHash{})
	if err := store.AddPendingProposal(m5); err != nil {
		t.Fatal(err)
	}

	event := store.ProcessNext()
	if event == nil || event.Kind != EventOutOfSync {
		t.Fatalf("event = %+v, want out-of-sync", event)
	}
	if event.OutOfSync.Height != 3 || event.OutOfSync.MaxSeenHeight != 5 {
		t.Fatalf("out-of-sync = %+v", event.OutOfSync)
	}
	if event.OutOfSync.AcceptsSent != 1 {
		t.Fatalf("acceptsSent = %d", event.OutOfSync.AcceptsSent)
	}

	// Polling again repeats the report until the gap fills.
	event = store.ProcessNext()
	if event == nil || event.Kind != EventOutOfSync {
		t.Fatalf("event = %+v", event)
	}
}

func TestNoAcceptWhileGapOpen(t *testing.T) {
	store, genesisHash := genesisStore(t, peer(1))
	expectAccept(t, store.ProcessNext(), genesisHash, peer(2), 0, 0)

	// Height 3 arrives without 1 and 2.
	m3, _ := createManifest(t, 3, 0, 1, ProposalHash{})
	if err := store.AddPendingProposal(m3); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		event := store.ProcessNext()
		if event == nil || event.Kind != EventOutOfSync {
			t.Fatalf("event = %+v, want out-of-sync only", event)
		}
	}
}

//-------------------------------------------------------------
// Accept ingestion
//-------------------------------------------------------------

func TestAddAcceptQuorumEmitsPropose(t *testing.T) {
	// Local peer 2 is the designated leader after genesis.
	store, genesisHash := genesisStore(t, peer(2))

	// Bootstrap: the local accept self-delivers; one more accept reaches the
	// majority of 2 out of 3 and triggers the height-1 proposal.
	first := store.ProcessNext()
	event := store.AddAccept(&ProposalAccept{
		ProposalHash: genesisHash,
		LeaderID:     peer(2),
		Height:       0,
		Skips:        0,
	}, peer(1))
	if first != nil && first.Kind == EventPropose {
		event = first
	}
	if event == nil || event.Kind != EventPropose {
		t.Fatalf("event = %+v, want propose", event)
	}
	if event.Propose.Height != 1 || event.Propose.Skips != 0 {
		t.Fatalf("propose = %+v", event.Propose)
	}
	if event.Propose.LastProposalHash != genesisHash {
		t.Fatal("propose must build on the accepted proposal")
	}
}

func TestAddAcceptDuplicatesDoNotDoubleCount(t *testing.T) {
	store, genesisHash := genesisStore(t, peer(3))

	accept := &ProposalAccept{ProposalHash: genesisHash, LeaderID: peer(2), Height: 0, Skips: 0}
	if event := store.AddAccept(accept, peer(1)); event != nil {
		t.Fatalf("first accept = %+v", event)
	}
	// The same peer again must not reach quorum.
	if event := store.AddAccept(accept, peer(1)); event != nil {
		t.Fatalf("duplicate accept = %+v", event)
	}
	// A second distinct peer does.
	event := store.AddAccept(accept, peer(2))
	if event == nil || event.Kind != EventPropose {
		t.Fatalf("second peer accept = %+v, want propose", event)
	}
}

func TestAddAcceptStaleDropped(t *testing.T) {
	m3, m3Hash := createManifest(t, 3, 0, 1, ProposalHash{})
	store, err := NewProposalStore(peer(1), m3, 100, testutil.SilentLogger())
	if err != nil {
		t.Fatal(err)
	}
	stale := &ProposalAccept{ProposalHash: m3Hash, LeaderID: peer(1), Height: 2, Skips: 0}
	if event := store.AddAccept(stale, peer(2)); event != nil {
		t.Fatalf("stale accept = %+v", event)
	}
}

func TestAddAcceptHigherSkipBumpsLocal(t *testing.T) {
	store, genesisHash := genesisStore(t, peer(1))
	expectAccept(t, store.ProcessNext(), genesisHash, peer(2), 0, 0)

	m1, m1Hash := createManifest(t, 1, 0, 1, genesisHash)
	if err := store.AddPendingProposal(m1); err != nil {
		t.Fatal(err)
	}
	expectAccept(t, store.ProcessNext(), m1Hash, peer(2), 1, 0)

	// Network converged on skip 3 for this height.
	accept := &ProposalAccept{ProposalHash: m1Hash, LeaderID: peer(2), Height: 1, Skips: 3}
	store.AddAccept(accept, peer(2))

	// Our next skip continues from the network's skip count.
	event := store.Skip()
	if event == nil || event.Kind != EventAccept {
		t.Fatalf("skip = %+v", event)
	}
	if event.Accept.Skips != 3 {
		t.Fatalf("skips = %d, want 3", event.Accept.Skips)
	}
}

//-------------------------------------------------------------
// Orphan accepts
//-------------------------------------------------------------

func TestOrphanAcceptsReplayedOnArrival(t *testing.T) {
	// Local peer 2 will lead height 2 once m1 is accepted.
	store, genesisHash := genesisStore(t, peer(2))
	if event := store.ProcessNext(); event == nil {
		t.Fatal("bootstrap event expected")
	}

	m1, m1Hash := createManifest(t, 1, 0, 1, genesisHash)

	// Accepts for m1 arrive before the proposal itself: stash and report.
	a := &ProposalAccept{ProposalHash: m1Hash, LeaderID: peer(2), Height: 1, Skips: 0}
	event := store.AddAccept(a, peer(1))
	if event == nil || event.Kind != EventOutOfSync {
		t.Fatalf("orphan accept event = %+v, want out-of-sync", event)
	}
	event = store.AddAccept(a, peer(3))
	if event == nil || event.Kind != EventOutOfSync {
		t.Fatalf("orphan accept event = %+v", event)
	}

	// When the proposal arrives the stashed accepts are replayed into its
	// skip group; replay records them without evaluating quorum.
	if err := store.AddPendingProposal(m1); err != nil {
		t.Fatal(err)
	}
	if !store.Exists(m1Hash) {
		t.Fatal("proposal must be pending after arrival")
	}
	// The replayed orphans already form a majority, but no event fires until
	// the next live accept; a fresh accept from the local peer returns the
	// propose event.
	event = store.AddAccept(a, peer(2))
	if event == nil || event.Kind != EventPropose {
		t.Fatalf("post-arrival accept = %+v, want propose", event)
	}
	if event.Propose.Height != 2 {
		t.Fatalf("propose height = %d", event.Propose.Height)
	}
}

//-------------------------------------------------------------
// Leader rotation
//-------------------------------------------------------------

func TestNextLeaderRotation(t *testing.T) {
	m := GenesisManifest(createPeers())
	tests := []struct {
		name  string
		skips uint64
		want  PeerID
	}{
		{"NoSkips", 0, peer(2)},
		{"OneSkip", 1, peer(3)},
		{"TwoSkips", 2, peer(1)},
		{"WrapsAround", 3, peer(2)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.NextLeader(tc.skips); got != tc.want {
				t.Fatalf("next leader = %s, want %s", got.Hex(), tc.want.Hex())
			}
		})
	}
}

func TestManifestHashDeterminism(t *testing.T) {
	m1, h1 := createManifest(t, 1, 0, 1, ProposalHash{})
	_, h2 := createManifest(t, 1, 0, 1, ProposalHash{})
	if h1 != h2 {
		t.Fatal("identical manifests must hash identically")
	}
	m1.Skips = 1
	h3, err := m1.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Fatal("different manifests must hash differently")
	}
}
