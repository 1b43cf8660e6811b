package main

// HTTP transport between peers. The consensus core treats the network as an
// external collaborator; this adapter maps peer ids to base URLs from the
// config and speaks the JSON wire format of the /v0/consensus endpoints.

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"docunet-network/core"
	"docunet-network/pkg/config"
)

type httpTransport struct {
	client *http.Client
	addrs  map[core.PeerID]string
	log    *logrus.Logger
	local  core.PeerID
}

func newHTTPTransport(cfg *config.Config, lg *logrus.Logger) (*httpTransport, error) {
	if len(cfg.Network.Peers) != len(cfg.Network.PeerAddrs) {
		return nil, fmt.Errorf("network.peers and network.peer_addrs must have the same length")
	}
	addrs := make(map[core.PeerID]string, len(cfg.Network.Peers))
	for i, p := range cfg.Network.Peers {
		raw, err := hex.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("peer id %q: %w", p, err)
		}
		addrs[core.PeerID(raw)] = cfg.Network.PeerAddrs[i]
	}
	localRaw, err := hex.DecodeString(cfg.Network.PeerID)
	if err != nil {
		return nil, err
	}
	return &httpTransport{
		client: &http.Client{Timeout: 10 * time.Second},
		addrs:  addrs,
		log:    lg,
		local:  core.PeerID(localRaw),
	}, nil
}

func (t *httpTransport) post(ctx context.Context, addr, path string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s: %d: %s", path, resp.StatusCode, string(b))
	}
	return nil
}

// acceptEnvelope carries an accept plus the sender's identity.
type acceptEnvelope struct {
	Accept *core.ProposalAccept `json:"accept"`
	From   string               `json:"from"`
}

func (t *httpTransport) BroadcastProposal(ctx context.Context, manifest *core.ProposalManifest) error {
	for peer, addr := range t.addrs {
		if peer == t.local {
			continue
		}
		if err := t.post(ctx, addr, "/v0/consensus/proposals", manifest); err != nil {
			t.log.Warnf("broadcast to %s: %v", peer.Hex(), err)
		}
	}
	return nil
}

func (t *httpTransport) SendAccept(ctx context.Context, to core.PeerID, accept *core.ProposalAccept) error {
	addr, ok := t.addrs[to]
	if !ok {
		return fmt.Errorf("no address for peer %s", to.Hex())
	}
	return t.post(ctx, addr, "/v0/consensus/accepts", acceptEnvelope{Accept: accept, From: t.local.Hex()})
}

func (t *httpTransport) FetchProposals(ctx context.Context, fromHeight, toHeight uint64) ([]*core.ProposalManifest, error) {
	for peer, addr := range t.addrs {
		if peer == t.local {
			continue
		}
		url := fmt.Sprintf("%s/v0/consensus/proposals?from=%d&to=%d", addr, fromHeight, toHeight)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := t.client.Do(req)
		if err != nil {
			t.log.Warnf("fetch from %s: %v", peer.Hex(), err)
			continue
		}
		var out []*core.ProposalManifest
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			continue
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, nil
}
