package main

// HTTP surface of the peer: client-facing record/call endpoints, the
// peer-facing consensus endpoints and the operational endpoints.

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"docunet-network/core"
	"docunet-network/pkg/config"
)

type server struct {
	cfg       *config.Config
	store     *core.Store
	gateway   *core.Gateway
	consensus *core.ProposalStore
	repl      *core.Replicator
	log       *logrus.Logger
}

func newServer(cfg *config.Config, store *core.Store, gateway *core.Gateway, consensus *core.ProposalStore, repl *core.Replicator, lg *logrus.Logger) *server {
	return &server{cfg: cfg, store: store, gateway: gateway, consensus: consensus, repl: repl, log: lg}
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID)

	r.HandleFunc("/v0/collections/{collection}", s.handleCreateCollection).Methods(http.MethodPost)
	r.HandleFunc("/v0/collections/{collection}/records", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/v0/collections/{collection}/records", s.handleConstructor).Methods(http.MethodPost)
	r.HandleFunc("/v0/collections/{collection}/records/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v0/collections/{collection}/records/{id}/call/{method}", s.handleCall).Methods(http.MethodPost)

	r.HandleFunc("/v0/consensus/proposals", s.handleProposalsFetch).Methods(http.MethodGet)
	r.HandleFunc("/v0/consensus/proposals", s.handleProposalSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v0/consensus/accepts", s.handleAcceptSubmit).Methods(http.MethodPost)

	r.HandleFunc("/v0/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (s *server) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// authFromRequest parses the optional X-Public-Key header (0x-hex form).
func authFromRequest(r *http.Request) (*core.AuthContext, error) {
	raw := r.Header.Get("X-Public-Key")
	if raw == "" {
		return nil, nil
	}
	pk, err := core.ParsePublicKeyHex(raw)
	if err != nil {
		return nil, err
	}
	return &core.AuthContext{PublicKey: &pk}, nil
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	var ce *core.Error
	if errors.As(err, &ce) && ce.User {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, core.ErrCollectionNotFound), errors.Is(err, core.ErrRecordNotFound), errors.Is(err, core.ErrMethodNotFound):
			status = http.StatusNotFound
		case errors.Is(err, core.ErrUnauthorizedRead), errors.Is(err, core.ErrUnauthorizedCall):
			status = http.StatusForbidden
		}
		writeJSON(w, status, map[string]interface{}{"error": map[string]string{
			"kind":    ce.Kind,
			"message": ce.Error(),
		}})
		return
	}
	s.log.Errorf("internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": map[string]string{
		"kind": "internal",
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

//---------------------------------------------------------------------
// Client endpoints
//---------------------------------------------------------------------

func (s *server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	var body struct {
		Code string          `json:"code"`
		AST  json.RawMessage `json:"ast"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, err)
		return
	}
	auth, err := authFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	args := []interface{}{collection, body.Code, string(body.AST)}
	changes, err := s.repl.SubmitCall(r.Context(), core.CollectionCollection, core.ConstructorMethod, "", args, auth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": len(changes)})
}

func (s *server) handleConstructor(w http.ResponseWriter, r *http.Request) {
	s.callMethod(w, r, core.ConstructorMethod)
}

func (s *server) handleCall(w http.ResponseWriter, r *http.Request) {
	s.callMethod(w, r, mux.Vars(r)["method"])
}

func (s *server) callMethod(w http.ResponseWriter, r *http.Request, method string) {
	vars := mux.Vars(r)
	var body struct {
		Args []interface{} `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, err)
		return
	}
	auth, err := authFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	changes, err := s.repl.SubmitCall(r.Context(), vars["collection"], method, vars["id"], body.Args, auth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	auth, err := authFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	record, err := s.store.Get(r.Context(), vars["collection"], vars["id"], auth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if record == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"data": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": core.ValueToJSON(core.MapValue(record))})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var q core.ListQuery
	if raw := r.URL.Query().Get("q"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			s.writeError(w, err)
			return
		}
	}
	auth, err := authFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.store.List(r.Context(), vars["collection"], q, auth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data := make([]interface{}, 0, len(results))
	for _, res := range results {
		data = append(data, core.ValueToJSON(core.MapValue(res.Record)))
	}
	out := map[string]interface{}{"data": data}
	if len(results) > 0 {
		out["cursor"] = map[string]string{
			"after":  results[len(results)-1].Cursor,
			"before": results[0].Cursor,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

//---------------------------------------------------------------------
// Peer endpoints
//---------------------------------------------------------------------

func (s *server) handleProposalsFetch(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	to, _ := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	manifests := s.consensus.ProposalsFrom(from)
	if to > 0 {
		filtered := manifests[:0]
		for _, m := range manifests {
			if m.Height <= to {
				filtered = append(filtered, m)
			}
		}
		manifests = filtered
	}
	writeJSON(w, http.StatusOK, manifests)
}

func (s *server) handleProposalSubmit(w http.ResponseWriter, r *http.Request) {
	var manifest core.ProposalManifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		s.writeError(w, err)
		return
	}
	s.repl.OnProposal(&manifest)
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleAcceptSubmit(w http.ResponseWriter, r *http.Request) {
	var env acceptEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Accept == nil {
		s.writeError(w, errors.New("invalid accept envelope"))
		return
	}
	from, err := peerIDFromHex(env.From)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.repl.OnAccept(env.Accept, from)
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	root := s.store.StateRoot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"height":    s.consensus.Height(),
		"minHeight": s.consensus.MinProposalHeight(),
		"stateRoot": digestHex(root),
		"pending":   s.repl.PendingChanges(),
	})
}
