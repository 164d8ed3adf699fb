package coordstore

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/elastrain/elastrain/internal/metrics"
	"github.com/elastrain/elastrain/internal/topology"
	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

const maxWatchTimeout = 5 * time.Minute

// Server exposes a MemStore over HTTP. One server process is the job's
// coordination backend; linearizability comes from the store mutex
// serializing every mutation.
type Server struct {
	addr   string
	store  *MemStore
	server *http.Server
}

// NewServer wires the HTTP routes for the given store.
func NewServer(addr string, store *MemStore) *Server {
	s := &Server{addr: addr, store: store}

	r := mux.NewRouter()
	r.HandleFunc("/v1/round", s.handleCurrentRound).Methods(http.MethodGet)
	r.HandleFunc("/v1/rounds/{id:[0-9]+}", s.handleReadRound).Methods(http.MethodGet)
	r.HandleFunc("/v1/rounds/{id:[0-9]+}/workers", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/rounds/{id:[0-9]+}/workers/{wid}", s.handleDeregister).Methods(http.MethodDelete)
	r.HandleFunc("/v1/rounds/{id:[0-9]+}/close", s.handleClose).Methods(http.MethodPost)
	r.HandleFunc("/v1/rounds/{id:[0-9]+}/fail", s.handleFail).Methods(http.MethodPost)
	r.HandleFunc("/v1/rounds/{id:[0-9]+}/watch", s.handleWatch).Methods(http.MethodGet)
	r.HandleFunc("/v1/rounds/{id:[0-9]+}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/v1/rounds/{id:[0-9]+}/live", s.handleLiveWorkers).Methods(http.MethodGet)

	s.server = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	klog.Infof("coordination store listening on %s", s.addr)
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	err = s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, pkgerrors.ErrRoundClosed):
		return http.StatusConflict, "round_closed"
	case errors.Is(err, pkgerrors.ErrRoundFailed):
		return http.StatusGone, "round_failed"
	case errors.Is(err, pkgerrors.ErrRevisionConflict):
		return http.StatusPreconditionFailed, "revision_conflict"
	case errors.Is(err, pkgerrors.ErrRoundNotFound):
		return http.StatusNotFound, "round_not_found"
	case errors.Is(err, pkgerrors.ErrNotRegistered):
		return http.StatusNotFound, "not_registered"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// codeToError is the client-side inverse of errorCode.
func codeToError(code, message string) error {
	switch code {
	case "round_closed":
		return pkgerrors.ErrRoundClosed
	case "round_failed":
		return pkgerrors.ErrRoundFailed
	case "revision_conflict":
		return pkgerrors.ErrRevisionConflict
	case "round_not_found":
		return pkgerrors.ErrRoundNotFound
	case "not_registered":
		return pkgerrors.ErrNotRegistered
	default:
		return errors.New(message)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, op string, err error) {
	status, code := errorCode(err)
	metrics.RecordStoreRequest(op, code)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeOK(w http.ResponseWriter, op string, v any) {
	metrics.RecordStoreRequest(op, "ok")
	writeJSON(w, http.StatusOK, v)
}

func pathRound(r *http.Request) uint64 {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) handleCurrentRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.store.CurrentRound(r.Context())
	if err != nil {
		writeError(w, "current_round", err)
		return
	}
	writeOK(w, "current_round", map[string]uint64{"round": round})
}

func (s *Server) handleReadRound(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.ReadRound(r.Context(), pathRound(r))
	if err != nil {
		writeError(w, "read_round", err)
		return
	}
	writeOK(w, "read_round", state)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var worker topology.Worker
	if err := json.NewDecoder(r.Body).Decode(&worker); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}

	pos, err := s.store.Register(r.Context(), pathRound(r), worker)
	if err != nil {
		writeError(w, "register", err)
		return
	}
	writeOK(w, "register", map[string]int{"position": pos})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	err := s.store.Deregister(r.Context(), pathRound(r), mux.Vars(r)["wid"])
	if err != nil {
		writeError(w, "deregister", err)
		return
	}
	writeOK(w, "deregister", map[string]bool{"ok": true})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Revision uint64 `json:"revision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}

	if err := s.store.CloseRound(r.Context(), pathRound(r), body.Revision); err != nil {
		writeError(w, "close_round", err)
		return
	}
	writeOK(w, "close_round", map[string]bool{"ok": true})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}

	if err := s.store.FailRound(r.Context(), pathRound(r), body.Reason); err != nil {
		writeError(w, "fail_round", err)
		return
	}
	klog.Warningf("round %d failed: %s", pathRound(r), body.Reason)
	writeOK(w, "fail_round", map[string]bool{"ok": true})
}

// handleWatch long-polls until the round reaches a terminal state or the
// requested timeout elapses (204 in that case; the client re-polls).
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if ms := r.URL.Query().Get("timeout_ms"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			timeout = time.Duration(v) * time.Millisecond
		}
	}
	if timeout > maxWatchTimeout {
		timeout = maxWatchTimeout
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	ch, err := s.store.Watch(ctx, pathRound(r))
	if err != nil {
		writeError(w, "watch", err)
		return
	}

	select {
	case ev, ok := <-ch:
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeOK(w, "watch", ev)
	case <-ctx.Done():
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkerID string `json:"worker_id"`
		TTLMs    int64  `json:"ttl_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}

	ttl := time.Duration(body.TTLMs) * time.Millisecond
	if err := s.store.Heartbeat(r.Context(), pathRound(r), body.WorkerID, ttl); err != nil {
		writeError(w, "heartbeat", err)
		return
	}
	writeOK(w, "heartbeat", map[string]bool{"ok": true})
}

func (s *Server) handleLiveWorkers(w http.ResponseWriter, r *http.Request) {
	live, err := s.store.LiveWorkers(r.Context(), pathRound(r))
	if err != nil {
		writeError(w, "live_workers", err)
		return
	}
	if live == nil {
		live = []string{}
	}
	writeOK(w, "live_workers", map[string][]string{"workers": live})
}
