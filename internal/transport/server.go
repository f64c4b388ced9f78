package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/envmesh/envmesh/pkg/protocol"
)

// handlerTable maps message types to handlers.
type handlerTable struct {
	mu sync.RWMutex
	m  map[protocol.MessageType]Handler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{m: make(map[protocol.MessageType]Handler)}
}

func (t *handlerTable) set(msgType protocol.MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[msgType] = h
}

func (t *handlerTable) get(msgType protocol.MessageType) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.m[msgType]
	return h, ok
}

// httpServer owns the listener serving the message and file endpoints.
type httpServer struct {
	svc *Service

	mu      sync.Mutex
	running bool
	srv     *http.Server
	ln      net.Listener
}

func newHTTPServer(svc *Service) *httpServer {
	return &httpServer{svc: svc}
}

// start binds the network port and begins serving. With TLS enabled the
// certificate pair is bootstrapped first; failure there aborts the start.
func (h *httpServer) start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		h.svc.log.Info("transport already running")
		return nil
	}

	var tlsConf *tls.Config
	if h.svc.cfg.UseTLS {
		cert, err := ensureCertificate(h.svc.cfg.CertDir, h.svc.cfg.Hostname)
		if err != nil {
			return fmt.Errorf("tls bootstrap: %w", err)
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", h.handleMessage)
	mux.HandleFunc("POST /file/upload", h.handleFileUpload)
	mux.HandleFunc("GET /file/download/{fileID}", h.handleFileDownload)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", h.svc.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", h.svc.cfg.Port, err)
	}

	h.ln = ln
	h.srv = &http.Server{
		Handler:           mux,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.running = true

	go h.serve(tlsConf != nil)

	h.svc.log.Info("transport started",
		logKeyAddress, ln.Addr().String(),
		"tls", tlsConf != nil)
	return nil
}

func (h *httpServer) serve(useTLS bool) {
	var err error
	if useTLS {
		err = h.srv.ServeTLS(h.ln, "", "")
	} else {
		err = h.srv.Serve(h.ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.svc.log.Error("transport server exited", logKeyError, err.Error())
	}
}

// stop shuts the server down gracefully, bounded by ctx.
func (h *httpServer) stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil
	}
	h.running = false

	err := h.srv.Shutdown(ctx)
	h.srv = nil
	h.ln = nil

	h.svc.log.Info("transport stopped")
	return err
}

// addr returns the bound listen address, for tests and logs.
func (h *httpServer) addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// handleMessage serves POST /message: size check, parse, dispatch,
// respond with the response envelope.
func (h *httpServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	svc := h.svc

	// Reject declared-oversized bodies before reading a single byte.
	if r.ContentLength > svc.cfg.MaxMessageSize {
		writeJSONError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("message too large (%d bytes)", r.ContentLength))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, svc.cfg.MaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge,
				"message too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	// Lenient parse: unknown types must reach dispatch so the sender
	// gets a not-implemented envelope naming the type, not a bare 400.
	env, err := protocol.UnmarshalInbound(body)
	if err != nil {
		svc.log.Warn("rejecting malformed message", logKeyError, err.Error())
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := svc.dispatch(r.Context(), env)

	httpStatus := http.StatusOK
	if resp.Type == protocol.TypeError {
		httpStatus = int(resp.Status())
	}
	writeJSON(w, httpStatus, resp)
}

// handleFileUpload serves POST /file/upload: multipart metadata + file,
// streamed to the file store with the content hash computed on the way.
func (h *httpServer) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	svc := h.svc

	if r.ContentLength > svc.cfg.MaxMessageSize {
		writeJSONError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large (%d bytes)", r.ContentLength))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, svc.cfg.MaxMessageSize)

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "expected multipart body")
		return
	}

	part, err := mr.NextPart()
	if err != nil || part.FormName() != "metadata" {
		writeJSONError(w, http.StatusBadRequest, "missing metadata field")
		return
	}
	var metadata map[string]any
	if err := json.NewDecoder(part).Decode(&metadata); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid metadata")
		return
	}

	part, err = mr.NextPart()
	if err != nil || part.FormName() != "file" {
		writeJSONError(w, http.StatusBadRequest, "missing file field")
		return
	}

	fileID, hash, size, err := svc.files.Save(part)
	if err != nil {
		svc.log.Error("storing uploaded file failed", logKeyError, err.Error())
		writeJSONError(w, http.StatusInternalServerError, "could not store file")
		return
	}

	svc.log.Info("received file",
		logKeyFileID, fileID,
		"name", fmt.Sprint(metadata["name"]),
		"size", size)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"file_id": fileID,
		"hash":    hash,
	})
}

// handleFileDownload serves GET /file/download/{fileID} as raw bytes.
func (h *httpServer) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	svc := h.svc
	fileID := r.PathValue("fileID")

	f, err := svc.files.Open(fileID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound,
			fmt.Sprintf("file not found: %s", fileID))
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", fmt.Sprint(info.Size()))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		svc.log.Debug("download interrupted",
			logKeyFileID, fileID,
			logKeyError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"status": status,
		"error":  msg,
	})
}
