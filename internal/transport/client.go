package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/envmesh/envmesh/pkg/protocol"
)

// httpClient dials remote peers. There is no persistent connection
// state beyond the standard pooling; every call is an independent
// request/response.
type httpClient struct {
	svc  *Service
	http *http.Client
}

func newHTTPClient(svc *Service) *httpClient {
	transport := &http.Transport{}
	if svc.cfg.UseTLS {
		// Peers present self-signed certificates; there is no CA to
		// verify against.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &httpClient{
		svc:  svc,
		http: &http.Client{Transport: transport},
	}
}

func (c *httpClient) scheme() string {
	if c.svc.cfg.UseTLS {
		return "https"
	}
	return "http"
}

// peerURL builds the endpoint URL for a peer. Discovery records carry a
// bare address; the configured port applies unless the address already
// names one.
func (c *httpClient) peerURL(address, path string) string {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(c.svc.cfg.Port))
	}
	return fmt.Sprintf("%s://%s%s", c.scheme(), address, path)
}

// withDeadline bounds ctx by the configured request timeout unless the
// caller already supplied a deadline. No outbound call blocks forever.
func (c *httpClient) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.svc.cfg.RequestTimeout)
}

// SendMessage sends a typed message to a peer and returns the response
// payload. A peer id naming this node dispatches to the local handler
// without touching the network.
//
// All outbound failures (unknown peer, timeout, connection or TLS error,
// non-200 response, foreign correlation id) return nil after a log
// entry. Callers treat nil as "no answer".
func (s *Service) SendMessage(
	ctx context.Context,
	peerID string,
	msgType protocol.MessageType,
	data map[string]any,
) map[string]any {
	dest, err := s.resolve(peerID)
	if err != nil {
		s.log.Warn("send failed",
			logKeyPeerID, peerID,
			logKeyMessageType, string(msgType),
			logKeyError, err.Error())
		return nil
	}

	if dest.IsLocal() {
		return s.sendLocal(ctx, msgType, data)
	}
	return s.cli.sendRemote(ctx, dest.Peer().Address, msgType, data, dest.Peer().PeerID)
}

// sendLocal short-circuits a message addressed to this node straight to
// the registered handler.
func (s *Service) sendLocal(
	ctx context.Context,
	msgType protocol.MessageType,
	data map[string]any,
) map[string]any {
	s.log.Debug("handling local request",
		logKeyMessageType, string(msgType))

	handler, ok := s.handlers.get(msgType)
	if !ok {
		s.log.Warn("no local handler for message type",
			logKeyMessageType, string(msgType))
		return nil
	}

	result, err := handler(ctx, data)
	if err != nil {
		s.log.Warn("local handler failed",
			logKeyMessageType, string(msgType),
			logKeyError, err.Error())
		return nil
	}
	return result
}

// sendRemote posts an envelope to the peer's message endpoint and
// returns the correlated response payload.
func (c *httpClient) sendRemote(
	ctx context.Context,
	address string,
	msgType protocol.MessageType,
	data map[string]any,
	receiverID string,
) map[string]any {
	svc := c.svc

	env := protocol.New(msgType, data, svc.resolver.NodeID(), receiverID)
	body, err := protocol.Marshal(env)
	if err != nil {
		svc.log.Warn("building envelope failed",
			logKeyMessageType, string(msgType),
			logKeyError, err.Error())
		return nil
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.peerURL(address, "/message"),
		bytes.NewReader(body),
	)
	if err != nil {
		svc.log.Warn("building request failed", logKeyError, err.Error())
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		svc.log.Warn("send failed",
			logKeyPeerID, receiverID,
			logKeyMessageType, string(msgType),
			logKeyError, classify(ctx, err).Error())
		return nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, svc.cfg.MaxMessageSize))
	if err != nil {
		svc.log.Warn("reading response failed", logKeyError, err.Error())
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		svc.log.Warn("peer rejected message",
			logKeyPeerID, receiverID,
			logKeyMessageType, string(msgType),
			logKeyStatus, resp.StatusCode,
			logKeyError, string(respBody))
		return nil
	}

	respEnv, err := protocol.Unmarshal(respBody)
	if err != nil {
		svc.log.Warn("malformed response envelope", logKeyError, err.Error())
		return nil
	}
	if err := protocol.Match(env, respEnv); err != nil {
		// Duplicate or stray packet; never surface it to the caller.
		svc.log.Warn("discarding uncorrelated response",
			logKeyPeerID, receiverID,
			logKeyError, err.Error())
		return nil
	}

	return respEnv.Data
}

// UploadResult is what a successful upload returns: the remote file id
// and the content hash the receiver computed.
type UploadResult struct {
	FileID string
	Hash   string
}

// UploadFile sends a local file to a peer's upload endpoint along with
// its JSON metadata. Oversized files are rejected before any bytes move.
// Returns nil on any failure, after a log entry.
func (s *Service) UploadFile(
	ctx context.Context,
	peerID, path string,
	metadata map[string]any,
) *UploadResult {
	rec, ok := s.resolver.Peer(peerID)
	if !ok {
		s.log.Warn("upload failed",
			logKeyPeerID, peerID,
			logKeyError, ErrPeerNotFound.Error())
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		s.log.Warn("upload failed",
			logKeyPath, path,
			logKeyError, err.Error())
		return nil
	}
	if info.Size() > s.cfg.MaxMessageSize {
		s.log.Warn("upload rejected",
			logKeyPath, path,
			"size", info.Size(),
			"max", s.cfg.MaxMessageSize,
			logKeyError, ErrMessageTooLarge.Error())
		return nil
	}

	localHash, err := HashFile(path)
	if err != nil {
		s.log.Warn("hashing file failed",
			logKeyPath, path,
			logKeyError, err.Error())
		return nil
	}

	result := s.cli.uploadRemote(ctx, rec.Address, path, metadata)
	if result != nil && result.Hash != localHash {
		s.log.Warn("upload hash mismatch",
			logKeyPeerID, peerID,
			logKeyFileID, result.FileID,
			"localHash", localHash,
			"remoteHash", result.Hash)
		return nil
	}
	return result
}

func (c *httpClient) uploadRemote(
	ctx context.Context,
	address, path string,
	metadata map[string]any,
) *UploadResult {
	svc := c.svc

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		svc.log.Warn("encoding metadata failed", logKeyError, err.Error())
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		svc.log.Warn("opening file failed",
			logKeyPath, path,
			logKeyError, err.Error())
		return nil
	}
	defer f.Close()

	// Stream the multipart body instead of buffering the whole file.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeMultipart(mw, metaJSON, filepath.Base(path), f)
		pw.CloseWithError(err)
	}()

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.peerURL(address, "/file/upload"), pr,
	)
	if err != nil {
		svc.log.Warn("building request failed", logKeyError, err.Error())
		return nil
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		svc.log.Warn("upload failed",
			logKeyAddress, address,
			logKeyError, classify(ctx, err).Error())
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		svc.log.Warn("peer rejected upload",
			logKeyAddress, address,
			logKeyStatus, resp.StatusCode,
			logKeyError, string(body))
		return nil
	}

	var out struct {
		Status string `json:"status"`
		FileID string `json:"file_id"`
		Hash   string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		svc.log.Warn("malformed upload response", logKeyError, err.Error())
		return nil
	}

	return &UploadResult{FileID: out.FileID, Hash: out.Hash}
}

func writeMultipart(mw *multipart.Writer, metaJSON []byte, filename string, f io.Reader) error {
	meta, err := mw.CreateFormField("metadata")
	if err != nil {
		return err
	}
	if _, err := meta.Write(metaJSON); err != nil {
		return err
	}

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

// DownloadFile streams a remote file to outputPath in bounded chunks.
// On any failure the partial output file is removed and false is
// returned; the caller never has to inspect a half-written file.
func (s *Service) DownloadFile(
	ctx context.Context,
	peerID, fileID, outputPath string,
) bool {
	rec, ok := s.resolver.Peer(peerID)
	if !ok {
		s.log.Warn("download failed",
			logKeyPeerID, peerID,
			logKeyError, ErrPeerNotFound.Error())
		return false
	}

	ctx, cancel := s.cli.withDeadline(ctx)
	defer cancel()

	url := s.cli.peerURL(rec.Address, "/file/download/"+fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.log.Warn("building request failed", logKeyError, err.Error())
		return false
	}

	resp, err := s.cli.http.Do(req)
	if err != nil {
		s.log.Warn("download failed",
			logKeyPeerID, peerID,
			logKeyFileID, fileID,
			logKeyError, classify(ctx, err).Error())
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.log.Warn("peer rejected download",
			logKeyPeerID, peerID,
			logKeyFileID, fileID,
			logKeyStatus, resp.StatusCode,
			logKeyError, string(body))
		return false
	}

	out, err := os.Create(outputPath)
	if err != nil {
		s.log.Warn("creating output file failed",
			logKeyPath, outputPath,
			logKeyError, err.Error())
		return false
	}

	buf := make([]byte, downloadChunkSize)
	_, err = io.CopyBuffer(out, resp.Body, buf)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(outputPath)
		s.log.Warn("download interrupted, partial file removed",
			logKeyPath, outputPath,
			logKeyError, err.Error())
		return false
	}

	s.log.Info("downloaded file",
		logKeyFileID, fileID,
		logKeyPath, outputPath)
	return true
}

// classify folds a client error into the transport failure taxonomy for
// logging.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransportFailure, err)
}
