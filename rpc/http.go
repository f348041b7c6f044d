package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"blockmusic/crypto"
	"blockmusic/native/bank"
	"blockmusic/native/revenue"
	"blockmusic/observability"
)

const maxRequestBytes = 1 << 20 // 1 MiB

// ServerConfig tunes the ledger RPC server.
type ServerConfig struct {
	// AuthToken, when set, must be presented as a bearer token on every call.
	AuthToken string
	Logger    *slog.Logger
}

// Server exposes the revenue ledger over JSON-RPC 2.0.
type Server struct {
	engine    *revenue.Engine
	bank      *bank.Ledger
	nonces    *NonceStore
	authToken string
	logger    *slog.Logger
	metrics   *observability.LedgerMetrics
	methods   map[string]methodHandler
}

type call struct {
	method  string
	caller  common.Address
	nonce   uint64
	payload json.RawMessage
}

type methodHandler struct {
	signed bool
	fn     func(c *call) (interface{}, error)
}

// NewServer wires the RPC surface to the ledger engine.
func NewServer(engine *revenue.Engine, ledger *bank.Ledger, nonces *NonceStore, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    engine,
		bank:      ledger,
		nonces:    nonces,
		authToken: strings.TrimSpace(cfg.AuthToken),
		logger:    logger,
		metrics:   observability.Ledger(),
	}
	s.methods = s.revenueMethods()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r)
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, id, codeServerError, "failed to encode result", err.Error())
		return
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: raw}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "method not allowed", nil)
		return
	}
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, nil, authErr.Code, authErr.Message, authErr.Data)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		s.metrics.RecordRPC(req.Method, "not_found")
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	c, rpcErr := s.decodeCall(req, handler.signed)
	if rpcErr != nil {
		s.metrics.RecordRPC(req.Method, "rejected")
		status := http.StatusBadRequest
		if rpcErr.Code == codeBadSignature || rpcErr.Code == codeNonceReplay {
			status = http.StatusUnauthorized
		}
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}

	result, err := handler.fn(c)
	if err != nil {
		var paramErr *paramError
		if errors.As(err, &paramErr) {
			s.metrics.RecordRPC(req.Method, "invalid_params")
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, paramErr.Error(), nil)
			return
		}
		code := errorCode(err)
		status := http.StatusBadRequest
		switch code {
		case codeServerError:
			status = http.StatusInternalServerError
			s.logger.Error("ledger call failed", slog.String("method", req.Method), slog.Any("error", err))
		case codeForbidden:
			status = http.StatusForbidden
		case codeTrackNotFound:
			status = http.StatusNotFound
		case codeTrackExists, codeNothingToClaim:
			status = http.StatusConflict
		}
		s.metrics.RecordRPC(req.Method, "error")
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	s.metrics.RecordRPC(req.Method, "ok")
	writeResult(w, req.ID, result)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// decodeCall extracts the payload and, for signed methods, authenticates the
// caller envelope and consumes its nonce.
func (s *Server) decodeCall(req *RPCRequest, signed bool) (*call, *RPCError) {
	c := &call{method: req.Method}
	if !signed {
		if len(req.Params) > 0 {
			c.payload = req.Params[0]
		}
		return c, nil
	}
	if len(req.Params) != 1 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "signed envelope required"}
	}
	var env Envelope
	if err := json.Unmarshal(req.Params[0], &env); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid envelope", Data: err.Error()}
	}
	caller, err := crypto.ParseAddress(env.Caller)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid caller", Data: err.Error()}
	}
	if env.Nonce == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "nonce must be greater than zero"}
	}
	sig, err := hexutil.Decode(strings.TrimSpace(env.Signature))
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid signature encoding", Data: err.Error()}
	}
	payload, err := canonicalPayload(env.Payload)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid payload", Data: err.Error()}
	}
	if err := crypto.VerifyCaller(req.Method, caller, env.Nonce, payload, sig); err != nil {
		return nil, &RPCError{Code: codeBadSignature, Message: "signature does not match caller"}
	}
	if err := s.nonces.Consume(caller, env.Nonce); err != nil {
		if errors.Is(err, ErrNonceReplay) {
			return nil, &RPCError{Code: codeNonceReplay, Message: err.Error()}
		}
		return nil, &RPCError{Code: codeServerError, Message: "nonce store unavailable"}
	}
	c.caller = caller
	c.nonce = env.Nonce
	c.payload = payload
	return c, nil
}

// canonicalPayload compacts the payload so signer and verifier hash identical bytes.
func canonicalPayload(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func invalidParams(format string, args ...interface{}) error {
	return &paramError{msg: fmt.Sprintf(format, args...)}
}

func decodePayload(c *call, out interface{}) error {
	if len(bytes.TrimSpace(c.payload)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(c.payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidParams("invalid parameters: %v", err)
	}
	return nil
}
