package main

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/pflag"

	"duskline/internal/crypto"
	"duskline/internal/domain"
)

// --- Flags ---

var (
	port          int    // listen port
	enableLogging bool   // access-log toggle
	jwtSecretHex  string // hex-encoded HMAC secret for account tokens; random if empty
)

// --- Constants ---

// Networking and server limits.
const (
	defaultPort    = 8080
	minPort        = 0
	maxPort        = 65535
	readHeaderTO   = 5 * time.Second
	readTO         = 10 * time.Second
	writeTO        = 10 * time.Second
	idleTO         = 60 * time.Second
	maxRequestBody = 1 << 20 // 1 MiB cap for incoming JSON bodies
)

// Relay policy limits (spec §5 backpressure / §6 wire shapes).
const (
	maxPerConvQueue = 5000             // cap envelopes kept per conversation
	maxCipherBytes  = 64 << 10         // 64 KiB max ciphertext payload
	maxContactBlobs = 200              // cap pending downlink blobs per account
	accountTokenTTL = 24 * time.Hour   // spec §6 account token lifetime
	maxFutureSkew   = 10 * time.Minute // reject created_at too far in the future
)

// Context key for request ID.
type ctxKey string

const ctxKeyReqID ctxKey = "reqid"

// --- Keys ---

// vaultKey identifies one Message Key Vault entry (spec §3 invariant 5).
type vaultKey struct {
	ConversationID domain.ConversationID
	MessageID      domain.MessageID
	SenderDeviceID domain.DeviceID
}

// counterKey identifies one sender's transport-counter stream within a
// conversation (spec §4.9 "Local processed counter").
type counterKey struct {
	ConversationID domain.ConversationID
	SenderDeviceID domain.DeviceID
}

// --- State ---

// accountRecord is the relay's view of one account: a stable digest and the
// stable server material handed back on every /auth/sdm/exchange so that
// crypto.DeriveMasterKey yields the same MK across logins (see
// internal/crypto/unlock.go's doc comment).
type accountRecord struct {
	digest         domain.AccountDigest
	serverMaterial []byte
}

// state holds every piece of server-side data the relay exposes (spec §6).
// All state is in-memory only and lost on process exit.
type state struct {
	mu sync.RWMutex

	accountsByUID map[string]*accountRecord
	bundles       map[string]domain.PrekeyBundle // keyed by PeerKey.String()
	devKeys       map[domain.AccountDigest]string

	messages    map[domain.ConversationID][]domain.WireEnvelope
	maxCounter  map[counterKey]uint64
	byCounter   map[counterKey]map[uint64]domain.WireEnvelope

	vault       map[vaultKey]domain.VaultEntry
	vaultLatest map[counterKey]domain.VaultLatestState

	contactInbox map[domain.AccountDigest][]string

	secret []byte
}

// newState initialises empty relay state over the given JWT signing secret.
func newState(secret []byte) *state {
	return &state{
		accountsByUID: make(map[string]*accountRecord),
		bundles:       make(map[string]domain.PrekeyBundle),
		devKeys:       make(map[domain.AccountDigest]string),
		messages:      make(map[domain.ConversationID][]domain.WireEnvelope),
		maxCounter:    make(map[counterKey]uint64),
		byCounter:     make(map[counterKey]map[uint64]domain.WireEnvelope),
		vault:         make(map[vaultKey]domain.VaultEntry),
		vaultLatest:   make(map[counterKey]domain.VaultLatestState),
		contactInbox:  make(map[domain.AccountDigest][]string),
		secret:        secret,
	}
}

// --- Account tokens (JWT) ---

// accountClaims is the JWT payload backing X-Account-Token: subject is the
// account digest, issued fresh on every successful /auth/sdm/exchange.
type accountClaims struct {
	jwt.RegisteredClaims
}

func (s *state) issueToken(digest domain.AccountDigest) (string, error) {
	now := time.Now()
	claims := accountClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   digest.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accountTokenTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// verifyToken parses token and returns the account digest it was issued
// for, failing closed on any signature, expiry, or algorithm mismatch.
func (s *state) verifyToken(token string) (domain.AccountDigest, error) {
	claims := &accountClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("invalid account token: %w", err)
	}
	digest, err := domain.NewAccountDigest(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("invalid account token subject: %w", err)
	}
	return digest, nil
}

// accountDigestForUID derives a stable account digest from a physical
// credential's uid via HMAC-SHA256 over the relay's signing secret, so the
// relay never needs a separate identity database (spec §3 invariant 6).
func (s *state) accountDigestForUID(uid string) (domain.AccountDigest, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("account-digest/v1:" + uid))
	return domain.NewAccountDigest(hex.EncodeToString(mac.Sum(nil)))
}

// --- Middleware (teacher's recover/reqid/logging chain, adapted for chi) ---

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(p []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(p)
	lrw.bytes += n
	return n, err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeErr(w, http.StatusInternalServerError, "internal error")
				if enableLogging {
					slog.Error("panic", "err", rec)
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withReqID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = genReqID()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyReqID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enableLogging {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)
		slog.Info("access",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", clientIP(r),
			"status", lrw.status,
			"bytes", lrw.bytes,
			"dur", time.Since(start),
			"reqid", requestIDFromCtx(r.Context()),
		)
	})
}

// withAuth verifies X-Account-Token against X-Account-Digest and rejects
// any mismatch; every endpoint but /auth/sdm/exchange requires it (spec
// §6 "Request identity header").
func (s *state) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Account-Token")
		headerDigest := r.Header.Get("X-Account-Digest")
		if token == "" || headerDigest == "" {
			writeErr(w, http.StatusUnauthorized, "missing account credentials")
			return
		}
		digest, err := s.verifyToken(token)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "invalid account token")
			return
		}
		normalized, err := domain.NewAccountDigest(headerDigest)
		if err != nil || normalized != digest {
			writeErr(w, http.StatusUnauthorized, "account token/digest mismatch")
			return
		}
		next(w, r)
	}
}

// --- Utilities ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode error: %v", err), http.StatusInternalServerError)
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func decodeStrict(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyReqID).(string); ok {
		return v
	}
	return ""
}

func genReqID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func parseLimit(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	return n, nil
}

// --- Handlers: auth ---

// handleAuthExchange implements POST /auth/sdm/exchange (spec §6). The
// NFC/secure-element side of the physical credential is out of scope (spec
// §1); this stands in for whatever the real relay would validate against
// sdmmac/sdmcounter/nonce, and always succeeds for a well-formed uid.
func (s *state) handleAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID        string `json:"uid"`
		SDMMAC     string `json:"sdmmac"`
		SDMCounter string `json:"sdmcounter"`
		Nonce      string `json:"nonce"`
	}
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.UID == "" {
		writeErr(w, http.StatusBadRequest, "uid required")
		return
	}

	digest, err := s.accountDigestForUID(req.UID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "digest derivation failed")
		return
	}

	s.mu.Lock()
	acct, ok := s.accountsByUID[req.UID]
	if !ok {
		material := make([]byte, 32)
		if _, err := rand.Read(material); err != nil {
			s.mu.Unlock()
			writeErr(w, http.StatusInternalServerError, "material generation failed")
			return
		}
		acct = &accountRecord{digest: digest, serverMaterial: material}
		s.accountsByUID[req.UID] = acct
	}
	s.mu.Unlock()

	token, err := s.issueToken(acct.digest)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "token signing failed")
		return
	}

	if enableLogging {
		slog.Info("auth_exchange", "digest", acct.digest, "reqid", requestIDFromCtx(r.Context()))
	}
	writeJSON(w, map[string]string{
		"account_token":  token,
		"account_digest": acct.digest.String(),
		"wrapped_mk":     crypto.B64(acct.serverMaterial),
	})
}

// --- Handlers: prekeys ---

func peerMapKey(digest domain.AccountDigest, device domain.DeviceID) string {
	return domain.NewPeerKey(digest, device).String()
}

// handlePublishBundle implements POST /prekeys/bundle.
func (s *state) handlePublishBundle(w http.ResponseWriter, r *http.Request) {
	var bundle domain.PrekeyBundle
	if !decodeStrict(w, r, &bundle) {
		return
	}
	if bundle.AccountDigest == "" || bundle.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, "account_digest/device_id required")
		return
	}

	s.mu.Lock()
	s.bundles[peerMapKey(bundle.AccountDigest, bundle.DeviceID)] = bundle
	s.mu.Unlock()

	if enableLogging {
		slog.Info("publish_bundle",
			"digest", bundle.AccountDigest, "device", bundle.DeviceID,
			"has_opk", bundle.OPK != nil, "reqid", requestIDFromCtx(r.Context()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFetchBundle implements GET /prekeys/{accountDigest}?device={id}. The
// server consumes the returned OPK, if any, at most once (spec §4.3).
func (s *state) handleFetchBundle(w http.ResponseWriter, r *http.Request) {
	rawDigest := chi.URLParam(r, "accountDigest")
	digest, err := domain.NewAccountDigest(rawDigest)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account digest")
		return
	}
	device := domain.DeviceID(r.URL.Query().Get("device"))

	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	if device != "" {
		key = peerMapKey(digest, device)
	} else {
		key = s.anyBundleKeyLocked(digest)
	}
	if key == "" {
		http.NotFound(w, r)
		return
	}
	bundle, ok := s.bundles[key]
	if !ok {
		http.NotFound(w, r)
		return
	}
	returned := bundle
	bundle.OPK = nil
	s.bundles[key] = bundle

	if enableLogging {
		slog.Info("fetch_bundle", "digest", digest, "device", bundle.DeviceID,
			"consumed_opk", returned.OPK != nil, "reqid", requestIDFromCtx(r.Context()))
	}
	writeJSON(w, returned)
}

// anyBundleKeyLocked finds the map key for any device of digest. Caller
// must hold s.mu.
func (s *state) anyBundleKeyLocked(digest domain.AccountDigest) string {
	for key, bundle := range s.bundles {
		if bundle.AccountDigest == digest {
			return key
		}
	}
	return ""
}

// --- Handlers: device-key backup ---

// handleStoreDevKeys implements POST /devkeys/store.
func (s *state) handleStoreDevKeys(w http.ResponseWriter, r *http.Request) {
	digest := r.Header.Get("X-Account-Digest")
	accDigest, err := domain.NewAccountDigest(digest)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account digest")
		return
	}
	var req struct {
		Wrapped string `json:"wrapped_dev"`
	}
	if !decodeStrict(w, r, &req) {
		return
	}

	s.mu.Lock()
	s.devKeys[accDigest] = req.Wrapped
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// handleFetchDevKeys implements GET /devkeys/fetch.
func (s *state) handleFetchDevKeys(w http.ResponseWriter, r *http.Request) {
	digest := r.Header.Get("X-Account-Digest")
	accDigest, err := domain.NewAccountDigest(digest)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account digest")
		return
	}

	s.mu.RLock()
	wrapped, ok := s.devKeys[accDigest]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]string{"wrapped_dev": wrapped})
}

// --- Handlers: secure messages ---

// handleSendSecure implements POST /messages/secure (spec §6/§7
// CounterTooLow).
func (s *state) handleSendSecure(w http.ResponseWriter, r *http.Request) {
	var env domain.Envelope
	if !decodeStrict(w, r, &env) {
		return
	}
	if env.ConversationID == "" || env.SenderDeviceID == "" {
		writeErr(w, http.StatusBadRequest, "conversation_id/sender_device_id required")
		return
	}
	if len(env.CiphertextB64) > maxCipherBytes {
		writeErr(w, http.StatusRequestEntityTooLarge, "ciphertext too large")
		return
	}
	if env.CreatedAt == 0 {
		env.CreatedAt = time.Now().Unix()
	} else if time.Unix(env.CreatedAt, 0).After(time.Now().Add(maxFutureSkew)) {
		writeErr(w, http.StatusBadRequest, "created_at in future")
		return
	}

	senderDigest, err := domain.NewAccountDigest(r.Header.Get("X-Account-Digest"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account digest")
		return
	}

	ck := counterKey{ConversationID: env.ConversationID, SenderDeviceID: env.SenderDeviceID}

	s.mu.Lock()
	if env.Counter <= s.maxCounter[ck] {
		s.mu.Unlock()
		writeErr(w, http.StatusConflict, "counter_too_low")
		return
	}

	headerJSON, _ := json.Marshal(env.Header)
	wire := domain.WireEnvelope{
		Envelope:       env,
		SenderDigest:   senderDigest,
		TargetDeviceID: env.ReceiverDeviceID,
		HeaderJSON:     string(headerJSON),
		MsgType:        "user-message",
		Timestamp:      env.CreatedAt,
	}

	queue := append(s.messages[env.ConversationID], wire)
	if len(queue) > maxPerConvQueue {
		queue = queue[len(queue)-maxPerConvQueue:]
	}
	s.messages[env.ConversationID] = queue

	s.maxCounter[ck] = env.Counter
	if s.byCounter[ck] == nil {
		s.byCounter[ck] = make(map[uint64]domain.WireEnvelope)
	}
	s.byCounter[ck][env.Counter] = wire
	queueLen := len(queue)
	s.mu.Unlock()

	if enableLogging {
		slog.Info("send_secure", "conversation", env.ConversationID, "sender", env.SenderDeviceID,
			"counter", env.Counter, "queue_len", queueLen, "reqid", requestIDFromCtx(r.Context()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListSecure implements GET /messages/secure (spec §6/§4.8).
func (s *state) handleListSecure(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convID := domain.ConversationID(q.Get("conversation_id"))
	if convID == "" {
		writeErr(w, http.StatusBadRequest, "conversation_id required")
		return
	}
	limit, err := parseLimit(q.Get("limit"), 100)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad limit")
		return
	}
	cursorTs, _ := strconv.ParseInt(q.Get("cursor_ts"), 10, 64)
	cursorID := q.Get("cursor_id")
	includeKeys := q.Get("include_keys") == "true"

	s.mu.RLock()
	all := append([]domain.WireEnvelope(nil), s.messages[convID]...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp < all[j].Timestamp
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	out := make([]domain.WireEnvelope, 0, limit)
	for _, item := range all {
		if !afterCursor(item, cursorTs, cursorID) {
			continue
		}
		if includeKeys {
			if entry, ok := s.vault[vaultKey{convID, item.ID, item.SenderDeviceID}]; ok {
				item.WrappedMK = entry.WrappedMK
				wrapCtx, _ := json.Marshal(entry.Context)
				item.WrapContext = string(wrapCtx)
			}
		}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	s.mu.RUnlock()

	writeJSON(w, out)
}

// afterCursor reports whether item sorts strictly after (cursorTs, cursorID)
// by (created_at, id) ascending order — an empty cursor matches everything.
func afterCursor(item domain.WireEnvelope, cursorTs int64, cursorID string) bool {
	if cursorTs == 0 && cursorID == "" {
		return true
	}
	if item.Timestamp != cursorTs {
		return item.Timestamp > cursorTs
	}
	return item.ID.String() > cursorID
}

// handleByCounter implements GET /messages/by-counter (spec §4.9).
func (s *state) handleByCounter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convID := domain.ConversationID(q.Get("conversation_id"))
	senderDevice := domain.DeviceID(q.Get("sender_device_id"))
	counter, err := strconv.ParseUint(q.Get("counter"), 10, 64)
	if convID == "" || senderDevice == "" || err != nil {
		writeErr(w, http.StatusBadRequest, "conversation_id/sender_device_id/counter required")
		return
	}

	s.mu.RLock()
	item, ok := s.byCounter[counterKey{convID, senderDevice}][counter]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, item)
}

// handleMaxCounter implements GET /messages/secure/max-counter (spec §4.9
// probeMaxCounter).
func (s *state) handleMaxCounter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convID := domain.ConversationID(q.Get("conversation_id"))
	senderDevice := domain.DeviceID(q.Get("sender_device_id"))
	if convID == "" || senderDevice == "" {
		writeErr(w, http.StatusBadRequest, "conversation_id/sender_device_id required")
		return
	}

	s.mu.RLock()
	maxCtr := s.maxCounter[counterKey{convID, senderDevice}]
	s.mu.RUnlock()
	writeJSON(w, map[string]uint64{"max_counter": maxCtr})
}

// --- Handlers: message key vault ---

// handleVaultPut implements PUT /message-key-vault (spec §4.5 "Critical
// contract": idempotent, first write wins).
func (s *state) handleVaultPut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID domain.ConversationID  `json:"conversation_id"`
		MessageID      domain.MessageID       `json:"message_id"`
		SenderDeviceID domain.DeviceID        `json:"sender_device_id"`
		WrappedMK      string                 `json:"wrapped_mk"`
		DRState        string                 `json:"dr_state,omitempty"`
		Context        domain.VaultKeyContext `json:"context"`
	}
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.ConversationID == "" || req.MessageID == "" || req.SenderDeviceID == "" {
		writeErr(w, http.StatusBadRequest, "conversation_id/message_id/sender_device_id required")
		return
	}
	key := vaultKey{req.ConversationID, req.MessageID, req.SenderDeviceID}

	s.mu.Lock()
	if existing, ok := s.vault[key]; ok {
		s.mu.Unlock()
		// Idempotent only for identical key bytes (spec §8 "Vault
		// idempotence"): re-putting the same (conv,msg,sender) with the
		// same wrapped key is a no-op duplicate, but different key bytes
		// under the same identity is treated as tamper/replay, not a
		// silent duplicate.
		if existing.WrappedMK != req.WrappedMK {
			writeErr(w, http.StatusConflict, "integrity: wrapped_mk mismatch for existing vault entry")
			return
		}
		writeJSON(w, map[string]bool{"duplicate": true})
		return
	}
	entry := domain.VaultEntry{WrappedMK: req.WrappedMK, DRState: req.DRState, Context: req.Context}
	s.vault[key] = entry

	ck := counterKey{req.ConversationID, req.SenderDeviceID}
	st := s.vaultLatest[ck]
	switch req.Context.Direction {
	case domain.DirectionIncoming:
		if req.Context.HeaderCounter > st.IncomingHeaderCounter {
			st.IncomingHeaderCounter = req.Context.HeaderCounter
		}
	case domain.DirectionOutgoing:
		if req.Context.HeaderCounter > st.OutgoingHeaderCounter {
			st.OutgoingHeaderCounter = req.Context.HeaderCounter
		}
	}
	s.vaultLatest[ck] = st
	s.mu.Unlock()

	writeJSON(w, map[string]bool{"duplicate": false})
}

// handleVaultGet implements GET /message-key-vault.
func (s *state) handleVaultGet(w http.ResponseWriter, r *http.Request) {
	key, ok := parseVaultKey(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "conversation_id/message_id/sender_device_id required")
		return
	}
	s.mu.RLock()
	entry, found := s.vault[key]
	s.mu.RUnlock()
	if !found {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, entry)
}

// handleVaultDelete implements DELETE /message-key-vault.
func (s *state) handleVaultDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := parseVaultKey(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "conversation_id/message_id/sender_device_id required")
		return
	}
	s.mu.Lock()
	delete(s.vault, key)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func parseVaultKey(r *http.Request) (vaultKey, bool) {
	q := r.URL.Query()
	convID := domain.ConversationID(q.Get("conversation_id"))
	msgID := domain.MessageID(q.Get("message_id"))
	sender := domain.DeviceID(q.Get("sender_device_id"))
	if convID == "" || msgID == "" || sender == "" {
		return vaultKey{}, false
	}
	return vaultKey{convID, msgID, sender}, true
}

// handleVaultLatestState implements GET /message-key-vault/latest-state.
func (s *state) handleVaultLatestState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convID := domain.ConversationID(q.Get("conversation_id"))
	sender := domain.DeviceID(q.Get("sender_device_id"))
	if convID == "" || sender == "" {
		writeErr(w, http.StatusBadRequest, "conversation_id/sender_device_id required")
		return
	}
	s.mu.RLock()
	st := s.vaultLatest[counterKey{convID, sender}]
	s.mu.RUnlock()
	writeJSON(w, st)
}

// --- Handlers: contacts ---

// handleContactsUplink implements POST /contacts/uplink: a same-account,
// cross-device backup mailbox (spec §4.10 Stage2 "fetch remote wrapped
// backup blob"), keyed by the caller's own X-Account-Digest — not peer
// addressing. The blob itself is opaque MK-sealed contact-secret state.
func (s *state) handleContactsUplink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Blob      string `json:"blob"`
		IsBlocked bool   `json:"is_blocked"`
	}
	if !decodeStrict(w, r, &req) {
		return
	}
	digest, err := domain.NewAccountDigest(r.Header.Get("X-Account-Digest"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account digest")
		return
	}
	if req.IsBlocked {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.mu.Lock()
	inbox := append(s.contactInbox[digest], req.Blob)
	if len(inbox) > maxContactBlobs {
		inbox = inbox[len(inbox)-maxContactBlobs:]
	}
	s.contactInbox[digest] = inbox
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// handleContactsDownlink implements GET /contacts/downlink.
func (s *state) handleContactsDownlink(w http.ResponseWriter, r *http.Request) {
	digest, err := domain.NewAccountDigest(r.Header.Get("X-Account-Digest"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account digest")
		return
	}
	s.mu.RLock()
	out := append([]string(nil), s.contactInbox[digest]...)
	s.mu.RUnlock()
	writeJSON(w, out)
}

// --- Main ---

func routes(s *state) http.Handler {
	r := chi.NewRouter()
	r.Use(withRecover, withReqID, withLogging)

	r.Post("/auth/sdm/exchange", s.handleAuthExchange)

	r.Post("/prekeys/bundle", s.withAuth(s.handlePublishBundle))
	r.Get("/prekeys/{accountDigest}", s.withAuth(s.handleFetchBundle))

	r.Post("/devkeys/store", s.withAuth(s.handleStoreDevKeys))
	r.Get("/devkeys/fetch", s.withAuth(s.handleFetchDevKeys))

	r.Post("/messages/secure", s.withAuth(s.handleSendSecure))
	r.Get("/messages/secure", s.withAuth(s.handleListSecure))
	r.Get("/messages/by-counter", s.withAuth(s.handleByCounter))
	r.Get("/messages/secure/max-counter", s.withAuth(s.handleMaxCounter))

	r.Put("/message-key-vault", s.withAuth(s.handleVaultPut))
	r.Get("/message-key-vault", s.withAuth(s.handleVaultGet))
	r.Delete("/message-key-vault", s.withAuth(s.handleVaultDelete))
	r.Get("/message-key-vault/latest-state", s.withAuth(s.handleVaultLatestState))

	r.Post("/contacts/uplink", s.withAuth(s.handleContactsUplink))
	r.Get("/contacts/downlink", s.withAuth(s.handleContactsDownlink))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func main() {
	pflag.IntVarP(&port, "port", "p", defaultPort, "port to listen on")
	pflag.BoolVar(&enableLogging, "log", false, "enable access logging")
	pflag.StringVar(&jwtSecretHex, "jwt-secret", "", "hex-encoded HMAC secret for account tokens (random if empty)")
	pflag.Parse()

	if port <= minPort || port > maxPort {
		port = defaultPort
	}

	logger := slog.New(slog.NewTextHandler(log.Writer(), &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	secret, err := loadSecret(jwtSecretHex)
	if err != nil {
		slog.Error("secret load failed", "error", err)
		os.Exit(1)
	}

	s := newState(secret)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           routes(s),
		ReadHeaderTimeout: readHeaderTO,
		ReadTimeout:       readTO,
		WriteTimeout:      writeTO,
		IdleTimeout:       idleTO,
	}

	go func() {
		slog.Info("Relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Relay failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
}

func loadSecret(hexSecret string) ([]byte, error) {
	if hexSecret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	return hex.DecodeString(hexSecret)
}
