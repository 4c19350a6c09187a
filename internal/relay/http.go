package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"duskline/internal/domain"
)

// AuthHeaders supplies the three headers attached to every authenticated
// request. Returning a zero-value AuthHeaders is fine for the unauthenticated
// /auth/sdm/exchange call.
type AuthHeaders struct {
	AccountToken  string
	AccountDigest domain.AccountDigest
	DeviceID      domain.DeviceID
}

// HTTP is a domain.RelayClient implementation over HTTP (spec §6).
type HTTP struct {
	Base    string
	client  *http.Client
	headers func() AuthHeaders
}

// NewHTTP constructs an HTTP relay client. headersFn is called fresh on
// every request so a just-completed unlock/auth exchange is reflected
// immediately without reconstructing the client.
func NewHTTP(base string, client *http.Client, headersFn func() AuthHeaders) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{Base: base, client: client, headers: headersFn}
}

func (c *HTTP) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf *bytes.Buffer
	if body != nil {
		buf = new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("relay: encode %s %s: %w", method, path, err)
		}
	} else {
		buf = new(bytes.Buffer)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, buf)
	if err != nil {
		return nil, fmt.Errorf("relay: build request %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.headers != nil {
		h := c.headers()
		if h.AccountToken != "" {
			req.Header.Set("X-Account-Token", h.AccountToken)
		}
		if h.AccountDigest != "" {
			req.Header.Set("X-Account-Digest", h.AccountDigest.String())
		}
		if h.DeviceID != "" {
			req.Header.Set("X-Device-Id", h.DeviceID.String())
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *HTTP) postJSON(ctx context.Context, path string, in, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay: post %s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTP) getJSON(ctx context.Context, path string, out any) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("relay: get %s: %s", path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("relay: decode %s: %w", path, err)
		}
	}
	return true, nil
}

func (c *HTTP) deleteReq(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay: delete %s: %s", path, resp.Status)
	}
	return nil
}

// AuthSDMExchange exchanges an NFC SDM tap for an account token (spec §6).
func (c *HTTP) AuthSDMExchange(ctx context.Context, uid, sdmmac, sdmcounter, nonce string) (domain.SDMExchangeResult, error) {
	req := struct {
		UID        string `json:"uid"`
		SDMMAC     string `json:"sdmmac"`
		SDMCounter string `json:"sdmcounter"`
		Nonce      string `json:"nonce"`
	}{uid, sdmmac, sdmcounter, nonce}
	var out domain.SDMExchangeResult
	if err := c.postJSON(ctx, "/auth/sdm/exchange", req, &out); err != nil {
		return domain.SDMExchangeResult{}, err
	}
	return out, nil
}

// PublishBundle publishes this device's prekey bundle.
func (c *HTTP) PublishBundle(ctx context.Context, bundle domain.PrekeyBundle) error {
	return c.postJSON(ctx, "/prekeys/bundle", bundle, nil)
}

// FetchPeerBundle fetches a peer's published prekey bundle, optionally
// pinned to a specific device.
func (c *HTTP) FetchPeerBundle(ctx context.Context, peerDigest domain.AccountDigest, peerDevice *domain.DeviceID) (domain.PrekeyBundle, error) {
	path := "/prekeys/" + url.PathEscape(peerDigest.String())
	if peerDevice != nil {
		path += "?device=" + url.QueryEscape(peerDevice.String())
	}
	var out domain.PrekeyBundle
	ok, err := c.getJSON(ctx, path, &out)
	if err != nil {
		return domain.PrekeyBundle{}, err
	}
	if !ok {
		return domain.PrekeyBundle{}, fmt.Errorf("relay: no prekey bundle for %s", peerDigest)
	}
	return out, nil
}

// StoreDeviceKeys uploads the MK-wrapped device private bundle for
// cross-device/linked-login recovery.
func (c *HTTP) StoreDeviceKeys(ctx context.Context, wrappedDev string) error {
	req := struct {
		Wrapped string `json:"wrapped_dev"`
	}{wrappedDev}
	return c.postJSON(ctx, "/devkeys/store", req, nil)
}

// FetchDeviceKeys retrieves the previously stored wrapped device bundle, if any.
func (c *HTTP) FetchDeviceKeys(ctx context.Context) (string, bool, error) {
	var out struct {
		Wrapped string `json:"wrapped_dev"`
	}
	ok, err := c.getJSON(ctx, "/devkeys/fetch", &out)
	if err != nil || !ok {
		return "", ok, err
	}
	return out.Wrapped, true, nil
}

// SendSecureMessage posts an Envelope to the recipient's inbox.
func (c *HTTP) SendSecureMessage(ctx context.Context, env domain.Envelope) error {
	return c.postJSON(ctx, "/messages/secure", env, nil)
}

// ListSecureMessages lists WireEnvelopes for a conversation, paginated by
// (cursorTs, cursorId), optionally inlining the Message Key Vault's wrapped
// key for each item (spec §4.8).
func (c *HTTP) ListSecureMessages(ctx context.Context, params domain.ListSecureMessagesParams) ([]domain.WireEnvelope, error) {
	q := url.Values{}
	q.Set("conversation_id", params.ConversationID.String())
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.CursorTs > 0 {
		q.Set("cursor_ts", strconv.FormatInt(params.CursorTs, 10))
	}
	if params.CursorID != "" {
		q.Set("cursor_id", params.CursorID)
	}
	if params.IncludeKeys {
		q.Set("include_keys", "true")
	}
	var out []domain.WireEnvelope
	if _, err := c.getJSON(ctx, "/messages/secure?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchByCounter fetches a single message by its transport-wide counter,
// used by the gap queue to fill one missing slot at a time (spec §4.9).
func (c *HTTP) FetchByCounter(ctx context.Context, conversationID domain.ConversationID, counter uint64, senderDeviceID domain.DeviceID) (domain.WireEnvelope, bool, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID.String())
	q.Set("counter", strconv.FormatUint(counter, 10))
	q.Set("sender_device_id", senderDeviceID.String())
	var out domain.WireEnvelope
	ok, err := c.getJSON(ctx, "/messages/by-counter?"+q.Encode(), &out)
	if err != nil {
		return domain.WireEnvelope{}, false, err
	}
	return out, ok, nil
}

// FetchMaxCounter returns the highest transport counter the relay holds for
// senderDeviceID within conversationID (spec §4.9 ProbeMaxCounter).
func (c *HTTP) FetchMaxCounter(ctx context.Context, conversationID domain.ConversationID, senderDeviceID domain.DeviceID) (uint64, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID.String())
	q.Set("sender_device_id", senderDeviceID.String())
	var out struct {
		MaxCounter uint64 `json:"max_counter"`
	}
	if _, err := c.getJSON(ctx, "/messages/secure/max-counter?"+q.Encode(), &out); err != nil {
		return 0, err
	}
	return out.MaxCounter, nil
}

// VaultPut durably stores a wrapped message key (spec §4.5 "Critical contract").
func (c *HTTP) VaultPut(ctx context.Context, params domain.VaultPutParams) (bool, error) {
	req := struct {
		ConversationID domain.ConversationID  `json:"conversation_id"`
		MessageID      domain.MessageID       `json:"message_id"`
		SenderDeviceID domain.DeviceID        `json:"sender_device_id"`
		WrappedMK      string                 `json:"wrapped_mk"`
		DRState        string                 `json:"dr_state,omitempty"`
		Context        domain.VaultKeyContext `json:"context"`
	}{params.ConversationID, params.MessageID, params.SenderDeviceID, params.WrappedMK, params.DRState, params.Context}
	resp, err := c.do(ctx, http.MethodPut, "/message-key-vault", req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("relay: put /message-key-vault: %s", resp.Status)
	}
	var out struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("relay: decode /message-key-vault: %w", err)
	}
	return out.Duplicate, nil
}

// VaultGet fetches a previously put vault entry.
func (c *HTTP) VaultGet(ctx context.Context, params domain.VaultGetParams) (domain.VaultEntry, bool, error) {
	q := url.Values{}
	q.Set("conversation_id", params.ConversationID.String())
	q.Set("message_id", params.MessageID.String())
	q.Set("sender_device_id", params.SenderDeviceID.String())
	var out domain.VaultEntry
	ok, err := c.getJSON(ctx, "/message-key-vault?"+q.Encode(), &out)
	if err != nil {
		return domain.VaultEntry{}, false, err
	}
	return out, ok, nil
}

// VaultDelete removes a vault entry (self-healing on unrecoverable unwrap failure).
func (c *HTTP) VaultDelete(ctx context.Context, params domain.VaultGetParams) error {
	q := url.Values{}
	q.Set("conversation_id", params.ConversationID.String())
	q.Set("message_id", params.MessageID.String())
	q.Set("sender_device_id", params.SenderDeviceID.String())
	return c.deleteReq(ctx, "/message-key-vault?"+q.Encode())
}

// VaultLatestState returns the highest processed counter per direction.
func (c *HTTP) VaultLatestState(ctx context.Context, conversationID domain.ConversationID, senderDeviceID domain.DeviceID) (domain.VaultLatestState, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID.String())
	q.Set("sender_device_id", senderDeviceID.String())
	var out domain.VaultLatestState
	if _, err := c.getJSON(ctx, "/message-key-vault/latest-state?"+q.Encode(), &out); err != nil {
		return domain.VaultLatestState{}, err
	}
	return out, nil
}

// ContactsUplink pushes this device's encrypted contact list state.
func (c *HTTP) ContactsUplink(ctx context.Context, encryptedBlob string, isBlocked bool) error {
	req := struct {
		Blob      string `json:"blob"`
		IsBlocked bool   `json:"is_blocked"`
	}{encryptedBlob, isBlocked}
	return c.postJSON(ctx, "/contacts/uplink", req, nil)
}

// ContactsDownlink fetches every encrypted backup blob uploaded under this
// account by any of its devices.
func (c *HTTP) ContactsDownlink(ctx context.Context) ([]string, error) {
	var out []string
	if _, err := c.getJSON(ctx, "/contacts/downlink", &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ domain.RelayClient = (*HTTP)(nil)
