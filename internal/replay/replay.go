package replay

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/pipeline"
	"duskline/internal/ratchet"
	"duskline/internal/vault"
)

// Submitter is the subset of the live coordinator's API the fallback path
// needs: any ReplayItem the fast path can't open inline rejoins Route B in
// its normal commit/rollback-gated form.
type Submitter interface {
	Submit(ctx context.Context, item domain.ReplayItem) error
}

// Result summarizes one conversation's replay.
type Result struct {
	Delivered     []domain.DecryptedMessage
	FastPathCount int
	FallbackCount int
}

func (r *Result) merge(other Result) {
	r.Delivered = append(r.Delivered, other.Delivered...)
	r.FastPathCount += other.FastPathCount
	r.FallbackCount += other.FallbackCount
}

// Fetcher implements Route A: a bulk `includeKeys=true` fetch per
// conversation, classified and ordered by internal/pipeline, with the
// vault-provided inline key opened directly when present and everything
// else falling back to the live coordinator (spec §4.8).
type Fetcher struct {
	relay       domain.RelayClient
	coordinator Submitter
	session     func() domain.Session
}

// New constructs a Fetcher. sessionFn supplies the current unlocked Session
// so the fast path can unseal batch-provided keys under the live MK.
func New(relay domain.RelayClient, coordinator Submitter, sessionFn func() domain.Session) *Fetcher {
	return &Fetcher{relay: relay, coordinator: coordinator, session: sessionFn}
}

// FetchAndReplay fetches and replays every conversation in conversationIDs.
// Conversations are fetched and processed in parallel; within a single
// conversation, items are always handled in (senderDeviceId, counter) order,
// matching the live coordinator's single-writer-per-peer guarantee.
func (f *Fetcher) FetchAndReplay(ctx context.Context, conversationIDs []domain.ConversationID, self domain.PeerKey) (Result, error) {
	results := make([]Result, len(conversationIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, convID := range conversationIDs {
		i, convID := i, convID
		g.Go(func() error {
			res, err := f.replayConversation(gctx, convID, self)
			if err != nil {
				return fmt.Errorf("replay: conversation %s: %w", convID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var total Result
	for _, r := range results {
		total.merge(r)
	}
	return total, nil
}

func (f *Fetcher) replayConversation(ctx context.Context, convID domain.ConversationID, self domain.PeerKey) (Result, error) {
	raw, err := f.relay.ListSecureMessages(ctx, domain.ListSecureMessagesParams{
		ConversationID: convID,
		IncludeKeys:    true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("list secure messages: %w", err)
	}

	items := make([]domain.ReplayItem, 0, len(raw))
	for _, packet := range raw {
		item, err := pipeline.Classify(packet, self)
		if err != nil {
			// Fallback/unmarked packets are dropped from replay, same as the
			// live path (spec §4.6); they never reach the coordinator.
			continue
		}
		items = append(items, item)
	}
	pipeline.SortBatch(items)

	var res Result
	for _, item := range items {
		if item.WrappedMK != "" {
			if msg, ok := f.tryFastPath(item); ok {
				res.Delivered = append(res.Delivered, msg)
				res.FastPathCount++
				continue
			}
		}
		if err := f.coordinator.Submit(ctx, item); err != nil {
			return res, fmt.Errorf("fallback submit counter=%d: %w", item.Counter, err)
		}
		res.FallbackCount++
	}
	return res, nil
}

// tryFastPath opens item using the wrapped key the bulk fetch returned
// inline, bypassing the coordinator's DR-chain walk entirely (spec §4.8).
// Any failure — an unseal error, a key that no longer opens the envelope —
// silently routes the item to the normal Route B fallback instead of
// failing the whole batch.
func (f *Fetcher) tryFastPath(item domain.ReplayItem) (domain.DecryptedMessage, bool) {
	sess := f.session()
	if sess.MK.IsZero() {
		return domain.DecryptedMessage{}, false
	}
	mkB64, _, err := vault.UnsealKey(item.WrappedMK, sess.MK)
	if err != nil {
		return domain.DecryptedMessage{}, false
	}
	mk, err := crypto.FromB64(mkB64)
	if err != nil {
		return domain.DecryptedMessage{}, false
	}
	defer crypto.Wipe(mk)

	ad := ratchet.CanonicalAAD(item.Header.Version, item.Raw.SenderDeviceID, item.Counter)
	pt, err := ratchet.OpenWithKey(mk, item.Header.N, ad, item.Ciphertext)
	if err != nil {
		return domain.DecryptedMessage{}, false
	}

	return domain.DecryptedMessage{
		MessageID:      item.MessageID,
		ConversationID: item.ConversationID,
		Peer:           item.PeerKey,
		Direction:      item.Direction,
		Plaintext:      pt,
		Counter:        item.Counter,
		Timestamp:      item.Timestamp,
	}, true
}
