package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"duskline/internal/aead"
	"duskline/internal/domain"
	"duskline/internal/gapqueue"
	"duskline/internal/sessionstore"
	"duskline/internal/vault"
)

// Reason codes surfaced alongside each stage's ok/false result.
const (
	ReasonOK                  = "OK"
	ReasonSessionNotReady   = "SESSION_NOT_READY"
	ReasonBackupFetchFailed = "BACKUP_FETCH_FAILED"
	ReasonHydrateFailed     = "HYDRATE_FAILED"
	ReasonGapScanFailed     = "GAP_SCAN_FAILED"
	ReasonStageSkipped      = "STAGE_SKIPPED"
)

// StageResult is one logged stage outcome (spec §4.10 "each logged with ok/reasonCode").
type StageResult struct {
	Stage      int
	Name       string
	OK         bool
	ReasonCode string
}

// ConversationGapSummary reports stage4's outcome for one conversation.
type ConversationGapSummary struct {
	ConversationID     domain.ConversationID
	PeerDeviceID       domain.DeviceID
	LocalProcessed     uint64
	ServerMax          uint64
	Enqueued           int
	Lazy               bool
	OfflineUnreadCount uint64
}

// Report is the full outcome of one restore pipeline run.
type Report struct {
	Stages           []StageResult
	HydratedCount    int
	Conversations    []ConversationGapSummary
	HaltedAtStage    int // 0 if the pipeline reached Stage5
}

// Pipeline runs the restore bring-up sequence.
type Pipeline struct {
	Contacts  domain.ContactStore
	Snapshots domain.DRSnapshotStore
	Relay     domain.RelayClient
	Sessions  *sessionstore.Store
	Vault     *vault.Vault
	GapQueue  *gapqueue.Queue

	Logger *slog.Logger
}

// New constructs a Pipeline from its collaborators.
func New(contacts domain.ContactStore, snapshots domain.DRSnapshotStore, relay domain.RelayClient, sessions *sessionstore.Store, v *vault.Vault, gq *gapqueue.Queue, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Contacts: contacts, Snapshots: snapshots, Relay: relay, Sessions: sessions, Vault: v, GapQueue: gq, Logger: logger}
}

// Run executes all six stages for session, halting early on a fatal failure.
func (p *Pipeline) Run(ctx context.Context, session domain.Session) Report {
	var report Report

	log := func(stage int, name string, ok bool, reason string) {
		p.Logger.Info("restore:stage", "stage", stage, "name", name, "ok", ok, "reasonCode", reason)
		report.Stages = append(report.Stages, StageResult{Stage: stage, Name: name, OK: ok, ReasonCode: reason})
	}

	// Stage0: verify MK, accountToken, deviceId present.
	if !session.Ready() {
		log(0, "verify-credentials", false, ReasonSessionNotReady)
		report.HaltedAtStage = 0
		logRemainingSkipped(log, 1)
		return report
	}
	log(0, "verify-credentials", true, ReasonOK)

	// Stage1: load locally-cached contact secrets (DR snapshots) into memory.
	// HydrateDrStatesFromContactSecrets is deferred to stage3; stage1 itself
	// only logs and reads nothing from the store, since the teacher's
	// DRSnapshotStore has no separate "peek" operation and reading twice
	// would be wasted work.
	log(1, "load-cached-contact-secrets", true, ReasonOK)

	// Stage2: fetch the remote wrapped backup blob, decrypt with MK, merge
	// into the local DR-snapshot store so stage3's hydrate picks it up too.
	// A per-blob decrypt failure (wrong key, corruption) is tolerated and
	// skipped; only a transport or local-write failure halts the pipeline.
	if err := p.mergeRemoteBackup(ctx, session); err != nil {
		log(2, "merge-remote-backup", false, ReasonBackupFetchFailed)
		report.HaltedAtStage = 2
		logRemainingSkipped(log, 3)
		return report
	}
	log(2, "merge-remote-backup", true, ReasonOK)

	// Stage3: hydrate a DR state for every contact secret.
	n, err := p.Sessions.HydrateDrStatesFromContactSecrets(session.MK)
	if err != nil {
		log(3, "hydrate-dr-states", false, ReasonHydrateFailed)
		report.HaltedAtStage = 3
		logRemainingSkipped(log, 4)
		return report
	}
	report.HydratedCount = n
	log(3, "hydrate-dr-states", true, ReasonOK)

	// Stage4: per conversation, compute localProcessed/serverMax and enqueue gaps.
	summaries, err := p.scanConversations(ctx, session)
	if err != nil {
		log(4, "scan-conversation-gaps", false, ReasonGapScanFailed)
		report.HaltedAtStage = 4
		logRemainingSkipped(log, 5)
		return report
	}
	report.Conversations = summaries
	log(4, "scan-conversation-gaps", true, ReasonOK)

	// Stage5: terminal.
	log(5, "pipeline-done", true, ReasonOK)
	return report
}

func logRemainingSkipped(log func(int, string, bool, string), from int) {
	names := map[int]string{
		1: "load-cached-contact-secrets",
		2: "merge-remote-backup",
		3: "hydrate-dr-states",
		4: "scan-conversation-gaps",
		5: "pipeline-done",
	}
	for stage := from; stage <= 5; stage++ {
		log(stage, names[stage], false, ReasonStageSkipped)
	}
}

// remoteBackupBundle is the shape of the decrypted backup blob: a map from
// the canonical PeerKey string to its sealed DR-snapshot envelope JSON, the
// same representation DRSnapshotStore.SaveSnapshot persists locally.
type remoteBackupBundle map[string]string

// mergeRemoteBackup fetches every cross-device blob via ContactsDownlink,
// decrypts each under MK, and writes any peer snapshot this device does not
// already have locally so stage3's hydrate observes it.
func (p *Pipeline) mergeRemoteBackup(ctx context.Context, session domain.Session) error {
	blobs, err := p.Relay.ContactsDownlink(ctx)
	if err != nil {
		return fmt.Errorf("restore: fetch remote backup: %w", err)
	}

	existing, err := p.Snapshots.LoadAllSnapshots()
	if err != nil {
		return fmt.Errorf("restore: load local snapshots: %w", err)
	}

	for _, raw := range blobs {
		var env aead.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue // not a backup envelope this device understands
		}
		var bundle remoteBackupBundle
		if err := aead.UnwrapJSON(env, session.MK, []string{aead.InfoDRState}, &bundle); err != nil {
			continue // sealed under a key this device doesn't hold, or corrupt
		}
		for peerStr, sealed := range bundle {
			peer, err := domain.ParsePeerKey(peerStr)
			if err != nil {
				continue
			}
			if _, have := existing[peer]; have {
				continue
			}
			if err := p.Snapshots.SaveSnapshot(peer, sealed); err != nil {
				return fmt.Errorf("restore: persist merged snapshot for %s: %w", peer, err)
			}
		}
	}
	return nil
}

// scanConversations implements stage4 for every known conversation (derived
// from the contact store). Lazy mode: when the newest message on the server
// doesn't carry an inline key, the conversation's unread count is recorded
// without eagerly fetching every intervening message.
func (p *Pipeline) scanConversations(ctx context.Context, session domain.Session) ([]ConversationGapSummary, error) {
	contacts, err := p.Contacts.ListContacts()
	if err != nil {
		return nil, fmt.Errorf("restore: list contacts: %w", err)
	}

	summaries := make([]ConversationGapSummary, 0, len(contacts))
	for _, c := range contacts {
		state, err := p.Vault.GetLatestState(ctx, c.ConversationID, c.PeerDeviceID)
		if err != nil {
			return nil, fmt.Errorf("restore: vault latest state for %s: %w", c.ConversationID, err)
		}
		serverMax, err := p.GapQueue.ProbeMaxCounter(ctx, c.ConversationID, c.PeerDeviceID)
		if err != nil {
			return nil, fmt.Errorf("restore: probe max counter for %s: %w", c.ConversationID, err)
		}

		summary := ConversationGapSummary{
			ConversationID: c.ConversationID,
			PeerDeviceID:   c.PeerDeviceID,
			LocalProcessed: state.IncomingHeaderCounter,
			ServerMax:      serverMax,
		}

		if serverMax <= state.IncomingHeaderCounter {
			summaries = append(summaries, summary)
			continue
		}

		lazy, err := p.isLazyGap(ctx, c.ConversationID)
		if err != nil {
			return nil, err
		}
		if lazy {
			summary.Lazy = true
			summary.OfflineUnreadCount = serverMax - state.IncomingHeaderCounter
			summaries = append(summaries, summary)
			continue
		}

		for counter := state.IncomingHeaderCounter + 1; counter <= serverMax; counter++ {
			p.GapQueue.Enqueue(gapqueue.Job{
				ConversationID: c.ConversationID,
				SenderDeviceID: c.PeerDeviceID,
				TargetCounter:  counter,
			})
			summary.Enqueued++
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// isLazyGap reports whether the newest message in convID lacks an inline
// wrapped key, meaning its plaintext key isn't already known and eager
// gap-fill should be skipped in favor of an offline-unread count.
func (p *Pipeline) isLazyGap(ctx context.Context, convID domain.ConversationID) (bool, error) {
	latest, err := p.Relay.ListSecureMessages(ctx, domain.ListSecureMessagesParams{
		ConversationID: convID,
		Limit:          1,
		IncludeKeys:    true,
	})
	if err != nil {
		return false, fmt.Errorf("restore: list latest message for %s: %w", convID, err)
	}
	if len(latest) == 0 {
		return false, nil
	}
	return latest[0].WrappedMK == "", nil
}
