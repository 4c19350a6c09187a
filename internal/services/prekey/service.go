package prekey

import (
	"context"
	"fmt"

	"duskline/internal/crypto"
	"duskline/internal/domain"
)

// defaultOneTimeKeyCount is how many OPKs GenerateAndStore mints for a
// brand-new device, and how many ReplenishOpks tops up by default.
const defaultOneTimeKeyCount = 20

// Service implements the prekey/X3DH transport glue (spec §4.3): generating
// this device's signed and one-time pre-keys, publishing/replenishing them
// to the relay, and fetching a peer's bundle.
type Service struct {
	identity domain.IdentityStore
	prekeys  domain.PrekeyStore
	bundles  domain.PrekeyBundleStore
	relay    domain.RelayClient
}

// New constructs a Service from its collaborators.
func New(identity domain.IdentityStore, prekeys domain.PrekeyStore, bundles domain.PrekeyBundleStore, relay domain.RelayClient) *Service {
	return &Service{identity: identity, prekeys: prekeys, bundles: bundles, relay: relay}
}

// GenerateAndStore mints a fresh signed pre-key (signed by the device's
// long-term Ed25519 identity) plus defaultOneTimeKeyCount one-time
// pre-keys, and persists both locally.
func (s *Service) GenerateAndStore(passphrase string) (domain.X25519Public, []domain.OneTimePreKeyPublic, error) {
	id, err := s.identity.LoadIdentity(passphrase)
	if err != nil {
		return domain.X25519Public{}, nil, fmt.Errorf("prekey: load identity: %w", err)
	}

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.X25519Public{}, nil, fmt.Errorf("prekey: generate signed prekey: %w", err)
	}
	sig := crypto.SignEd25519(id.EdPriv, spkPub.Slice())
	if err := s.prekeys.SaveSignedPreKey(spkPriv, spkPub, sig); err != nil {
		return domain.X25519Public{}, nil, fmt.Errorf("prekey: save signed prekey: %w", err)
	}

	pairs, publics, err := generateOneTimeKeys(defaultOneTimeKeyCount)
	if err != nil {
		return domain.X25519Public{}, nil, err
	}
	if err := s.prekeys.SaveOneTimePreKeys(pairs); err != nil {
		return domain.X25519Public{}, nil, fmt.Errorf("prekey: save one-time prekeys: %w", err)
	}

	return spkPub, publics, nil
}

func generateOneTimeKeys(n int) ([]domain.OneTimePreKeyPair, []domain.OneTimePreKeyPublic, error) {
	pairs := make([]domain.OneTimePreKeyPair, 0, n)
	publics := make([]domain.OneTimePreKeyPublic, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, nil, fmt.Errorf("prekey: generate one-time prekey: %w", err)
		}
		id := domain.OneTimePreKeyID(i + 1)
		pairs = append(pairs, domain.OneTimePreKeyPair{ID: id, Priv: priv, Pub: pub})
		publics = append(publics, domain.OneTimePreKeyPublic{ID: id, Pub: pub})
	}
	return pairs, publics, nil
}

// PublishBundle builds this device's peer-facing bundle from the locally
// stored signed pre-key and one-time pre-keys plus the caller's unlocked
// identity public key, and publishes it to the relay (spec §4.3
// publishBundle).
func (s *Service) PublishBundle(ctx context.Context, self domain.PeerKey, ikPub domain.X25519Public) error {
	_, spkPub, sig, ok, err := s.prekeys.LoadSignedPreKey()
	if err != nil {
		return fmt.Errorf("prekey: load signed prekey: %w", err)
	}
	if !ok {
		return fmt.Errorf("prekey: no signed prekey generated yet")
	}
	publics, err := s.prekeys.ListOneTimePreKeyPublics()
	if err != nil {
		return fmt.Errorf("prekey: list one-time prekeys: %w", err)
	}

	bundle := domain.PrekeyBundle{
		AccountDigest: self.AccountDigest,
		DeviceID:      self.DeviceID,
		IKPub:         ikPub,
		SPKPub:        spkPub,
		SPKSig:        sig,
	}
	if len(publics) > 0 {
		bundle.OPK = &publics[0]
	}
	if err := s.relay.PublishBundle(ctx, bundle); err != nil {
		return fmt.Errorf("prekey: publish bundle: %w", err)
	}
	if s.bundles != nil {
		_ = s.bundles.SavePrekeyBundle(bundle)
	}
	return nil
}

// ReplenishOpks tops the device's locally stored one-time pre-key pool back
// up to defaultOneTimeKeyCount and republishes the bundle (spec §4.3
// replenishOpks).
func (s *Service) ReplenishOpks(ctx context.Context, self domain.PeerKey, ikPub domain.X25519Public) error {
	existing, err := s.prekeys.ListOneTimePreKeyPublics()
	if err != nil {
		return fmt.Errorf("prekey: list one-time prekeys: %w", err)
	}
	need := defaultOneTimeKeyCount - len(existing)
	if need <= 0 {
		return nil
	}
	pairs, _, err := generateOneTimeKeys(need)
	if err != nil {
		return err
	}
	var next domain.OneTimePreKeyID
	for _, p := range existing {
		if p.ID > next {
			next = p.ID
		}
	}
	for i := range pairs {
		next++
		pairs[i].ID = next
	}
	if err := s.prekeys.SaveOneTimePreKeys(pairs); err != nil {
		return fmt.Errorf("prekey: save replenished prekeys: %w", err)
	}
	return s.PublishBundle(ctx, self, ikPub)
}

// FetchPeerBundle fetches a peer's bundle from the relay (spec §4.3
// fetchPeerBundle). The server consumes one OPK per fetch; peerDevice is
// optional (nil fetches any of the peer's devices).
func (s *Service) FetchPeerBundle(ctx context.Context, peerDigest domain.AccountDigest, peerDevice *domain.DeviceID) (domain.PrekeyBundle, error) {
	bundle, err := s.relay.FetchPeerBundle(ctx, peerDigest, peerDevice)
	if err != nil {
		return domain.PrekeyBundle{}, fmt.Errorf("prekey: fetch peer bundle: %w", err)
	}
	return bundle, nil
}
