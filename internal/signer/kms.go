package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrKmsCircuitOpen = errors.New("kms circuit open")
	ErrKmsQueueFull   = errors.New("kms sign queue full")
	ErrKmsTimeout     = errors.New("kms sign timed out")
	ErrKmsRecovery    = errors.New("kms signature does not recover to signer address")
	ErrKmsDraining    = errors.New("kms signer draining")
)

// KmsClient is the minimal HSM surface the signer depends on. GetPublicKey
// returns the key's SPKI DER blob; Sign returns a DER ECDSA signature over a
// 32-byte digest.
type KmsClient interface {
	GetPublicKey(ctx context.Context, keyID string) ([]byte, error)
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)
}

// Config holds the signer's concurrency and circuit settings.
type Config struct {
	MaxConcurrentSigns int           // in-flight HSM calls (default 3)
	MaxSignQueueSize   int           // waiters beyond the in-flight slots (default 100)
	Timeout            time.Duration // per-call HSM deadline (default 5s)
	FailureThreshold   int           // consecutive failures that open the circuit (default 5)
	CircuitCooldown    time.Duration // OPEN hold-off (default 300s)
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSigns <= 0 {
		c.MaxConcurrentSigns = 3
	}
	if c.MaxSignQueueSize <= 0 {
		c.MaxSignQueueSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 300 * time.Second
	}
	return c
}

// View is a read-only snapshot of the signer's health for the ops surface.
type View struct {
	QueuedSigns         int64 `json:"queuedSigns"`
	ConsecutiveFailures int   `json:"consecutiveFailures"`
	CircuitOpenUntil    int64 `json:"circuitOpenUntil,omitempty"`
	Draining            bool  `json:"draining"`
}

// KmsSigner signs through a KmsClient with a bounded concurrency gate, a
// per-call timeout, and a failure-counting circuit. The key's address is
// resolved once and cached; recovery-id derivation checks against it.
type KmsSigner struct {
	kms   KmsClient
	keyID string
	cfg   Config

	slots   chan struct{}
	queued  atomic.Int64
	drainCh chan struct{}
	drained atomic.Bool

	flight singleflight.Group

	mu                  sync.Mutex
	address             common.Address
	hasAddr             bool
	consecutiveFailures int
	circuitOpenUntil    time.Time

	now func() time.Time
	log zerolog.Logger
}

// New creates a signer over one HSM key.
func New(kms KmsClient, keyID string, cfg Config, log zerolog.Logger) *KmsSigner {
	cfg = cfg.withDefaults()
	return &KmsSigner{
		kms:     kms,
		keyID:   keyID,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxConcurrentSigns),
		drainCh: make(chan struct{}),
		now:     time.Now,
		log:     log.With().Str("service", "kms_signer").Logger(),
	}
}

// Address resolves the key's Ethereum address. The first call fetches and
// parses the SPKI blob; concurrent first calls collapse into one HSM request.
func (s *KmsSigner) Address(ctx context.Context) (common.Address, error) {
	s.mu.Lock()
	if s.hasAddr {
		addr := s.address
		s.mu.Unlock()
		return addr, nil
	}
	s.mu.Unlock()

	v, err, _ := s.flight.Do("address", func() (any, error) {
		spki, err := s.kms.GetPublicKey(ctx, s.keyID)
		if err != nil {
			return nil, fmt.Errorf("get public key: %w", err)
		}
		addr, err := AddressFromSPKI(spki)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.address = addr
		s.hasAddr = true
		s.mu.Unlock()
		return addr, nil
	})
	if err != nil {
		return common.Address{}, err
	}
	return v.(common.Address), nil
}

// SignDigest signs a 32-byte digest and returns r || s || v with v in
// {27, 28}. s is always in the lower half of the curve order.
func (s *KmsSigner) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	if s.drained.Load() {
		return nil, ErrKmsDraining
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	if err := s.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer s.releaseSlot()

	addr, err := s.Address(ctx)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	der, err := s.callSign(ctx, digest)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	r, sBytes, err := ParseSignature(der)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	sig, err := recoverableSignature(digest, r, sBytes, addr)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	s.recordSuccess()
	return sig, nil
}

// SignMessage signs with the EIP-191 personal-message prefix.
func (s *KmsSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return s.SignDigest(ctx, accounts.TextHash(msg))
}

// SignTypedData signs the EIP-712 hash of the typed payload.
func (s *KmsSigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return s.SignDigest(ctx, digest)
}

// SignTransaction signs the transaction for the given chain and returns the
// signed copy.
func (s *KmsSigner) SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	ethSigner := types.LatestSignerForChainID(chainID)
	digest := ethSigner.Hash(tx)
	sig, err := s.SignDigest(ctx, digest.Bytes())
	if err != nil {
		return nil, err
	}
	// WithSignature wants the raw recovery id, not the 27/28 form.
	sig[64] -= 27
	return tx.WithSignature(ethSigner, sig)
}

// Drain rejects all queued waiters and all future signs. In-flight HSM calls
// run to completion.
func (s *KmsSigner) Drain() {
	if s.drained.CompareAndSwap(false, true) {
		close(s.drainCh)
		s.log.Info().Msg("KMS signer draining")
	}
}

// Snapshot returns the signer's current health.
func (s *KmsSigner) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		QueuedSigns:         s.queued.Load(),
		ConsecutiveFailures: s.consecutiveFailures,
		Draining:            s.drained.Load(),
	}
	if s.now().Before(s.circuitOpenUntil) {
		v.CircuitOpenUntil = s.circuitOpenUntil.UnixMilli()
	}
	return v
}

// acquireSlot takes a concurrency slot, queueing FIFO behind the in-flight
// signs. The queue is bounded; a full queue rejects instead of waiting.
func (s *KmsSigner) acquireSlot(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	default:
	}
	if s.queued.Add(1) > int64(s.cfg.MaxSignQueueSize) {
		s.queued.Add(-1)
		return ErrKmsQueueFull
	}
	defer s.queued.Add(-1)
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-s.drainCh:
		return ErrKmsDraining
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseSlot frees the slot; a blocked waiter takes it directly.
func (s *KmsSigner) releaseSlot() {
	<-s.slots
}

func (s *KmsSigner) callSign(ctx context.Context, digest []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type result struct {
		der []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		der, err := s.kms.Sign(ctx, s.keyID, digest)
		done <- result{der, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, ErrKmsTimeout
			}
			return nil, fmt.Errorf("kms sign: %w", res.err)
		}
		return res.der, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrKmsTimeout
		}
		return nil, ctx.Err()
	}
}

func (s *KmsSigner) checkCircuit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Before(s.circuitOpenUntil) {
		return ErrKmsCircuitOpen
	}
	return nil
}

func (s *KmsSigner) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	s.log.Warn().Err(err).Int("consecutive_failures", s.consecutiveFailures).Msg("KMS sign failed")
	if s.consecutiveFailures >= s.cfg.FailureThreshold {
		s.circuitOpenUntil = s.now().Add(s.cfg.CircuitCooldown)
		s.consecutiveFailures = 0
		s.log.Warn().
			Dur("cooldown", s.cfg.CircuitCooldown).
			Msg("KMS circuit opened")
	}
}

func (s *KmsSigner) recordSuccess() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// recoverableSignature finds the recovery id whose recovered public key
// matches the signer address and returns r || s || v with v in {27, 28}.
func recoverableSignature(digest, r, sBytes []byte, addr common.Address) ([]byte, error) {
	sig := make([]byte, 65)
	copy(sig[:32], r)
	copy(sig[32:64], sBytes)
	for recID := byte(0); recID < 2; recID++ {
		sig[64] = recID
		pub, err := crypto.Ecrecover(digest, sig)
		if err != nil {
			continue
		}
		if common.BytesToAddress(crypto.Keccak256(pub[1:])[12:]) == addr {
			sig[64] = recID + 27
			return sig, nil
		}
	}
	return nil, ErrKmsRecovery
}
