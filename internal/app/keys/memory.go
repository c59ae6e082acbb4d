package keys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/opencommons/accounting/internal/app/errs"
)

// MemoryProvider is an in-memory Provider for development and tests.
type MemoryProvider struct {
	mu      sync.RWMutex
	pairs   map[string]Pair
	sponsor Pair
}

// NewMemoryProvider creates a provider with a fresh sponsor key.
func NewMemoryProvider() *MemoryProvider {
	p := &MemoryProvider{pairs: make(map[string]Pair)}
	p.sponsor = GeneratePair()
	p.pairs[p.sponsor.Public] = p.sponsor
	return p
}

// GeneratePair returns a fresh random key pair. The public half is an opaque
// hex identifier, which is all the in-memory ledger requires.
func GeneratePair() Pair {
	pub := make([]byte, 16)
	sec := make([]byte, 32)
	rand.Read(pub)
	rand.Read(sec)
	return Pair{
		Public: "K" + hex.EncodeToString(pub),
		Secret: hex.EncodeToString(sec),
	}
}

func (p *MemoryProvider) SponsorKey(ctx context.Context) (Pair, error) {
	return p.sponsor, nil
}

func (p *MemoryProvider) RetrieveKey(ctx context.Context, keyID string) (Pair, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pair, ok := p.pairs[keyID]
	if !ok {
		return Pair{}, errs.NotFound("key %s not found", keyID)
	}
	return pair, nil
}

func (p *MemoryProvider) StoreKey(ctx context.Context, pair Pair) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs[pair.Public] = pair
	return pair.Public, nil
}
