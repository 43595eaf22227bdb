package signer

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// KeyIDForChain resolves the HSM key for a chain: KMS_KEY_ID_<CHAIN> first,
// then the shared KMS_KEY_ID. Empty when neither is set.
func KeyIDForChain(chain string) string {
	if v := os.Getenv("KMS_KEY_ID_" + strings.ToUpper(chain)); v != "" {
		return v
	}
	return os.Getenv("KMS_KEY_ID")
}

// ForChain builds a signer for one chain, or nil when no key is configured.
// A nil signer means the chain runs without execution.
func ForChain(chain string, client KmsClient, cfg Config, log zerolog.Logger) *KmsSigner {
	keyID := KeyIDForChain(chain)
	if keyID == "" {
		return nil
	}
	return New(client, keyID, cfg, log.With().Str("chain", chain).Logger())
}
