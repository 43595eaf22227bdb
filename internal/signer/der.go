package signer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// ParseSignature decodes a DER ECDSA signature into 32-byte r and s
// components. s is normalized to the lower half of the curve order (EIP-2);
// verifiers reject the upper half.
func ParseSignature(der []byte) (r, s []byte, err error) {
	tag, body, next, err := readTLV(der, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("parse signature: %w", err)
	}
	if tag != tagSequence {
		return nil, nil, fmt.Errorf("parse signature: expected SEQUENCE, got tag 0x%02x", tag)
	}
	if next != len(der) {
		return nil, nil, fmt.Errorf("parse signature: %d trailing bytes", len(der)-next)
	}

	rBytes, off, err := parseDERInt(body, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("parse signature r: %w", err)
	}
	sBytes, off, err := parseDERInt(body, off)
	if err != nil {
		return nil, nil, fmt.Errorf("parse signature s: %w", err)
	}
	if off != len(body) {
		return nil, nil, fmt.Errorf("parse signature: %d trailing bytes inside SEQUENCE", len(body)-off)
	}

	return common.LeftPadBytes(rBytes, 32), normalizeS(sBytes), nil
}

// parseDERInt reads one non-negative INTEGER, stripping the sign-padding zero
// a DER encoder prepends when the high bit is set.
func parseDERInt(buf []byte, off int) ([]byte, int, error) {
	tag, content, next, err := readTLV(buf, off)
	if err != nil {
		return nil, 0, err
	}
	if tag != tagInteger {
		return nil, 0, fmt.Errorf("expected INTEGER, got tag 0x%02x", tag)
	}
	if len(content) == 0 {
		return nil, 0, fmt.Errorf("empty INTEGER")
	}
	if content[0]&0x80 != 0 {
		return nil, 0, fmt.Errorf("negative INTEGER")
	}
	if content[0] == 0x00 && len(content) > 1 {
		content = content[1:]
	}
	if len(content) > 32 {
		return nil, 0, fmt.Errorf("INTEGER wider than 32 bytes")
	}
	return content, next, nil
}

func normalizeS(sBytes []byte) []byte {
	s := new(big.Int).SetBytes(sBytes)
	if s.Cmp(secp256k1HalfN) > 0 {
		s.Sub(secp256k1N, s)
	}
	return common.LeftPadBytes(s.Bytes(), 32)
}
