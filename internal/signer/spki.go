// Package signer wraps an HSM-held secp256k1 key behind the go-ethereum
// signing surface: raw digests, EIP-191 messages, EIP-712 typed data, and
// transactions. The HSM only ever returns DER blobs, so the package carries
// its own SPKI and ECDSA-signature parsers.
package signer

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	tagSequence  = 0x30
	tagInteger   = 0x02
	tagBitString = 0x03
)

// readTLV decodes one DER tag-length-value element starting at off. Long-form
// lengths up to two bytes are accepted; anything wider than that cannot occur
// in key or signature material.
func readTLV(buf []byte, off int) (tag byte, content []byte, next int, err error) {
	if off+2 > len(buf) {
		return 0, nil, 0, fmt.Errorf("truncated element at offset %d", off)
	}
	tag = buf[off]
	length := int(buf[off+1])
	off += 2
	if length&0x80 != 0 {
		n := length & 0x7f
		if n == 0 || n > 2 || off+n > len(buf) {
			return 0, nil, 0, fmt.Errorf("unsupported length form at offset %d", off-1)
		}
		length = 0
		for i := 0; i < n; i++ {
			length = length<<8 | int(buf[off+i])
		}
		off += n
	}
	if off+length > len(buf) {
		return 0, nil, 0, fmt.Errorf("element overruns buffer at offset %d", off)
	}
	return tag, buf[off : off+length], off + length, nil
}

// AddressFromSPKI extracts the Ethereum address from a SubjectPublicKeyInfo
// blob: outer SEQUENCE, AlgorithmIdentifier (skipped), then a BIT STRING
// holding an uncompressed secp256k1 point. The address is the last 20 bytes
// of keccak256(x || y).
func AddressFromSPKI(der []byte) (common.Address, error) {
	tag, body, _, err := readTLV(der, 0)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse SPKI: %w", err)
	}
	if tag != tagSequence {
		return common.Address{}, fmt.Errorf("parse SPKI: expected outer SEQUENCE, got tag 0x%02x", tag)
	}

	tag, _, next, err := readTLV(body, 0)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse SPKI algorithm: %w", err)
	}
	if tag != tagSequence {
		return common.Address{}, fmt.Errorf("parse SPKI: expected AlgorithmIdentifier SEQUENCE, got tag 0x%02x", tag)
	}

	tag, bits, _, err := readTLV(body, next)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse SPKI key bits: %w", err)
	}
	if tag != tagBitString {
		return common.Address{}, fmt.Errorf("parse SPKI: expected BIT STRING, got tag 0x%02x", tag)
	}
	if len(bits) < 1 || bits[0] != 0x00 {
		return common.Address{}, fmt.Errorf("parse SPKI: expected zero unused bits")
	}
	point := bits[1:]
	if len(point) != 65 || point[0] != 0x04 {
		return common.Address{}, fmt.Errorf("parse SPKI: expected 65-byte uncompressed point, got %d bytes", len(point))
	}

	hash := crypto.Keccak256(point[1:])
	return common.BytesToAddress(hash[12:]), nil
}
