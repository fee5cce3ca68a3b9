package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// signatureLen is r || s || v.
const signatureLen = 65

// ErrBadSignature is returned when a signature cannot be decoded or recovered.
var ErrBadSignature = errors.New("crypto: bad signature")

// Signer signs request payloads for a participant account. Clients and tests
// use it to produce the X-Signature header the API verifies.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generating key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the account address of the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns the hex-encoded personal-message signature of payload with
// v in {27,28}.
func (s *Signer) Sign(payload []byte) (string, error) {
	sig, err := ethcrypto.Sign(messageHash(payload), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverSigner returns the address that produced sigHex over payload.
// Both {0,1} and {27,28} recovery bytes are accepted.
func RecoverSigner(payload []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != signatureLen {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadSignature, signatureLen, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(messageHash(payload), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// messageHash computes
//
//	keccak256("\x19Ethereum Signed Message:\n" || len(payload) || payload)
func messageHash(payload []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(payload))
	return ethcrypto.Keccak256([]byte(prefix), payload)
}
