package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const callDomain = "blockmusic/ledger-call/v1"

// ErrBadSignature is returned when a signature does not recover to the claimed caller.
var ErrBadSignature = errors.New("crypto: signature does not match caller")

// CallDigest hashes a ledger call so it can be signed by the caller. The
// nonce makes every digest single use.
func CallDigest(method string, caller common.Address, nonce uint64, payload []byte) []byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return crypto.Keccak256(
		[]byte(callDomain),
		[]byte(method),
		caller.Bytes(),
		nonceBytes[:],
		crypto.Keccak256(payload),
	)
}

// Sign produces a 65 byte recoverable signature over digest.
func Sign(key *PrivateKey, digest []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(digest, key.PrivateKey)
}

// RecoverSigner returns the address that produced sig over digest.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("crypto: signature must be %d bytes", crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyCaller checks that sig over the call digest was produced by caller.
func VerifyCaller(method string, caller common.Address, nonce uint64, payload, sig []byte) error {
	signer, err := RecoverSigner(CallDigest(method, caller, nonce, payload), sig)
	if err != nil {
		return err
	}
	if signer != caller {
		return ErrBadSignature
	}
	return nil
}
