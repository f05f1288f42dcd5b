package multisig

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ApprovalMessage is what a signer signs to approve a transaction.
func ApprovalMessage(transactionID string) string {
	return transactionID
}

// RejectionMessage is signed to reject; it differs from the approval message
// so an approval can never be replayed as a rejection.
func RejectionMessage(transactionID string) string {
	return "reject:" + transactionID
}

// PreApprovalMessage is signed over the payment id.
func PreApprovalMessage(paymentID string) string {
	return paymentID
}

// NormalizeAddress returns the checksummed form of addr, or "" if addr is
// not an address.
func NormalizeAddress(addr string) string {
	if !common.IsHexAddress(addr) {
		return ""
	}
	return common.HexToAddress(addr).Hex()
}

// Sign produces an EIP-191 personal-sign signature with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// VerifySignature checks that signature is address's EIP-191 signature of
// message.
func VerifySignature(address, message, signature string) error {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return ErrInvalidSignature
	}
	return nil
}
