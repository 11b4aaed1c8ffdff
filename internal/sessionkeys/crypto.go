package sessionkeys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"

	"github.com/mbirch/weft/internal/idgen"
)

// scrypt parameters for deriving the AES key from the user signature.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

const encBlobVersion = "v1"

// Keypair is a freshly generated session keypair. The private key only
// exists in memory until encrypted.
type Keypair struct {
	PrivateKey *ecdsa.PrivateKey
	Address    string // Lowercase 0x address
}

// GenerateKeypair creates a new secp256k1 session keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session keypair: %w", err)
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	return &Keypair{
		PrivateKey: priv,
		Address:    strings.ToLower(addr.Hex()),
	}, nil
}

// EncryptPrivateKey seals a session private key with AES-256-GCM. The AES
// key is scrypt-derived from the user's wallet signature, so only the user
// can reproduce it. Output format: "v1:<hex salt>:<hex nonce+ciphertext>".
func EncryptPrivateKey(priv *ecdsa.PrivateKey, userSignature string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key, err := scrypt.Key([]byte(userSignature), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	plaintext := crypto.FromECDSA(priv)
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	return fmt.Sprintf("%s:%s:%s", encBlobVersion, hex.EncodeToString(salt), hex.EncodeToString(sealed)), nil
}

// DecryptPrivateKey reverses EncryptPrivateKey given the same signature.
func DecryptPrivateKey(blob string, userSignature string) (*ecdsa.PrivateKey, error) {
	parts := strings.SplitN(blob, ":", 3)
	if len(parts) != 3 || parts[0] != encBlobVersion {
		return nil, fmt.Errorf("unrecognized encrypted key format")
	}

	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("bad salt encoding: %w", err)
	}
	sealed, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("bad ciphertext encoding: %w", err)
	}

	key, err := scrypt.Key([]byte(userSignature), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt session key: %w", err)
	}
	return crypto.ToECDSA(plaintext)
}

// BuildDelegationMessage constructs the object the parent wallet signs to
// authorize a session key.
func BuildDelegationMessage(key *SessionKey, purpose string) *DelegationMessage {
	return &DelegationMessage{
		SmartWalletAddress: key.OwnerAddress,
		SessionKeyAddress:  key.SessionAddress,
		DelegatedBy:        key.ParentAddress,
		ChainID:            key.ChainID,
		SecurityLevel:      string(key.SecurityLevel),
		ValidUntil:         key.ValidUntil.Unix(),
		Nonce:              idgen.Hex(16),
		Permissions:        key.Permissions,
		Timestamp:          time.Now().Unix(),
		Purpose:            purpose,
	}
}

// CanonicalJSON renders the delegation message for signing. The struct's
// field order is the wire order, which keeps the hash stable.
func (d *DelegationMessage) CanonicalJSON() (string, error) {
	cp := *d
	cp.ParentSignature = ""
	b, err := json.Marshal(&cp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashMessage creates an Ethereum signed message hash, prefixing the message
// with "\x19Ethereum Signed Message:\n{len}" per EIP-191.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// SignMessage signs a message with a session private key, EIP-191 style.
// Returns a hex-encoded 65-byte signature with v ∈ {27, 28}.
func SignMessage(message string, priv *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), priv)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress recovers the signer's address from a message and signature.
// The signature is hex-encoded, 65 bytes (r[32] + s[32] + v[1]).
func RecoverAddress(message string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures carry v = 27 or 28; Ecrecover expects 0 or 1.
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// VerifySignature verifies that a signature was created by the expected
// address.
func VerifySignature(message string, signatureHex string, expectedAddress string) error {
	recoveredAddr, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !strings.EqualFold(recoveredAddr, expectedAddress) {
		return fmt.Errorf("signature mismatch: expected %s, got %s", expectedAddress, recoveredAddr)
	}
	return nil
}
