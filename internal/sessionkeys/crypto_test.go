package sessionkeys

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKeypair(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	if !strings.HasPrefix(kp.Address, "0x") || len(kp.Address) != 42 {
		t.Errorf("address %q is not a 0x-prefixed 20-byte address", kp.Address)
	}
	if kp.Address != strings.ToLower(kp.Address) {
		t.Errorf("address %q is not lowercase", kp.Address)
	}

	derived := strings.ToLower(crypto.PubkeyToAddress(kp.PrivateKey.PublicKey).Hex())
	if derived != kp.Address {
		t.Errorf("address %s does not match private key (derived %s)", kp.Address, derived)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	const signature = "0xdeadbeef_user_wallet_signature"
	blob, err := EncryptPrivateKey(kp.PrivateKey, signature)
	if err != nil {
		t.Fatalf("EncryptPrivateKey failed: %v", err)
	}
	if !strings.HasPrefix(blob, "v1:") {
		t.Errorf("blob %q missing version prefix", blob[:10])
	}

	recovered, err := DecryptPrivateKey(blob, signature)
	if err != nil {
		t.Fatalf("DecryptPrivateKey failed: %v", err)
	}
	if recovered.D.Cmp(kp.PrivateKey.D) != 0 {
		t.Error("decrypted key does not match original")
	}
}

func TestDecryptWithWrongSignatureFails(t *testing.T) {
	kp, _ := GenerateKeypair()
	blob, err := EncryptPrivateKey(kp.PrivateKey, "right-signature")
	if err != nil {
		t.Fatalf("EncryptPrivateKey failed: %v", err)
	}

	if _, err := DecryptPrivateKey(blob, "wrong-signature"); err == nil {
		t.Fatal("decryption with wrong signature must fail")
	}
	if _, err := DecryptPrivateKey("v0:bad:blob", "right-signature"); err == nil {
		t.Fatal("unrecognized blob format must fail")
	}
}

func TestSignAndRecover(t *testing.T) {
	kp, _ := GenerateKeypair()
	message := "approve transfer of 5.00 to 0xaaa"

	sig, err := SignMessage(message, kp.PrivateKey)
	if err != nil {
		t.Fatalf("SignMessage failed: %v", err)
	}

	recovered, err := RecoverAddress(message, sig)
	if err != nil {
		t.Fatalf("RecoverAddress failed: %v", err)
	}
	if recovered != kp.Address {
		t.Errorf("recovered %s, want %s", recovered, kp.Address)
	}

	if err := VerifySignature(message, sig, kp.Address); err != nil {
		t.Errorf("VerifySignature failed: %v", err)
	}
	if err := VerifySignature("tampered message", sig, kp.Address); err == nil {
		t.Error("VerifySignature must fail for a different message")
	}

	other, _ := GenerateKeypair()
	if err := VerifySignature(message, sig, other.Address); err == nil {
		t.Error("VerifySignature must fail for the wrong address")
	}
}

func TestRecoverAddressRejectsBadSignatures(t *testing.T) {
	if _, err := RecoverAddress("msg", "0x1234"); err == nil {
		t.Error("short signature must be rejected")
	}
	if _, err := RecoverAddress("msg", "zz"); err == nil {
		t.Error("non-hex signature must be rejected")
	}
}

func TestDelegationMessage(t *testing.T) {
	key := &SessionKey{
		ID:             "sk_test",
		OwnerAddress:   "0xowner",
		ParentAddress:  "0xparent",
		SessionAddress: "0xsession",
		ChainID:        84532,
		SecurityLevel:  SecurityStandard,
		ValidUntil:     time.Now().Add(time.Hour),
		Permissions: []Permission{
			{Operation: "send", MaxAmountPerTx: "10", MaxDailyAmount: "100"},
		},
	}

	msg := BuildDelegationMessage(key, "workflow-automation")
	if msg.SmartWalletAddress != "0xowner" || msg.SessionKeyAddress != "0xsession" {
		t.Errorf("delegation addresses wrong: %+v", msg)
	}
	if msg.ChainID != 84532 || msg.Purpose != "workflow-automation" {
		t.Errorf("delegation metadata wrong: %+v", msg)
	}
	if msg.Nonce == "" {
		t.Error("delegation nonce missing")
	}

	// The canonical form excludes the parent signature so countersigning
	// does not change the signed bytes.
	msg.ParentSignature = "0xsig"
	canon, err := msg.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if strings.Contains(canon, "0xsig") {
		t.Error("canonical JSON must not contain the parent signature")
	}
	if !strings.Contains(canon, `"smartWalletAddress":"0xowner"`) {
		t.Errorf("canonical JSON missing stable field names: %s", canon)
	}
}
