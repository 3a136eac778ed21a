package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/sha3"
)

// NewKeyPair generates a secp256k1 key and its Tron address.
func NewKeyPair() (KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return KeyPair{Address: AddressFromPublicKey(priv.PubKey()), PrivateKey: priv.Serialize()}, nil
}

// AddressFromPublicKey encodes the base58check Tron address of pub: version byte
// 0x41 followed by the last 20 bytes of the Keccak-256 of the uncompressed key.
func AddressFromPublicKey(pub *btcec.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	sum := h.Sum(nil)
	return base58.CheckEncode(sum[12:], addressVersion)
}

// VerifyChecksum reports whether addr decodes as a base58check Tron address.
func VerifyChecksum(addr string) bool {
	payload, version, err := base58.CheckDecode(addr)
	return err == nil && version == addressVersion && len(payload) == 20
}

func rawData(t Transfer) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		t.From, t.To, t.Amount.StringFixed(AssetDecimals), t.Asset, t.Reference, t.Expiry.UnixMilli()))
}

// Sign signs t with privateKey. The key must control t.From.
func Sign(privateKey []byte, t Transfer) (SignedTransfer, error) {
	if len(privateKey) != btcec.PrivKeyBytesLen {
		return SignedTransfer{}, fmt.Errorf("private key must be %d bytes", btcec.PrivKeyBytesLen)
	}
	priv, pub := btcec.PrivKeyFromBytes(privateKey)
	defer priv.Zero()
	if AddressFromPublicKey(pub) != t.From {
		return SignedTransfer{}, ErrKeyMismatch
	}

	raw := rawData(t)
	digest := sha256.Sum256(raw)
	sig := ecdsa.Sign(priv, digest[:])
	return SignedTransfer{
		Transfer:  t,
		TxID:      hex.EncodeToString(digest[:]),
		RawData:   raw,
		Signature: sig.Serialize(),
		PublicKey: pub.SerializeCompressed(),
	}, nil
}

// VerifySignature checks that st was signed by the key controlling st.From and
// that its TxID matches its content.
func VerifySignature(st SignedTransfer) error {
	pub, err := btcec.ParsePubKey(st.PublicKey)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	if AddressFromPublicKey(pub) != st.From {
		return ErrKeyMismatch
	}
	digest := sha256.Sum256(rawData(st.Transfer))
	if hex.EncodeToString(digest[:]) != st.TxID {
		return fmt.Errorf("tx id does not match transfer content")
	}
	sig, err := ecdsa.ParseDERSignature(st.Signature)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
