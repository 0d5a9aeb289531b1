package nostr

import (
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/Bidon15/nsigner"
)

// nostrCoinType is the SLIP-44 coin type registered for Nostr.
const nostrCoinType = 1237

// NewMnemonic returns a fresh 24 word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer memguard.WipeBytes(entropy)
	return bip39.NewMnemonic(entropy)
}

// SecretKeyFromMnemonic derives the key at m/44'/1237'/<account>'/0/0.
func SecretKeyFromMnemonic(mnemonic, passphrase string, account uint32) ([]byte, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: mnemonic: %v", nsigner.ErrInvalidKeyFormat, err)
	}
	defer memguard.WipeBytes(seed)

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + nostrCoinType,
		hdkeychain.HardenedKeyStart + account,
		0,
		0,
	}
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: derive: %v", nsigner.ErrCryptoError, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	defer priv.Zero()
	return priv.Serialize(), nil
}
