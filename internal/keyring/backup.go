package keyring

import (
	"fmt"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/securestore"
	"proofi/trust-engine/internal/trusterr"
)

const seedBackupPurpose = "keyring-seed"

// ExportSeedBackup seals the active mnemonic under passphrase. The returned
// bytes are for the host to persist; the keyring never writes them anywhere.
func (m *Manager) ExportSeedBackup(passphrase string) ([]byte, error) {
	m.mu.RLock()
	ready, mnemonic := m.ready, m.mnemonic
	m.mu.RUnlock()
	if !ready {
		return nil, trusterr.ErrNotInitialized
	}
	if mnemonic == "" {
		return nil, trusterr.ErrNoSeedSet
	}
	blob, err := securestore.Seal(passphrase, seedBackupPurpose, []byte(mnemonic))
	if err != nil {
		return nil, fmt.Errorf("seal seed backup: %w", err)
	}
	return blob, nil
}

// RestoreSeedBackup opens a blob produced by ExportSeedBackup and activates
// the mnemonic inside it.
func (m *Manager) RestoreSeedBackup(blob []byte, passphrase string) error {
	if !m.Ready() {
		return trusterr.ErrNotInitialized
	}
	plain, err := securestore.Open(passphrase, seedBackupPurpose, blob)
	if err != nil {
		return fmt.Errorf("open seed backup: %w", err)
	}
	defer crypto.Zero(plain)
	return m.SetSeed(string(plain))
}
