package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vedhavyas/go-subkey/v2"

	"github.com/yolodolo42/hwsign/internal/orchestrator"
	"github.com/yolodolo42/hwsign/internal/qr"
	"github.com/yolodolo42/hwsign/internal/signing"
)

const (
	accountsFileName = "accounts.json"
	filePerms        = 0600 // Owner read/write only
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// Account is a registered signing account.
type Account struct {
	orchestrator.Account
	CreatedAt int64 `json:"created_at"`
}

type registryData struct {
	Version  int       `json:"version"`
	Accounts []Account `json:"accounts"`
}

// Registry stores accounts in data_dir/accounts.json.
type Registry struct {
	mu       sync.RWMutex
	filePath string
	data     *registryData
}

// NewRegistry opens (or creates) the registry under dataDir.
func NewRegistry(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	r := &Registry{
		filePath: filepath.Join(dataDir, accountsFileName),
		data:     &registryData{Version: 1},
	}
	if err := r.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return r, nil
}

func (r *Registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}

	var rd registryData
	if err := json.Unmarshal(data, &rd); err != nil {
		return fmt.Errorf("failed to parse accounts file: %w", err)
	}
	r.data = &rd
	return nil
}

func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}

	tmpPath := r.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, filePerms); err != nil {
		return fmt.Errorf("failed to write accounts file: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		_ = os.Remove(tmpPath) // Best-effort cleanup of temp file
		return fmt.Errorf("failed to save accounts file: %w", err)
	}
	return nil
}

// Normalize validates acct's address for its family and fills derived
// fields. Ethereum addresses are checksummed; Substrate addresses keep
// their SS58 form and get their public key decoded.
func Normalize(acct orchestrator.Account) (orchestrator.Account, error) {
	if acct.Origin == "" {
		acct.Origin = orchestrator.OriginLedger
	}
	switch acct.Origin {
	case orchestrator.OriginLedger, orchestrator.OriginBridge, orchestrator.OriginQR:
	default:
		return acct, fmt.Errorf("unknown account origin %q", acct.Origin)
	}

	switch acct.Family {
	case signing.FamilyEthereum:
		if !common.IsHexAddress(acct.Address) {
			return acct, fmt.Errorf("invalid ethereum address: %s", acct.Address)
		}
		acct.Address = common.HexToAddress(acct.Address).Hex()
		if acct.Origin == orchestrator.OriginQR {
			return acct, fmt.Errorf("%w: offline accounts sign substrate payloads only", signing.ErrUnsupportedOperation)
		}
	case signing.FamilySubstrate:
		_, pub, err := subkey.SS58Decode(acct.Address)
		if err != nil {
			return acct, fmt.Errorf("invalid ss58 address %s: %w", acct.Address, err)
		}
		if len(acct.PublicKey) == 0 {
			acct.PublicKey = pub
		}
		if acct.Curve > qr.CurveEcdsa {
			return acct, fmt.Errorf("unknown curve 0x%02x", byte(acct.Curve))
		}
	default:
		return acct, fmt.Errorf("unknown chain family %q", acct.Family)
	}
	return acct, nil
}

func sameAddress(a, b string) bool {
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func (r *Registry) find(address string) int {
	for i, a := range r.data.Accounts {
		if sameAddress(a.Address, address) {
			return i
		}
	}
	return -1
}

// Add registers acct after normalizing it.
func (r *Registry) Add(acct orchestrator.Account) (Account, error) {
	norm, err := Normalize(acct)
	if err != nil {
		return Account{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(norm.Address) >= 0 {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountExists, norm.Address)
	}
	added := Account{Account: norm, CreatedAt: time.Now().Unix()}
	r.data.Accounts = append(r.data.Accounts, added)
	if err := r.save(); err != nil {
		r.data.Accounts = r.data.Accounts[:len(r.data.Accounts)-1]
		return Account{}, err
	}
	return added, nil
}

// Account implements orchestrator.AccountLookup.
func (r *Registry) Account(address string) (orchestrator.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.find(address)
	if i < 0 {
		return orchestrator.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return r.data.Accounts[i].Account, nil
}

// List returns all accounts, oldest first.
func (r *Registry) List() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Account, len(r.data.Accounts))
	copy(out, r.data.Accounts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Remove deletes the account with address.
func (r *Registry) Remove(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(address)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	r.data.Accounts = append(r.data.Accounts[:i], r.data.Accounts[i+1:]...)
	return r.save()
}
