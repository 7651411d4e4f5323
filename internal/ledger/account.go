package ledger

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeVault
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCash AccountSubType = iota

	// Vault sub-types (one pair per fund)
	SubTypeContributionPool
	SubTypeCollateralPool

	// External sub-types
	SubTypeExternalReserve
)

// AssetID maps asset codes to numeric IDs for cache-friendly keys
type AssetID uint16

var (
	assetMu   sync.RWMutex
	assetToID = map[string]AssetID{
		"USDC": 1,
		"USDT": 2,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "USDT",
	}
	nextAssetID AssetID = 3
)

func GetAssetID(asset string) (AssetID, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	name, ok := idToAsset[id]
	return name, ok
}

// RegisterAsset assigns an ID to a previously unseen asset code.
// Funds may be configured for arbitrary assets, so the registry grows
// at fund initialization rather than being a fixed table.
func RegisterAsset(asset string) AssetID {
	assetMu.Lock()
	defer assetMu.Unlock()
	if id, ok := assetToID[asset]; ok {
		return id
	}
	id := nextAssetID
	nextAssetID++
	assetToID[asset] = id
	idToAsset[id] = asset
	return id
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, derived hash for vaults
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a user's asset account
func NewUserAccountKey(owner uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  SubTypeCash,
		AssetID:  assetID,
	}
}

// NewVaultAccountKey creates a key for a fund pool account.
// The entity ID is derived deterministically from the sub-type and asset,
// so the same fund always addresses the same pools.
func NewVaultAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	assetName, _ := GetAssetName(assetID)
	sum := sha256.Sum256([]byte(subTypeName(subType) + ":" + assetName))

	var entityID [16]byte
	copy(entityID[:], sum[:16])

	return AccountKey{
		Scope:    AccountScopeVault,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalReserveKey creates the boundary account deposits originate from
func NewExternalReserveKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: SubTypeExternalReserve,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), subTypeName(k.SubType), assetName)
	case AccountScopeVault:
		return fmt.Sprintf("vault:%s:%s", subTypeName(k.SubType), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", subTypeName(k.SubType), assetName)
	}
	return "unknown"
}

// ParseAccountPath reconstructs an AccountKey from its path form.
// Used when restoring persisted balances on startup; the asset must
// already be registered.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	assetID, ok := GetAssetID(parts[len(parts)-1])
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown asset in account path %q", path)
	}

	switch parts[0] {
	case "user":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed user account path %q", path)
		}
		owner, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("bad owner in account path %q: %w", path, err)
		}
		return NewUserAccountKey(owner, assetID), nil
	case "vault":
		sub, err := subTypeFromName(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return NewVaultAccountKey(sub, assetID), nil
	case "external":
		return NewExternalReserveKey(assetID), nil
	}
	return AccountKey{}, fmt.Errorf("unknown scope in account path %q", path)
}

func subTypeName(s AccountSubType) string {
	switch s {
	case SubTypeCash:
		return "cash"
	case SubTypeContributionPool:
		return "contribution_pool"
	case SubTypeCollateralPool:
		return "collateral_pool"
	case SubTypeExternalReserve:
		return "reserve"
	default:
		return "unknown"
	}
}

func subTypeFromName(name string) (AccountSubType, error) {
	switch name {
	case "cash":
		return SubTypeCash, nil
	case "contribution_pool":
		return SubTypeContributionPool, nil
	case "collateral_pool":
		return SubTypeCollateralPool, nil
	case "reserve":
		return SubTypeExternalReserve, nil
	}
	return 0, fmt.Errorf("unknown account sub-type %q", name)
}
