// Package chain normalises destinations so that the same recipient always
// produces the same canonical bytes, whichever way the user typed it.
package chain

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"

	xerrors "VibeGuard/internal/errors"
)

// Family groups chains that share an address format.
type Family string

const (
	FamilyEVM     Family = "evm"
	FamilyBitcoin Family = "bitcoin"
)

// ParseFamily maps a chain definition type to a family. An empty type is
// treated as EVM.
func ParseFamily(raw string) (Family, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "evm":
		return FamilyEVM, true
	case "bitcoin", "btc":
		return FamilyBitcoin, true
	default:
		return "", false
	}
}

// DestinationKind distinguishes on-chain addresses from in-app handles.
type DestinationKind string

const (
	KindAddress DestinationKind = "address"
	KindHandle  DestinationKind = "handle"
)

// Destination is a normalised recipient.
type Destination struct {
	Kind  DestinationKind
	Value string
}

func (d Destination) String() string {
	if d.Kind == KindHandle {
		return "@" + d.Value
	}
	return d.Value
}

const CodeInvalidDestination xerrors.Code = "INVALID_DESTINATION"

var (
	ErrUnsupportedChain = xerrors.New(CodeInvalidDestination, "unsupported chain")
	ErrInvalidAddress   = xerrors.New(CodeInvalidDestination, "invalid address")
	ErrInvalidHandle    = xerrors.New(CodeInvalidDestination, "invalid handle")
)

func init() {
	xerrors.Register(CodeInvalidDestination, xerrors.Attributes{
		Message:    "invalid destination",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

var handlePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{1,31}$`)

// Resolver knows which family each configured chain belongs to.
type Resolver struct {
	families map[string]Family
	btcNets  map[string]*chaincfg.Params
}

// DefaultResolver covers the chains supported out of the box.
func DefaultResolver() *Resolver {
	r := NewResolver(nil)
	for _, name := range []string{"ethereum", "polygon", "base", "arbitrum", "optimism", "bsc", "sepolia"} {
		r.Register(name, FamilyEVM)
	}
	r.Register("bitcoin", FamilyBitcoin)
	r.Register("bitcoin-testnet", FamilyBitcoin)
	return r
}

// NewResolver builds a resolver from an explicit chain -> family table.
func NewResolver(families map[string]Family) *Resolver {
	r := &Resolver{
		families: make(map[string]Family, len(families)),
		btcNets:  make(map[string]*chaincfg.Params),
	}
	for name, family := range families {
		r.Register(name, family)
	}
	return r
}

// Register adds or replaces a chain. Bitcoin chains whose name mentions
// "test" validate against testnet3 parameters.
func (r *Resolver) Register(name string, family Family) {
	name = normalizeChain(name)
	r.families[name] = family
	if family == FamilyBitcoin {
		params := &chaincfg.MainNetParams
		if strings.Contains(name, "test") {
			params = &chaincfg.TestNet3Params
		}
		r.btcNets[name] = params
	}
}

// FamilyOf reports the family of a registered chain.
func (r *Resolver) FamilyOf(name string) (Family, bool) {
	family, ok := r.families[normalizeChain(name)]
	return family, ok
}

// Supported reports whether the chain is registered.
func (r *Resolver) Supported(name string) bool {
	_, ok := r.FamilyOf(name)
	return ok
}

// NormalizeAddress returns the canonical textual form of an address.
// EVM addresses use the EIP-55 checksum form; bitcoin addresses are
// re-encoded after decoding for the configured network.
func (r *Resolver) NormalizeAddress(chainName, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	family, ok := r.FamilyOf(chainName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChain, chainName)
	}
	switch family {
	case FamilyEVM:
		if !common.IsHexAddress(raw) {
			return "", ErrInvalidAddress
		}
		return common.HexToAddress(raw).Hex(), nil
	case FamilyBitcoin:
		params := r.btcNets[normalizeChain(chainName)]
		addr, err := btcutil.DecodeAddress(raw, params)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		if !addr.IsForNet(params) {
			return "", fmt.Errorf("%w: address is for another network", ErrInvalidAddress)
		}
		return addr.EncodeAddress(), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChain, chainName)
	}
}

// NormalizeDestination accepts either an address valid on the chain or an
// in-app handle. A leading "@" always selects handle parsing.
func (r *Resolver) NormalizeDestination(chainName, raw string) (Destination, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "@") {
		handle, err := NormalizeHandle(raw)
		if err != nil {
			return Destination{}, err
		}
		return Destination{Kind: KindHandle, Value: handle}, nil
	}
	address, addrErr := r.NormalizeAddress(chainName, raw)
	if addrErr == nil {
		return Destination{Kind: KindAddress, Value: address}, nil
	}
	if !r.Supported(chainName) {
		return Destination{}, addrErr
	}
	if handle, err := NormalizeHandle(raw); err == nil {
		return Destination{Kind: KindHandle, Value: handle}, nil
	}
	return Destination{}, addrErr
}

// NormalizeHandle lower-cases a handle and strips the leading "@".
func NormalizeHandle(raw string) (string, error) {
	handle := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if !handlePattern.MatchString(handle) {
		return "", ErrInvalidHandle
	}
	return handle, nil
}

func normalizeChain(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
