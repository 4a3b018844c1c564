package core

import (
	"fmt"

	anchormem "custodyledger/internal/infra/anchor/memory"
	"custodyledger/internal/infra/anchor/solana"
	"custodyledger/pkg/domain"

	"github.com/gagliardetto/solana-go/rpc"
)

// AnchorDriver identifies an anchor implementation.
type AnchorDriver string

const (
	AnchorNone   AnchorDriver = "none"   // anchoring disabled
	AnchorMemory AnchorDriver = "memory" // in-process mirror (dev / tests)
	AnchorSolana AnchorDriver = "solana" // Solana RPC
)

// AnchorConfig selects and parameterises the anchor.
type AnchorConfig struct {
	Driver           AnchorDriver
	RPCURL           string
	ProgramID        string
	AuthorityKeypair string
	Commitment       string
}

// OpenAnchor builds the configured anchor. AnchorNone yields a nil anchor,
// which the ledger reports as skipped.
func OpenAnchor(cfg AnchorConfig) (domain.Anchor, error) {
	switch cfg.Driver {
	case "", AnchorNone:
		return nil, nil
	case AnchorMemory:
		return anchormem.New(), nil
	case AnchorSolana:
		key, err := solana.LoadAuthority(cfg.AuthorityKeypair)
		if err != nil {
			return nil, err
		}
		return solana.New(solana.Config{
			RPCURL:     cfg.RPCURL,
			ProgramID:  cfg.ProgramID,
			Authority:  key,
			Commitment: rpc.CommitmentType(cfg.Commitment),
		})
	default:
		return nil, fmt.Errorf("unknown anchor driver %s", cfg.Driver)
	}
}
