// Package solana anchors custody events to an Anchor-framework program on a
// Solana cluster. Each material is mirrored in a program-derived account whose
// address depends only on the material id and the program id.
package solana

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"custodyledger/pkg/domain"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var _ domain.Anchor = (*Client)(nil)

// MaterialSeed prefixes every material account derivation.
const MaterialSeed = "material"

const (
	ixInitializeMaterial = "initialize_material"
	ixRecordTransfer     = "record_transfer"
)

// rpcConn is the subset of *rpc.Client used per call.
type rpcConn interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	Close() error
}

// Config holds client construction parameters.
type Config struct {
	RPCURL     string
	ProgramID  string
	Authority  solana.PrivateKey
	Commitment rpc.CommitmentType
}

// Client submits custody instructions. It dials a fresh RPC connection for
// every call and closes it before returning.
type Client struct {
	endpoint   string
	programID  solana.PublicKey
	authority  solana.PrivateKey
	commitment rpc.CommitmentType
	dial       func(endpoint string) rpcConn
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("solana rpc url required")
	}
	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("parse program id: %w", err)
	}
	if len(cfg.Authority) == 0 {
		return nil, errors.New("solana authority keypair required")
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &Client{
		endpoint:   cfg.RPCURL,
		programID:  programID,
		authority:  cfg.Authority,
		commitment: commitment,
		dial:       func(endpoint string) rpcConn { return rpc.New(endpoint) },
	}, nil
}

// LoadAuthority reads a solana-keygen JSON keypair file.
func LoadAuthority(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load authority keypair: %w", err)
	}
	return key, nil
}

// DeriveMaterialAddress returns the program-derived account for materialID.
func DeriveMaterialAddress(programID solana.PublicKey, materialID string) (solana.PublicKey, error) {
	if materialID == "" {
		return solana.PublicKey{}, errors.New("empty material id")
	}
	if len(materialID) > solana.MaxSeedLength {
		return solana.PublicKey{}, fmt.Errorf("material id longer than %d bytes", solana.MaxSeedLength)
	}
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(MaterialSeed), []byte(materialID)}, programID)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return addr, nil
}

// Address returns the material account address under the client's program.
func (c *Client) Address(materialID string) (solana.PublicKey, error) {
	return DeriveMaterialAddress(c.programID, materialID)
}

type initializeMaterialArgs struct {
	MaterialID string
}

type recordTransferArgs struct {
	MaterialID string
	Sequence   uint64
	NewHolder  string
}

// InitializeMaterial creates the material account. The program rejects a
// second initialization because the account already exists.
func (c *Client) InitializeMaterial(ctx context.Context, materialID string) (domain.AnchorReceipt, error) {
	addr, err := c.Address(materialID)
	if err != nil {
		return domain.AnchorReceipt{}, anchorError(materialID, err)
	}
	data, err := encodeInstruction(ixInitializeMaterial, initializeMaterialArgs{MaterialID: materialID})
	if err != nil {
		return domain.AnchorReceipt{}, anchorError(materialID, err)
	}
	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.Meta(addr).WRITE(),
		solana.Meta(c.authority.PublicKey()).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}, data)
	return c.submit(ctx, materialID, addr, ix)
}

// RecordTransfer submits the transfer with the same sequence number used by
// the local ledger.
func (c *Client) RecordTransfer(ctx context.Context, materialID string, sequence int64, newHolder string) (domain.AnchorReceipt, error) {
	if sequence <= 0 {
		return domain.AnchorReceipt{}, anchorError(materialID, fmt.Errorf("invalid sequence %d", sequence))
	}
	addr, err := c.Address(materialID)
	if err != nil {
		return domain.AnchorReceipt{}, anchorError(materialID, err)
	}
	data, err := encodeInstruction(ixRecordTransfer, recordTransferArgs{MaterialID: materialID, Sequence: uint64(sequence), NewHolder: newHolder})
	if err != nil {
		return domain.AnchorReceipt{}, anchorError(materialID, err)
	}
	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.Meta(addr).WRITE(),
		solana.Meta(c.authority.PublicKey()).SIGNER(),
	}, data)
	return c.submit(ctx, materialID, addr, ix)
}

func (c *Client) submit(ctx context.Context, materialID string, addr solana.PublicKey, ix solana.Instruction) (receipt domain.AnchorReceipt, retErr error) {
	conn := c.dial(c.endpoint)
	defer func() {
		if err := conn.Close(); err != nil && retErr == nil {
			retErr = anchorError(materialID, fmt.Errorf("close rpc: %w", err))
		}
	}()
	latest, err := conn.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return domain.AnchorReceipt{}, anchorError(materialID, fmt.Errorf("latest blockhash: %w", err))
	}
	if latest == nil || latest.Value == nil {
		return domain.AnchorReceipt{}, anchorError(materialID, errors.New("latest blockhash: empty response"))
	}
	payer := c.authority.PublicKey()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, latest.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return domain.AnchorReceipt{}, anchorError(materialID, fmt.Errorf("build transaction: %w", err))
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &c.authority
		}
		return nil
	}); err != nil {
		return domain.AnchorReceipt{}, anchorError(materialID, fmt.Errorf("sign transaction: %w", err))
	}
	sig, err := conn.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: c.commitment})
	if err != nil {
		if rejected(err) {
			err = fmt.Errorf("%w: %w", domain.ErrAnchorRejected, err)
		}
		return domain.AnchorReceipt{}, anchorError(materialID, fmt.Errorf("send transaction: %w", err))
	}
	return domain.AnchorReceipt{Signature: sig.String(), Address: addr.String()}, nil
}

// discriminator is the Anchor instruction selector: sha256("global:<name>")[:8].
func discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

func encodeInstruction(name string, args any) ([]byte, error) {
	var buf bytes.Buffer
	d := discriminator(name)
	buf.Write(d[:])
	if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	return buf.Bytes(), nil
}

// preflightFailure is the JSON-RPC code for a transaction whose simulation
// failed, which is how program errors surface with preflight enabled.
const preflightFailure = -32002

func rejected(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == preflightFailure
}

func anchorError(materialID string, err error) error {
	return domain.NewError(domain.KindAnchor, domain.EntityMaterial, materialID, err)
}
