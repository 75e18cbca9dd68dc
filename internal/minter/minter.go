// Package minter executes a finalized epoch's payout vector against the
// GLYPH ERC-20 contract and anchors the resulting transaction id.
package minter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"cosmossdk.io/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"glyph/internal/epoch"
	"glyph/internal/ledger"
)

// tokenABI is the minter-facing slice of the GLYPH contract interface.
const tokenABI = `[
  {"name":"mintReward","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"name":"batchMintRewards","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]},
  {"name":"totalSupply","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"MAX_SUPPLY","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// defaultRPC maps a token_network setting to a public RPC endpoint, used
// when no rpc_url override is configured.
var defaultRPC = map[string]string{
	"polygon": "https://polygon-rpc.com",
	"mumbai":  "https://rpc-mumbai.maticvigil.com",
	"mainnet": "https://eth.llamarpc.com",
	"sepolia": "https://rpc.sepolia.org",
}

// maxBatch bounds one batchMintRewards call; larger payout vectors are
// split across transactions.
const maxBatch = 100

// Config carries everything needed to reach the contract.
type Config struct {
	RPCURL        string
	TokenAddress  string
	PrivateKeyHex string
}

// ConfigFromLedger resolves the stored token settings into a Config,
// falling back to the network's default RPC endpoint.
func ConfigFromLedger(l *ledger.Ledger, privateKeyHex string) (Config, error) {
	tc, err := l.TokenConfig()
	if err != nil {
		return Config{}, err
	}
	if tc.TokenAddress == "" {
		return Config{}, fmt.Errorf("token address not configured")
	}
	rpcURL := tc.RPCURL
	if rpcURL == "" {
		rpcURL = defaultRPC[tc.Network]
	}
	if rpcURL == "" {
		return Config{}, fmt.Errorf("no rpc endpoint for network %q", tc.Network)
	}
	return Config{RPCURL: rpcURL, TokenAddress: tc.TokenAddress, PrivateKeyHex: privateKeyHex}, nil
}

// Minter holds a dialed client and the parsed contract interface.
type Minter struct {
	client *ethclient.Client
	abi    abi.ABI
	token  common.Address
	cfg    Config
	logger log.Logger
}

func New(ctx context.Context, cfg Config, logger log.Logger) (*Minter, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return &Minter{
		client: client,
		abi:    parsed,
		token:  common.HexToAddress(cfg.TokenAddress),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (m *Minter) Close() {
	m.client.Close()
}

// SelectEpochPayouts returns the positive-amount payouts from a stored
// snapshot.
func SelectEpochPayouts(e *epoch.Engine, epochID string) ([]epoch.Payout, error) {
	snap, err := e.Get(epochID)
	if err != nil {
		return nil, err
	}
	out := make([]epoch.Payout, 0, len(snap.Payouts))
	for _, p := range snap.Payouts {
		if p.Amount > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// Anchor records the mint transaction id and finalizes the epoch.
func Anchor(l *ledger.Ledger, epochID, txid string) error {
	if err := l.SetEpochAnchor(epochID, txid); err != nil {
		return err
	}
	return l.SetEpochFinalized(epochID)
}

// MintRewards submits the payouts as one or more batchMintRewards
// transactions and returns the transaction ids. With dryRun set it only
// estimates gas and returns "DRY_RUN: ..." descriptors.
func (m *Minter) MintRewards(ctx context.Context, payouts []epoch.Payout, dryRun bool) ([]string, error) {
	if len(payouts) == 0 {
		return nil, fmt.Errorf("no payouts to mint")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(m.cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse minter key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := m.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := m.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	var txids []string
	for start := 0; start < len(payouts); start += maxBatch {
		end := start + maxBatch
		if end > len(payouts) {
			end = len(payouts)
		}
		batch := payouts[start:end]

		recipients := make([]common.Address, len(batch))
		amounts := make([]*big.Int, len(batch))
		for i, p := range batch {
			recipients[i] = common.HexToAddress(p.EthAddress)
			amounts[i] = big.NewInt(p.Amount)
		}
		data, err := m.abi.Pack("batchMintRewards", recipients, amounts)
		if err != nil {
			return nil, fmt.Errorf("pack batch: %w", err)
		}

		gas, err := m.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &m.token, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		if dryRun {
			txids = append(txids, fmt.Sprintf("DRY_RUN: batch of %d payouts, est gas %d", len(batch), gas))
			continue
		}

		tipCap, err := m.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("gas tip: %w", err)
		}
		head, err := m.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("head: %w", err)
		}
		feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gas + gas/5,
			To:        &m.token,
			Data:      data,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		if err != nil {
			return nil, fmt.Errorf("sign tx: %w", err)
		}
		if err := m.client.SendTransaction(ctx, signed); err != nil {
			return nil, fmt.Errorf("send tx: %w", err)
		}
		m.logger.Info("mint batch submitted", "tx", signed.Hash().Hex(), "payouts", len(batch))

		rcpt, err := bind.WaitMined(ctx, m.client, signed)
		if err != nil {
			return nil, fmt.Errorf("wait mined: %w", err)
		}
		if rcpt.Status != types.ReceiptStatusSuccessful {
			return nil, fmt.Errorf("mint tx %s reverted", signed.Hash().Hex())
		}
		txids = append(txids, signed.Hash().Hex())
		nonce++
	}
	return txids, nil
}

// TokenSupply reads totalSupply and MAX_SUPPLY from the contract.
func (m *Minter) TokenSupply(ctx context.Context) (total, max *big.Int, err error) {
	total, err = m.callUint(ctx, "totalSupply")
	if err != nil {
		return nil, nil, err
	}
	max, err = m.callUint(ctx, "MAX_SUPPLY")
	if err != nil {
		return nil, nil, err
	}
	return total, max, nil
}

func (m *Minter) callUint(ctx context.Context, method string) (*big.Int, error) {
	data, err := m.abi.Pack(method)
	if err != nil {
		return nil, err
	}
	raw, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &m.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := m.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return type %T", method, out[0])
	}
	return v, nil
}
