package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/models"
	"proofwork/outbox"
	"proofwork/storage"
)

// EVMClient defines the subset of the Ethereum RPC used for broadcast and
// confirmation.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("payout: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// distribute(token, worker, platform, proofwork, net, platformFee, proofworkFee)
var splitterSelector = gethcrypto.Keccak256([]byte("distribute(address,address,address,address,uint256,uint256,uint256)"))[:4]

// ChainProvider settles payouts through the splitter contract on an
// Ethereum-family chain. All legs of a payout ride a single transaction, so
// they share one hash and one nonce.
type ChainProvider struct {
	store        *storage.Store
	client       EVMClient
	signer       Signer
	chainID      uint64
	token        common.Address
	tokenSymbol  string
	decimals     int
	splitter     common.Address
	gasLimit     uint64
	confirmDelay time.Duration
}

// NewChainProvider constructs the on-chain provider from its policy config.
func NewChainProvider(store *storage.Store, client EVMClient, signer Signer, cfg ChainConfig) (*ChainProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("payout: evm client required")
	}
	if signer == nil {
		return nil, fmt.Errorf("payout: signer required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("payout: chain_id required")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("payout: token_address %q invalid", cfg.TokenAddress)
	}
	if !common.IsHexAddress(cfg.SplitterAddress) {
		return nil, fmt.Errorf("payout: splitter_address %q invalid", cfg.SplitterAddress)
	}
	if cfg.TokenDecimals < 2 {
		return nil, fmt.Errorf("payout: token_decimals must be at least 2, got %d", cfg.TokenDecimals)
	}
	return &ChainProvider{
		store:        store,
		client:       client,
		signer:       signer,
		chainID:      cfg.ChainID,
		token:        common.HexToAddress(cfg.TokenAddress),
		tokenSymbol:  cfg.TokenSymbol,
		decimals:     cfg.TokenDecimals,
		splitter:     common.HexToAddress(cfg.SplitterAddress),
		gasLimit:     cfg.GasLimit,
		confirmDelay: cfg.ConfirmDelay.Duration,
	}, nil
}

// Name identifies the provider on payout rows and metric labels.
func (p *ChainProvider) Name() string {
	return "base"
}

// Execute broadcasts the splitter call for a payout whose split has been
// persisted. The nonce row stays locked for the duration of the broadcast
// transaction; a failed send rolls everything back so the nonce is never
// burned. Existing transfer legs mean a prior delivery already broadcast, in
// which case only the confirmation event is (re)scheduled.
func (p *ChainProvider) Execute(ctx context.Context, payout *models.Payout) error {
	return p.store.WithTx(ctx, func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.PayoutTransfer{}).Where("payout_id = ?", payout.ID).Count(&existing).Error; err != nil {
			return fmt.Errorf("count transfers: %w", err)
		}
		if existing > 0 {
			return p.scheduleConfirm(tx, payout.ID)
		}

		var worker models.Worker
		if err := tx.First(&worker, "id = ?", payout.WorkerID).Error; err != nil {
			return fmt.Errorf("load worker: %w", err)
		}
		if !common.IsHexAddress(worker.PayoutAddress) {
			return fmt.Errorf("worker %s payout address %q invalid", worker.ID, worker.PayoutAddress)
		}
		workerAddr := common.HexToAddress(worker.PayoutAddress)

		netBase := CentsToBaseUnits(payout.NetCents, p.decimals)
		platformBase := CentsToBaseUnits(payout.PlatformFeeCents, p.decimals)
		proofworkBase := CentsToBaseUnits(payout.ProofworkFeeCents, p.decimals)
		platformAddr := common.Address{}
		if platformBase.Sign() > 0 {
			platformAddr = common.HexToAddress(payout.PlatformWallet)
		}
		proofworkAddr := common.Address{}
		if proofworkBase.Sign() > 0 {
			proofworkAddr = common.HexToAddress(payout.ProofworkWallet)
		}

		pending, err := p.client.PendingNonceAt(ctx, p.signer.Address())
		if err != nil {
			return fmt.Errorf("pending nonce: %w", err)
		}
		nonce, err := p.store.AllocateNonce(tx, p.chainID, p.signer.Address().Hex(), pending)
		if err != nil {
			return err
		}
		tip, err := p.client.SuggestGasTipCap(ctx)
		if err != nil {
			return fmt.Errorf("gas tip: %w", err)
		}
		feeCap, err := p.client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("gas price: %w", err)
		}
		if feeCap.Cmp(tip) < 0 {
			feeCap = tip
		}

		chainID := new(big.Int).SetUint64(p.chainID)
		unsigned := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       p.gasLimit,
			To:        &p.splitter,
			Value:     big.NewInt(0),
			Data:      splitterCalldata(p.token, workerAddr, platformAddr, proofworkAddr, netBase, platformBase, proofworkBase),
		})
		signed, err := p.signer.SignTx(unsigned, chainID)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		if err := p.client.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("broadcast: %w", err)
		}
		hash := signed.Hash().Hex()

		legs := []struct {
			kind   models.TransferKind
			to     common.Address
			amount *big.Int
		}{
			{models.TransferNet, workerAddr, netBase},
			{models.TransferPlatformFee, platformAddr, platformBase},
			{models.TransferProofworkFee, proofworkAddr, proofworkBase},
		}
		now := p.store.Now()
		for _, leg := range legs {
			if leg.kind != models.TransferNet && leg.amount.Sign() == 0 {
				continue
			}
			transfer := models.PayoutTransfer{
				ID:          uuid.New(),
				PayoutID:    payout.ID,
				Kind:        leg.kind,
				FromAddress: p.signer.Address().Hex(),
				ToAddress:   leg.to.Hex(),
				TokenID:     p.tokenSymbol,
				AmountBase:  leg.amount.String(),
				TxHash:      hash,
				Nonce:       nonce,
				State:       models.TransferBroadcast,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "payout_id"}, {Name: "kind"}},
				DoNothing: true,
			}).Create(&transfer).Error; err != nil {
				return fmt.Errorf("upsert %s transfer: %w", leg.kind, err)
			}
		}

		if err := tx.Model(&models.Payout{}).Where("id = ?", payout.ID).
			Updates(map[string]any{"provider": p.Name(), "provider_ref": hash, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("record provider ref: %w", err)
		}
		payout.ProviderRef = hash
		return p.scheduleConfirm(tx, payout.ID)
	})
}

func (p *ChainProvider) scheduleConfirm(tx *gorm.DB, payoutID uuid.UUID) error {
	payload, err := json.Marshal(outbox.PayoutConfirmRequested{PayoutID: payoutID})
	if err != nil {
		return fmt.Errorf("encode confirm payload: %w", err)
	}
	return p.store.ScheduleOutbox(tx, outbox.TopicPayoutConfirmRequested,
		outbox.PayoutConfirmKey(payoutID), string(payload), p.store.Now().Add(p.confirmDelay))
}

// CentsToBaseUnits converts integer cents into token base units at fixed
// scale: one cent is 10^(decimals-2) units.
func CentsToBaseUnits(cents int64, decimals int) *big.Int {
	if cents <= 0 {
		return big.NewInt(0)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
	return new(big.Int).Mul(big.NewInt(cents), scale)
}

func splitterCalldata(token, worker, platform, proofwork common.Address, net, platformFee, proofworkFee *big.Int) []byte {
	data := make([]byte, 0, 4+7*32)
	data = append(data, splitterSelector...)
	for _, addr := range []common.Address{token, worker, platform, proofwork} {
		data = append(data, common.LeftPadBytes(addr.Bytes(), 32)...)
	}
	for _, amount := range []*big.Int{net, platformFee, proofworkFee} {
		data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	}
	return data
}
