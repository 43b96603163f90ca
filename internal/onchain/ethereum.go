package onchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const defaultCallTimeout = 10 * time.Second

// PointsABI is the subset of the points contract the service calls.
const PointsABI = `[
  {"type":"function","name":"getAccount","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"exists","type":"bool"},{"name":"points","type":"uint256"}]},
  {"type":"function","name":"awardPoints","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"amount","type":"uint256"},
             {"name":"missionId","type":"string"},{"name":"periodKey","type":"string"}],
   "outputs":[]}
]`

// BalanceABI covers balanceOf, which ERC-20 and ERC-721 share.
const BalanceABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"balance","type":"uint256"}]}
]`

var (
	errInvalidAddress = errors.New("onchain: invalid address")
	errUnexpectedABI  = errors.New("onchain: unexpected contract output")
)

// EthereumConfig wires an EthereumClient.
type EthereumConfig struct {
	RPCURL         string
	ChainID        int64
	PointsContract string
	AwardKeyHex    string
	Timeout        time.Duration
	Logger         *zap.Logger
}

// EthereumClient implements PointsReader, PointsAwarder and TokenReader over JSON-RPC.
type EthereumClient struct {
	backend    bind.ContractBackend
	closer     func()
	points     *bind.BoundContract
	balanceABI abi.ABI
	chainID    *big.Int
	awardKey   *ecdsa.PrivateKey
	timeout    time.Duration
	logger     *zap.Logger
}

// DialEthereum connects to the RPC endpoint and binds the points contract.
func DialEthereum(ctx context.Context, cfg EthereumConfig) (*EthereumClient, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, ErrChainUnavailable
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	ethereum, err := NewEthereumClient(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	ethereum.closer = client.Close
	return ethereum, nil
}

// NewEthereumClient binds the contracts over an existing backend.
func NewEthereumClient(backend bind.ContractBackend, cfg EthereumConfig) (*EthereumClient, error) {
	pointsABI, err := abi.JSON(strings.NewReader(PointsABI))
	if err != nil {
		return nil, fmt.Errorf("parse points abi: %w", err)
	}
	balanceABI, err := abi.JSON(strings.NewReader(BalanceABI))
	if err != nil {
		return nil, fmt.Errorf("parse balance abi: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ethereum := &EthereumClient{
		backend:    backend,
		balanceABI: balanceABI,
		chainID:    big.NewInt(cfg.ChainID),
		timeout:    timeout,
		logger:     logger,
	}
	if contract := strings.TrimSpace(cfg.PointsContract); contract != "" {
		if !common.IsHexAddress(contract) {
			return nil, fmt.Errorf("%w: points contract %q", errInvalidAddress, contract)
		}
		ethereum.points = bind.NewBoundContract(common.HexToAddress(contract), pointsABI, backend, backend, backend)
	}
	if key := strings.TrimPrefix(strings.TrimSpace(cfg.AwardKeyHex), "0x"); key != "" {
		ethereum.awardKey, err = crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("parse award key: %w", err)
		}
	}
	return ethereum, nil
}

// Close releases the RPC connection.
func (c *EthereumClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func parseAddress(value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%w: %q", errInvalidAddress, value)
	}
	return common.HexToAddress(value), nil
}

func (c *EthereumClient) PointsOf(ctx context.Context, wallet string) (int64, bool, error) {
	if c.points == nil {
		return 0, false, ErrChainUnavailable
	}
	account, err := parseAddress(wallet)
	if err != nil {
		return 0, false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []interface{}
	if err := c.points.Call(&bind.CallOpts{Context: callCtx}, &out, "getAccount", account); err != nil {
		return 0, false, fmt.Errorf("getAccount: %w", err)
	}
	if len(out) != 2 {
		return 0, false, errUnexpectedABI
	}
	exists, okExists := out[0].(bool)
	points, okPoints := out[1].(*big.Int)
	if !okExists || !okPoints {
		return 0, false, errUnexpectedABI
	}
	if !points.IsInt64() {
		return 0, exists, fmt.Errorf("%w: points overflow int64", errUnexpectedABI)
	}
	return points.Int64(), exists, nil
}

func (c *EthereumClient) Award(ctx context.Context, request AwardRequest) (string, error) {
	if c.points == nil {
		return "", ErrChainUnavailable
	}
	if c.awardKey == nil {
		return "", ErrAwardsDisabled
	}
	account, err := parseAddress(request.Wallet)
	if err != nil {
		return "", err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.awardKey, c.chainID)
	if err != nil {
		return "", fmt.Errorf("transactor: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	opts.Context = callCtx

	tx, err := c.points.Transact(opts, "awardPoints", account, big.NewInt(request.Amount), request.MissionID, request.PeriodKey)
	if err != nil {
		return "", fmt.Errorf("awardPoints: %w", err)
	}
	c.logger.Info("on-chain award submitted",
		zap.String("wallet", request.Wallet),
		zap.Int64("amount", request.Amount),
		zap.String("tx", tx.Hash().Hex()))
	return tx.Hash().Hex(), nil
}

func (c *EthereumClient) BalanceOf(ctx context.Context, contract, wallet string) (*big.Int, error) {
	token, err := parseAddress(contract)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress(wallet)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	bound := bind.NewBoundContract(token, c.balanceABI, c.backend, c.backend, c.backend)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: callCtx}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, errUnexpectedABI
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errUnexpectedABI
	}
	return balance, nil
}

var (
	_ PointsReader  = (*EthereumClient)(nil)
	_ PointsAwarder = (*EthereumClient)(nil)
	_ TokenReader   = (*EthereumClient)(nil)
	_ PointsReader  = Disabled{}
	_ PointsAwarder = Disabled{}
	_ TokenReader   = Disabled{}
)
