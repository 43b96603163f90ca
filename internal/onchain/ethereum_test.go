package onchain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const (
	testPointsContract = "0x00000000000000000000000000000000000000aa"
	testTokenContract  = "0x00000000000000000000000000000000000000bb"
	testWallet         = "0x1111111111111111111111111111111111111111"
)

type stubBackend struct {
	bind.ContractBackend
	responses map[string][]byte
	failWith  error
}

func (s *stubBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	for selector, response := range s.responses {
		if bytes.HasPrefix(call.Data, []byte(selector)) {
			return response, nil
		}
	}
	return nil, errors.New("unexpected call")
}

func (s *stubBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func mustABI(t *testing.T, definition string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		t.Fatalf("unexpected abi error: %v", err)
	}
	return parsed
}

func packOutputs(t *testing.T, parsed abi.ABI, method string, values ...interface{}) []byte {
	t.Helper()
	packed, err := parsed.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("unexpected pack error: %v", err)
	}
	return packed
}

func TestEthereumClientReadsPointsAccount(t *testing.T) {
	pointsABI := mustABI(t, PointsABI)
	backend := &stubBackend{responses: map[string][]byte{
		string(pointsABI.Methods["getAccount"].ID): packOutputs(t, pointsABI, "getAccount", true, big.NewInt(500)),
	}}
	client, err := NewEthereumClient(backend, EthereumConfig{PointsContract: testPointsContract, ChainID: 8453})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	total, exists, err := client.PointsOf(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !exists || total != 500 {
		t.Fatalf("expected existing account with 500 points, got exists=%v total=%d", exists, total)
	}
}

func TestEthereumClientDistinguishesMissingAccount(t *testing.T) {
	pointsABI := mustABI(t, PointsABI)
	backend := &stubBackend{responses: map[string][]byte{
		string(pointsABI.Methods["getAccount"].ID): packOutputs(t, pointsABI, "getAccount", false, big.NewInt(0)),
	}}
	client, err := NewEthereumClient(backend, EthereumConfig{PointsContract: testPointsContract})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	_, exists, err := client.PointsOf(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if exists {
		t.Fatalf("expected missing account")
	}
}

func TestEthereumClientReadsTokenBalance(t *testing.T) {
	balanceABI := mustABI(t, BalanceABI)
	backend := &stubBackend{responses: map[string][]byte{
		string(balanceABI.Methods["balanceOf"].ID): packOutputs(t, balanceABI, "balanceOf", big.NewInt(3)),
	}}
	client, err := NewEthereumClient(backend, EthereumConfig{})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	balance, err := client.BalanceOf(context.Background(), testTokenContract, testWallet)
	if err != nil {
		t.Fatalf("unexpected balance error: %v", err)
	}
	if balance.Int64() != 3 {
		t.Fatalf("expected balance 3, got %s", balance)
	}

	if _, err := client.BalanceOf(context.Background(), "not-an-address", testWallet); !errors.Is(err, errInvalidAddress) {
		t.Fatalf("expected invalid address error, got %v", err)
	}
}

func TestEthereumClientWithoutContractOrKey(t *testing.T) {
	client, err := NewEthereumClient(&stubBackend{}, EthereumConfig{})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	if _, _, err := client.PointsOf(context.Background(), testWallet); !errors.Is(err, ErrChainUnavailable) {
		t.Fatalf("expected chain unavailable, got %v", err)
	}

	withContract, err := NewEthereumClient(&stubBackend{}, EthereumConfig{PointsContract: testPointsContract})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	if _, err := withContract.Award(context.Background(), AwardRequest{Wallet: testWallet, Amount: 10}); !errors.Is(err, ErrAwardsDisabled) {
		t.Fatalf("expected awards disabled, got %v", err)
	}
}

func TestNewEthereumClientRejectsBadConfig(t *testing.T) {
	if _, err := NewEthereumClient(&stubBackend{}, EthereumConfig{PointsContract: "0x123"}); !errors.Is(err, errInvalidAddress) {
		t.Fatalf("expected invalid contract address, got %v", err)
	}
	if _, err := NewEthereumClient(&stubBackend{}, EthereumConfig{AwardKeyHex: "zz"}); err == nil {
		t.Fatalf("expected invalid key error")
	}
}
