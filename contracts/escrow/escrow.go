// Package escrow is a binding for the custody escrow contract.
package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EscrowMetaData contains the escrow contract ABI.
var EscrowMetaData = &bind.MetaData{
	ABI: `[
{"inputs":[{"internalType":"address","name":"payer","type":"address"},{"internalType":"address","name":"payee","type":"address"},{"internalType":"address","name":"token","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"uint256","name":"deadline","type":"uint256"},{"internalType":"string","name":"vertical","type":"string"},{"internalType":"bytes","name":"metadata","type":"bytes"}],"name":"createEscrow","outputs":[{"internalType":"uint256","name":"escrowId","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint256","name":"escrowId","type":"uint256"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"escrowId","type":"uint256"},{"indexed":true,"internalType":"address","name":"payer","type":"address"},{"indexed":true,"internalType":"address","name":"payee","type":"address"},{"indexed":false,"internalType":"address","name":"token","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"EscrowCreated","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"escrowId","type":"uint256"},{"indexed":false,"internalType":"address","name":"to","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}],"name":"EscrowReleased","type":"event"}
]`,
}

// Escrow is a Go binding around the escrow contract.
type Escrow struct {
	address  common.Address
	contract *bind.BoundContract
}

// EscrowEscrowCreated represents an EscrowCreated event raised by the contract.
type EscrowEscrowCreated struct {
	EscrowId *big.Int
	Payer    common.Address
	Payee    common.Address
	Token    common.Address
	Amount   *big.Int
	Deadline *big.Int
	Raw      types.Log
}

func NewEscrow(address common.Address, backend bind.ContractBackend) (*Escrow, error) {
	parsed, err := EscrowMetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	return &Escrow{
		address:  address,
		contract: bind.NewBoundContract(address, *parsed, backend, backend, backend),
	}, nil
}

func (e *Escrow) Address() common.Address {
	return e.address
}

func (e *Escrow) CreateEscrow(opts *bind.TransactOpts, payer, payee, token common.Address, amount, deadline *big.Int, vertical string, metadata []byte) (*types.Transaction, error) {
	return e.contract.Transact(opts, "createEscrow", payer, payee, token, amount, deadline, vertical, metadata)
}

func (e *Escrow) Release(opts *bind.TransactOpts, escrowId *big.Int) (*types.Transaction, error) {
	return e.contract.Transact(opts, "release", escrowId)
}

// ParseEscrowCreated decodes an EscrowCreated log.
func (e *Escrow) ParseEscrowCreated(log types.Log) (*EscrowEscrowCreated, error) {
	event := new(EscrowEscrowCreated)
	if err := e.contract.UnpackLog(event, "EscrowCreated", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}
