package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Fixed external interface of the deployed contracts. Raw ABI output is
// decoded into typed values exactly once, here; downstream code never
// re-interprets raw bytes.

const marketplaceABIJSON = `[
	{"type":"function","name":"hasPurchasedCourse","stateMutability":"view","inputs":[{"name":"courseId","type":"uint256"},{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"isInstructor","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getCoursePrice","stateMutability":"view","inputs":[{"name":"courseId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"CoursePurchased","anonymous":false,"inputs":[{"name":"courseId","type":"uint256","indexed":true},{"name":"student","type":"address","indexed":true},{"name":"price","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	marketplaceABI = mustParseABI(marketplaceABIJSON)
	erc20ABI       = mustParseABI(erc20ABIJSON)

	// CoursePurchasedID is topic0 of the purchase event the verifier looks
	// for in receipt logs.
	CoursePurchasedID = marketplaceABI.Events["CoursePurchased"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// CoursePurchasedEvent is the decoded form of one CoursePurchased log.
type CoursePurchasedEvent struct {
	CourseID *big.Int
	Student  common.Address
	Price    *big.Int
}

// DecodeCoursePurchased decodes a single log already known to carry the
// CoursePurchased signature. courseId and student are indexed topics; price
// sits in the data segment.
func DecodeCoursePurchased(lg *types.Log) (*CoursePurchasedEvent, error) {
	if len(lg.Topics) != 3 {
		return nil, fmt.Errorf("malformed CoursePurchased log: expected 3 topics, got %d", len(lg.Topics))
	}
	if lg.Topics[0] != CoursePurchasedID {
		return nil, fmt.Errorf("log is not a CoursePurchased event")
	}

	values, err := marketplaceABI.Unpack("CoursePurchased", lg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack CoursePurchased data: %w", err)
	}
	price, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected CoursePurchased price type %T", values[0])
	}

	return &CoursePurchasedEvent{
		CourseID: new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		Student:  common.BytesToAddress(lg.Topics[2].Bytes()),
		Price:    price,
	}, nil
}
