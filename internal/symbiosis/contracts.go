package symbiosis

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// SIS token on Ethereum mainnet
var SISAddress = common.HexToAddress("0xd38BB40815d2B0c2d2c866e0c72c5728ffC76dd9")

// veSIS voting escrow ABI. locked() returns the LockedBalance struct
// (amount, end) of a user.
const VeSISABIJSON = `[
	{
		"inputs": [{"internalType": "address", "name": "", "type": "address"}],
		"name": "locked",
		"outputs": [
			{"internalType": "int128", "name": "amount", "type": "int128"},
			{"internalType": "uint256", "name": "end", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

var VeSISABI abi.ABI

func init() {
	var err error
	VeSISABI, err = abi.JSON(strings.NewReader(VeSISABIJSON))
	if err != nil {
		panic("failed to parse veSIS ABI: " + err.Error())
	}
}
