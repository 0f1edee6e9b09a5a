package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ContractABI is the interface of the on-chain grid contest contract.
const ContractABI = `[
 {"type":"function","name":"createGame","stateMutability":"payable","inputs":[
   {"name":"gridSize","type":"uint256"},{"name":"gameDuration","type":"uint256"},
   {"name":"maxPlayers","type":"uint256"},{"name":"stakeAmount","type":"uint256"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"joinGame","stateMutability":"payable","inputs":[{"name":"gameId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"registerSession","stateMutability":"nonpayable","inputs":[
   {"name":"gameId","type":"uint256"},{"name":"session","type":"address"}],"outputs":[]},
 {"type":"function","name":"startGame","stateMutability":"nonpayable","inputs":[{"name":"gameId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"paintCell","stateMutability":"nonpayable","inputs":[
   {"name":"gameId","type":"uint256"},{"name":"x","type":"uint256"},{"name":"y","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"endGame","stateMutability":"nonpayable","inputs":[{"name":"gameId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getGameInfo","stateMutability":"view","inputs":[{"name":"gameId","type":"uint256"}],
  "outputs":[
   {"name":"creator","type":"address"},{"name":"players","type":"address[]"},
   {"name":"startTime","type":"uint256"},{"name":"gameDuration","type":"uint256"},
   {"name":"gridSize","type":"uint256"},{"name":"maxPlayers","type":"uint256"},
   {"name":"stakeAmount","type":"uint256"},{"name":"totalStake","type":"uint256"},
   {"name":"isActive","type":"bool"},{"name":"isFinished","type":"bool"},
   {"name":"winner","type":"address"}]},
 {"type":"function","name":"getCellOwner","stateMutability":"view","inputs":[
   {"name":"gameId","type":"uint256"},{"name":"x","type":"uint256"},{"name":"y","type":"uint256"}],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"getPaintTokens","stateMutability":"view","inputs":[
   {"name":"gameId","type":"uint256"},{"name":"player","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getCellCount","stateMutability":"view","inputs":[
   {"name":"gameId","type":"uint256"},{"name":"player","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"GameCreated","anonymous":false,"inputs":[
   {"name":"gameId","type":"uint256","indexed":true},{"name":"creator","type":"address","indexed":true}]},
 {"type":"event","name":"CellPainted","anonymous":false,"inputs":[
   {"name":"gameId","type":"uint256","indexed":true},{"name":"player","type":"address","indexed":true},
   {"name":"x","type":"uint256","indexed":false},{"name":"y","type":"uint256","indexed":false}]}
]`

var contractABI = mustParseABI(ContractABI)

var (
	// CellPaintedTopic is the topic0 of the per-claim notification.
	CellPaintedTopic = contractABI.Events["CellPainted"].ID
	// GameCreatedTopic is the topic0 emitted when a record is created.
	GameCreatedTopic = contractABI.Events["GameCreated"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid contract abi: " + err.Error())
	}
	return parsed
}
