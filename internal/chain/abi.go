package chain

// MiningABI is the ABI of the round-based mining contract.
const MiningABI = `[
	{
		"inputs": [],
		"name": "getCurrentRound",
		"outputs": [
			{"name": "id", "type": "uint256"},
			{"name": "startTime", "type": "uint256"},
			{"name": "seedHash", "type": "bytes32"},
			{"name": "bestMiner", "type": "address"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "minRoundDuration",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "roundId", "type": "uint256"},
			{"name": "nonce", "type": "uint256"}
		],
		"name": "submitNonce",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "endRound",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "key", "type": "address"},
			{"name": "expiry", "type": "uint64"}
		],
		"name": "authorizeSession",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [{"name": "owner", "type": "address"}],
		"name": "sessionOf",
		"outputs": [
			{"name": "key", "type": "address"},
			{"name": "expiry", "type": "uint64"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "Unauthorized",
		"type": "error"
	},
	{
		"inputs": [
			{"name": "roundId", "type": "uint256"}
		],
		"name": "RoundClosed",
		"type": "error"
	},
	{
		"inputs": [],
		"name": "NotImproved",
		"type": "error"
	}
]`

// TokenABI is the subset of the ERC-20 reward token ABI the miner uses.
const TokenABI = `[
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	}
]`
