package chain

const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Both venue routers share this surface.
const routerABI = `[
	{"type":"function","name":"getAmountOut","stateMutability":"view","inputs":[{"name":"token","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"isBuy","type":"bool"}],"outputs":[{"name":"amountOut","type":"uint256"}]},
	{"type":"function","name":"buy","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
		{"name":"amountOutMin","type":"uint256"},
		{"name":"token","type":"address"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}
	]}],"outputs":[]},
	{"type":"function","name":"sell","stateMutability":"nonpayable","inputs":[{"name":"params","type":"tuple","components":[
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMin","type":"uint256"},
		{"name":"token","type":"address"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}
	]}],"outputs":[]}
]`
