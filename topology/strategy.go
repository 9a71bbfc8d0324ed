package topology

// Peer configuration strategies, see [SelectConfigurator].
const (
	StrategyAuto    = "auto"
	StrategyNetlink = "netlink"
	StrategyCommand = "command"
)
