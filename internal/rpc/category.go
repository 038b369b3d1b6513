package rpc

import "time"

// MethodCategory classifies a Solana-family RPC method for the purposes of
// cacheability, default TTL, and routing preference. Unknown methods default
// to Realtime.
type MethodCategory int

const (
	CategoryRealtime MethodCategory = iota
	CategoryAccount
	CategoryTransaction
	CategoryBlock
	CategoryStatic
	CategorySubscription
)

func (c MethodCategory) String() string {
	switch c {
	case CategoryRealtime:
		return "realtime"
	case CategoryAccount:
		return "account"
	case CategoryTransaction:
		return "transaction"
	case CategoryBlock:
		return "block"
	case CategoryStatic:
		return "static"
	case CategorySubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

var methodCategories = map[string]MethodCategory{
	// Realtime
	"getSlot":             CategoryRealtime,
	"getBlockHeight":       CategoryRealtime,
	"getRecentBlockhash":   CategoryRealtime,
	"getLatestBlockhash":   CategoryRealtime,
	"getEpochInfo":         CategoryRealtime,
	"getHealth":            CategoryRealtime,
	"getVersion":           CategoryRealtime,
	"getInflationGovernor": CategoryRealtime,
	"getInflationRate":     CategoryRealtime,
	"getInflationReward":   CategoryRealtime,

	// Account
	"getAccountInfo":             CategoryAccount,
	"getBalance":                 CategoryAccount,
	"getTokenAccountBalance":     CategoryAccount,
	"getTokenSupply":             CategoryAccount,
	"getTokenAccountsByOwner":    CategoryAccount,
	"getTokenAccountsByDelegate": CategoryAccount,
	"getProgramAccounts":         CategoryAccount,
	"getMultipleAccounts":        CategoryAccount,

	// Transaction
	"getTransaction":                CategoryTransaction,
	"getSignatureStatuses":          CategoryTransaction,
	"getSignaturesForAddress":       CategoryTransaction,
	"sendTransaction":               CategoryTransaction,
	"simulateTransaction":           CategoryTransaction,
	"getRecentPerformanceSamples":   CategoryTransaction,
	"getTransactionCount":           CategoryTransaction,

	// Block
	"getBlock":             CategoryBlock,
	"getBlockCommitment":   CategoryBlock,
	"getBlocks":            CategoryBlock,
	"getBlocksWithLimit":   CategoryBlock,
	"getFirstAvailableBlock": CategoryBlock,
	"getBlockProduction":   CategoryBlock,
	"getBlockTime":         CategoryBlock,

	// Static
	"getGenesisHash":                   CategoryStatic,
	"getIdentity":                     CategoryStatic,
	"getClusterNodes":                 CategoryStatic,
	"getVoteAccounts":                 CategoryStatic,
	"getLeaderSchedule":                CategoryStatic,
	"getMinimumBalanceForRentExemption": CategoryStatic,
	"getFeeForMessage":                 CategoryStatic,
	"getFees":                          CategoryStatic,
	"getRecentPrioritizationFees":      CategoryStatic,

	// Subscription
	"accountSubscribe":    CategorySubscription,
	"accountUnsubscribe":  CategorySubscription,
	"programSubscribe":    CategorySubscription,
	"programUnsubscribe":  CategorySubscription,
	"signatureSubscribe":  CategorySubscription,
	"signatureUnsubscribe": CategorySubscription,
	"slotSubscribe":        CategorySubscription,
	"slotUnsubscribe":      CategorySubscription,
	"rootSubscribe":        CategorySubscription,
	"rootUnsubscribe":      CategorySubscription,
	"logsSubscribe":        CategorySubscription,
	"logsUnsubscribe":      CategorySubscription,
}

// defaultCriticalMethods is the default critical-set consulted by the
// consensus engine when a config does not override it.
var defaultCriticalMethods = map[string]bool{
	"sendTransaction":      true,
	"getAccountInfo":       true,
	"getBalance":           true,
	"getSignatureStatuses": true,
	"getTransaction":       true,
}

// CategoryOf returns the method's category, defaulting unknown methods to
// Realtime.
func CategoryOf(method string) MethodCategory {
	if c, ok := methodCategories[method]; ok {
		return c
	}
	return CategoryRealtime
}

// Cacheable reports whether a method's category is eligible for response
// caching: Account, Block, and Static.
func Cacheable(method string) bool {
	switch CategoryOf(method) {
	case CategoryAccount, CategoryBlock, CategoryStatic:
		return true
	default:
		return false
	}
}

// DefaultTTL returns the category-driven TTL for a cacheable method, or
// false if the method isn't cacheable.
func DefaultTTL(method string) (time.Duration, bool) {
	switch CategoryOf(method) {
	case CategoryStatic:
		return 3600 * time.Second, true
	case CategoryAccount:
		return 10 * time.Second, true
	case CategoryBlock:
		return 60 * time.Second, true
	default:
		return 0, false
	}
}

// DefaultCritical reports whether method is in the default critical-set
// consulted by the consensus engine.
func DefaultCritical(method string) bool {
	return defaultCriticalMethods[method]
}

// IsSubscribe / IsUnsubscribe classify a WebSocket-side method name into the
// subscribe/unsubscribe buckets the multiplexer dispatches on.
func IsSubscribe(method string) bool {
	return len(method) > len("Subscribe") && method[len(method)-len("Subscribe"):] == "Subscribe"
}

func IsUnsubscribe(method string) bool {
	return len(method) > len("Unsubscribe") && method[len(method)-len("Unsubscribe"):] == "Unsubscribe"
}
