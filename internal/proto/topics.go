package proto

// Topics the core dispatches on.
const (
	TopicRecord         = "R"
	TopicRPC            = "P"
	TopicListenPatterns = "L" // cluster-internal, carried over internal/cluster rather than the wire
)

// Record actions.
const (
	ActionRead                       = "R"
	ActionUpdate                     = "U"
	ActionUnsubscribe                = "US"
	ActionListen                     = "L"
	ActionUnlisten                   = "UL"
	ActionListenAccept                = "LA"
	ActionListenReject                = "LR"
	ActionSubscriptionForPatternFound   = "SP"
	ActionSubscriptionForPatternRemoved = "SR"
	ActionSubscriptionHasProvider       = "SH"
)

// RPC actions.
const (
	ActionProvide   = "PR"
	ActionUnprovide = "UPR"
	ActionRequest   = "REQ"
	ActionAccept    = "A"
	ActionReject    = "REJ"
	ActionResponse  = "RES"
	ActionError     = "E"
)

// Error codes sent back to an offending or timed-out socket.
const (
	ErrInvalidMessageData      = "INVALID_MESSAGE_DATA"
	ErrInvalidVersion          = "INVALID_VERSION"
	ErrUnknownAction           = "UNKNOWN_ACTION"
	ErrRecordLoadError         = "RECORD_LOAD_ERROR"
	ErrRecordUpdateError       = "RECORD_UPDATE_ERROR"
	ErrMultipleSubscriptions   = "MULTIPLE_SUBSCRIPTIONS"
	ErrNotSubscribed           = "NOT_SUBSCRIBED"
	ErrMultipleAccept          = "MULTIPLE_ACCEPT"
	ErrInvalidRPCCorrelationID = "INVALID_RPC_CORRELATION_ID"
	ErrAcceptTimeout           = "ACCEPT_TIMEOUT"
	ErrResponseTimeout         = "RESPONSE_TIMEOUT"
	ErrNoRPCProvider           = "NO_RPC_PROVIDER"
)
