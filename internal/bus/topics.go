package bus

import (
	"execflow/internal/model"
)

// StreamTopic is the topic a connection publishes decoded payloads on:
// <venue>.<kind>.<env>/<channel>.
func StreamTopic(account model.AccountType, channel model.Channel) string {
	return account.String() + "/" + string(channel)
}

// Topics the cache republishes on after applying an update.
const (
	TopicOrderPending         = "order.pending"
	TopicOrderAccepted        = "order.accepted"
	TopicOrderPartiallyFilled = "order.partially_filled"
	TopicOrderFilled          = "order.filled"
	TopicOrderCanceled        = "order.canceled"
	TopicOrderFailed          = "order.failed"
	TopicOrderCancelFailed    = "order.cancel_failed"
	TopicBookL1               = "bookl1"
	TopicTrade                = "trade"
	TopicKline                = "kline"
	TopicBalance              = "balance"
	TopicPosition             = "position"
)

// OrderTopic maps an order status to its notification topic.
func OrderTopic(status model.OrderStatus) string {
	switch status {
	case model.StatusPending:
		return TopicOrderPending
	case model.StatusAccepted:
		return TopicOrderAccepted
	case model.StatusPartiallyFilled:
		return TopicOrderPartiallyFilled
	case model.StatusFilled:
		return TopicOrderFilled
	case model.StatusCanceled:
		return TopicOrderCanceled
	case model.StatusFailed:
		return TopicOrderFailed
	case model.StatusCancelFailed:
		return TopicOrderCancelFailed
	default:
		return ""
	}
}
