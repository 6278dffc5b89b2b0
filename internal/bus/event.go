package bus

import "time"

// Event is a single item on the in-process bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published on the bus. Subscribers filter by prefix, so the
// namespaces below group related kinds.
const (
	// transport.* — connection lifecycle of the gateway socket.
	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"
	KindTransportError        = "transport.error"
	KindTransportSendFailed   = "transport.send_failed"

	// gateway.* — server events decoded by the transport adapter.
	KindGatewayMessage       = "gateway.message_new"
	KindGatewayMessageSent   = "gateway.message_sent"
	KindGatewayMessageRead   = "gateway.message_read"
	KindGatewayTyping        = "gateway.typing"
	KindGatewayOfflineBatch  = "gateway.offline_batch"
	KindGatewayConversations = "gateway.conversation_list"

	// outbox.* — optimistic send lifecycle.
	KindOutboxStatus = "outbox.status"

	// chat.* — derived state for the presentation layer.
	KindChatUpdated       = "chat.updated"
	KindChatTypingChanged = "chat.typing_changed"

	// engine.* — connectivity changes.
	KindConnectivity = "engine.connectivity"
)
