package protocol

// DeliveryNotice is the relay-originated receipt.delivered frame pushed
// to a sender when its message reaches the recipient. It is not an
// envelope: the relay cannot sign on an agent's behalf, so the frame is
// a bare notification and delivery is fire-and-forget.
type DeliveryNotice struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Timestamp string `json:"timestamp"`
	To        string `json:"to"`
}

// NewDeliveryNotice builds a receipt.delivered notice for messageID,
// naming the recipient it reached.
func NewDeliveryNotice(messageID, recipient string) DeliveryNotice {
	return DeliveryNotice{
		Type:      string(TypeReceiptDelivered),
		MessageID: messageID,
		Timestamp: Now(),
		To:        recipient,
	}
}
