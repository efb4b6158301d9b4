package events

// Event type constants
const (
	EventTypeNewMail        = "new_mail"
	EventTypeDeliveryStatus = "delivery_status"
)

// NewMail is the payload of a new_mail event
type NewMail struct {
	From           string `json:"from"`
	Subject        string `json:"subject"`
	HasAttachments bool   `json:"hasAttachments"`
	Filename       string `json:"filename,omitempty"`
}

// DeliveryStatus is the payload of a delivery_status event sent to the
// owner of an outbound message when a recipient's delivery settles.
type DeliveryStatus struct {
	Filename  string `json:"filename"`
	Recipient string `json:"recipient"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}
