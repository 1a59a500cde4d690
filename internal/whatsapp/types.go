package whatsapp

// --- Webhook payload types (Cloud API "whatsapp_business_account" deliveries) ---

// WebhookPayload is the top-level webhook delivery.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change wraps a single change notification. Value is a pointer so a change
// without a value object can be told apart from an empty one.
type Change struct {
	Field string       `json:"field"`
	Value *ChangeValue `json:"value"`
}

// FirstValue returns entry[0].changes[0].value, or nil when any level is missing.
func (p *WebhookPayload) FirstValue() *ChangeValue {
	if p == nil || len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 {
		return nil
	}
	return p.Entry[0].Changes[0].Value
}

type ChangeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         *Metadata `json:"metadata,omitempty"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// LastMessage returns the newest message of the batch, or nil when there is none.
func (v *ChangeValue) LastMessage() *Message {
	if v == nil || len(v.Messages) == 0 {
		return nil
	}
	return &v.Messages[len(v.Messages)-1]
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is one inbound user message. At most one of Text, Image, Audio is
// expected to be set; other message types leave all three nil.
type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *Text  `json:"text,omitempty"`
	Image     *Image `json:"image,omitempty"`
	Audio     *Audio `json:"audio,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type Image struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

type Audio struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// Status is a delivery/read receipt. Status-only callbacks carry no messages.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// --- Outbound types ---

type sendRequest struct {
	MessagingProduct string    `json:"messaging_product"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             *Text     `json:"text,omitempty"`
	Audio            *mediaRef `json:"audio,omitempty"`
}

type mediaRef struct {
	ID string `json:"id"`
}

type uploadResponse struct {
	ID string `json:"id"`
}

type mediaLookupResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	ID       string `json:"id"`
}
