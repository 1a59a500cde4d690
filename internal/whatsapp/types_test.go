package whatsapp

import (
	"encoding/json"
	"testing"
)

func TestWebhookPayload_FirstValue(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantNil bool
	}{
		{"no entry", `{"object":"whatsapp_business_account"}`, true},
		{"empty entry", `{"entry":[]}`, true},
		{"no changes", `{"entry":[{"id":"1"}]}`, true},
		{"no value", `{"entry":[{"changes":[{"field":"messages"}]}]}`, true},
		{"value", `{"entry":[{"changes":[{"value":{}}]}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p WebhookPayload
			if err := json.Unmarshal([]byte(tt.body), &p); err != nil {
				t.Fatal(err)
			}
			if got := p.FirstValue(); (got == nil) != tt.wantNil {
				t.Fatalf("FirstValue() = %v, want nil=%v", got, tt.wantNil)
			}
		})
	}
}

func TestChangeValue_LastMessage(t *testing.T) {
	body := `{"messages":[
		{"from":"1","type":"text","text":{"body":"first"}},
		{"from":"2","type":"image","image":{"id":"img-1"}}
	]}`
	var v ChangeValue
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatal(err)
	}
	m := v.LastMessage()
	if m == nil || m.From != "2" || m.Image == nil || m.Text != nil {
		t.Fatalf("unexpected last message %+v", m)
	}

	var empty ChangeValue
	if empty.LastMessage() != nil {
		t.Fatal("expected nil for no messages")
	}
}
