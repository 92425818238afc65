package events

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Inbound
		wantErr error
	}{
		{"join", `{"event":"join_conversation","data":{"conversationId":4}}`, JoinConversation{ConversationID: 4}, nil},
		{"leave", `{"event":"leave_conversation","data":{"conversationId":4}}`, LeaveConversation{ConversationID: 4}, nil},
		{"typing", `{"event":"typing","data":{"conversationId":9}}`, Typing{ConversationID: 9}, nil},
		{"stop typing", `{"event":"stop_typing","data":{"conversationId":9}}`, StopTyping{ConversationID: 9}, nil},
		{"mark read", `{"event":"mark_read","data":{"conversationId":2}}`, MarkRead{ConversationID: 2}, nil},
		{"online status", `{"event":"check_online_status","data":{"userIds":[1,2]}}`, CheckOnlineStatus{UserIDs: []uint{1, 2}}, nil},
		{"send", `{"event":"send_message","data":{"conversationId":3,"content":"hi"}}`, SendMessage{ConversationID: 3, Content: "hi"}, nil},
		{"bare join", `{"event":"join_conversation","data":4}`, JoinConversation{ConversationID: 4}, nil},
		{"bare mark read", `{"event":"mark_read","data":2}`, MarkRead{ConversationID: 2}, nil},
		{"bare online status", `{"event":"check_online_status","data":[3,5]}`, CheckOnlineStatus{UserIDs: []uint{3, 5}}, nil},
		{"bare send", `{"event":"send_message","data":"hi"}`, nil, ErrMalformed},
		{"null data", `{"event":"typing","data":null}`, nil, ErrMalformed},
		{"bare zero", `{"event":"leave_conversation","data":0}`, nil, ErrMalformed},
		{"unknown", `{"event":"dance","data":{}}`, nil, ErrUnknownEvent},
		{"not json", `hello`, nil, ErrMalformed},
		{"missing data", `{"event":"typing"}`, nil, ErrMalformed},
		{"zero conversation", `{"event":"join_conversation","data":{}}`, nil, ErrMalformed},
		{"wrong type", `{"event":"mark_read","data":{"conversationId":"x"}}`, nil, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %#v, want %#v", got, tt.want)
			}
			if got.Name() != tt.want.Name() {
				t.Errorf("Name() = %q, want %q", got.Name(), tt.want.Name())
			}
		})
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode(MessagesRead, MessagesReadPayload{ConversationID: 1, ReadBy: 2, Count: 3})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var got struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != MessagesRead {
		t.Errorf("event = %q, want %q", got.Event, MessagesRead)
	}
	if got.Data["readBy"] != float64(2) || got.Data["count"] != float64(3) {
		t.Errorf("data = %v, want readBy=2 count=3", got.Data)
	}
}
