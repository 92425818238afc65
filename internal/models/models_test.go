package models

import "testing"

func TestConversation_Participants(t *testing.T) {
	c := Conversation{ID: 1, ListingID: 7, BuyerID: 10, SellerID: 20}

	tests := []struct {
		name     string
		userID   uint
		wantPart bool
		wantPeer uint
	}{
		{"buyer", 10, true, 20},
		{"seller", 20, true, 10},
		{"stranger", 30, false, 0},
		{"zero", 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.HasParticipant(tt.userID); got != tt.wantPart {
				t.Errorf("HasParticipant(%d) = %v, want %v", tt.userID, got, tt.wantPart)
			}
			if got := c.Peer(tt.userID); got != tt.wantPeer {
				t.Errorf("Peer(%d) = %v, want %v", tt.userID, got, tt.wantPeer)
			}
		})
	}
}
