package protocol

import "testing"

func TestTopicBuilders(t *testing.T) {
	if got := CommandTopic("m-1"); got != "machines/m-1/commands" {
		t.Errorf("CommandTopic: got %s", got)
	}
	if got := StatusTopic("m-1"); got != "machines/m-1/status" {
		t.Errorf("StatusTopic: got %s", got)
	}
	if got := HeartbeatTopic("m-1"); got != "machines/m-1/heartbeat" {
		t.Errorf("HeartbeatTopic: got %s", got)
	}
}

func TestMachineIDFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"machines/m-1/status", "m-1", true},
		{"machines/m-1/heartbeat", "m-1", true},
		{"machines/m-1/commands", "m-1", true},
		{"machines/m-1/unknown", "", false},
		{"machines//status", "", false},
		{"other/m-1/status", "", false},
		{"machines/m-1", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		id, ok := MachineIDFromTopic(tt.topic)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("MachineIDFromTopic(%q) = (%q, %v), want (%q, %v)", tt.topic, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
