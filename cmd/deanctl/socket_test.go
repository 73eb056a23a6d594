package main

import "testing"

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, "[]"},
		{[]string{"list"}, "['list']"},
		{[]string{"config", "AA:BB:CC:DD:EE:FF", "name", "Kitchen Sensor"}, "['config', 'AA:BB:CC:DD:EE:FF', 'name', 'Kitchen Sensor']"},
	}
	for _, tt := range tests {
		got := encodeCommand(tt.args)
		if got != tt.want {
			t.Errorf("encodeCommand(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestColorizeConnectedLeavesPlainOutputUntouchedWithoutATerminal(t *testing.T) {
	reply := "Address             Type      Name           Location       Connected \nAA:BB:CC:DD:EE:01   sound     kettle         KITCHEN        true      \n"
	if got := colorizeConnected(reply); got != reply {
		t.Errorf("colorizeConnected should be a no-op when stdout isn't a terminal, got %q", got)
	}
}
