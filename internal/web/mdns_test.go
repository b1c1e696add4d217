package web

import (
	"slices"
	"testing"
)

func TestListenPort(t *testing.T) {
	tests := []struct {
		addr    string
		want    int
		wantErr bool
	}{
		{":8080", 8080, false},
		{"0.0.0.0:80", 80, false},
		{"[::1]:65535", 65535, false},
		{"8080", 0, true},
		{":0", 0, true},
		{":http", 0, true},
		{"host:70000", 0, true},
	}
	for _, tt := range tests {
		got, err := listenPort(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("listenPort(%q) err = %v, wantErr %v", tt.addr, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("listenPort(%q) = %d, want %d", tt.addr, got, tt.want)
		}
	}
}

func TestTXTRecords(t *testing.T) {
	got := txtRecords("1.2.0", "192.168.1.40")
	want := []string{"path=/api", "ws=/ws", "version=1.2.0", "controller=192.168.1.40"}
	if !slices.Equal(got, want) {
		t.Errorf("txtRecords = %v, want %v", got, want)
	}

	if got := txtRecords("", ""); len(got) != 2 {
		t.Errorf("empty txtRecords = %v", got)
	}
}
