package handler

import (
	"net/http/httptest"
	"testing"
)

func TestIfMatchVersion(t *testing.T) {
	tests := []struct {
		name    string
		ifMatch string
		want    int64
	}{
		{"absent", "", 0},
		{"current", `"group-g1-3"`, 3},
		{"other group", `"group-g2-3"`, -1},
		{"other resource", `"user-g1-3"`, -1},
		{"never stored", `"group-g1-0"`, -1},
		{"unquoted", `group-g1-3`, -1},
		{"garbage version", `"group-g1-x"`, -1},
		{"wildcard", `*`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/", nil)
			if tt.ifMatch != "" {
				r.Header.Set("If-Match", tt.ifMatch)
			}
			if got := IfMatchVersion(r, "group", "g1"); got != tt.want {
				t.Errorf("IfMatchVersion(%q) = %d, want %d", tt.ifMatch, got, tt.want)
			}
		})
	}
}
