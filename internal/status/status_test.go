package status

import "testing"

func TestRollup(t *testing.T) {
	tests := []struct {
		name string
		in   []Status
		want Status
	}{
		{"empty", nil, Stopped},
		{"all stopped", []Status{Stopped, Stopped}, Stopped},
		{"all ok", []Status{OK, OK, OK}, OK},
		{"any nok wins", []Status{OK, NOK, Stopped}, NOK},
		{"mixed ok and stopped is warning", []Status{OK, Stopped}, Warning},
		{"single warning stays warning", []Status{Warning}, Warning},
		{"nok beats warning", []Status{Warning, NOK}, NOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rollup(tt.in); got != tt.want {
				t.Errorf("Rollup(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		OK:          "OK",
		NOK:         "NOK",
		Warning:     "WARNING",
		Stopped:     "STOPPED",
		Status(999): "UNKNOWN",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}
