package rules

import "testing"

func TestContentFilter(t *testing.T) {
	f := NewContentFilter(DefaultFilterConfig())
	tests := []struct {
		in   string
		want string
	}{
		{"", "empty"},
		{"a", "too short"},
		{"😀😀", "emoji only"},
		{"👍 ❤️", "emoji only"},
		{"12 34", "digits only"},
		{"?!...", "punctuation only"},
		{"哈哈哈哈", "repetitive"},
		{"aaab", "repetitive"},
		{"你好", ""},
		{"is this in stock?", ""},
	}
	for _, tt := range tests {
		if got := f.Check(tt.in); got != tt.want {
			t.Errorf("Check(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentFilter_Keywords(t *testing.T) {
	cfg := DefaultFilterConfig()
	cfg.Keywords = []string{"Price", " "}
	f := NewContentFilter(cfg)
	if !f.Allow("what is the PRICE today") {
		t.Error("keyword hit rejected")
	}
	if f.Allow("nice stream today") {
		t.Error("line without keyword allowed")
	}
}

func TestStripPunctuation(t *testing.T) {
	got := StripPunctuation("多少钱？（包邮）, ok!")
	if want := "多少钱包邮 ok"; got != want {
		t.Errorf("StripPunctuation = %q, want %q", got, want)
	}
}

func TestParseDispatchMode(t *testing.T) {
	tests := map[string]DispatchMode{"": PickOne, "ALL": SendAll, "send_all": SendAll, "pick_one": PickOne}
	for in, want := range tests {
		if got, err := ParseDispatchMode(in); err != nil || got != want {
			t.Errorf("ParseDispatchMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseDispatchMode("shuffle"); err == nil {
		t.Error("ParseDispatchMode(shuffle) returned no error")
	}
}
