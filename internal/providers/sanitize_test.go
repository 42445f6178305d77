package providers

import "testing"

func TestSanitizeReply(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"  hello there \n", 0, "hello there"},
		{"<think>the user wants a price</think>It is **9.99** today", 0, "It is 9.99 today"},
		{"<final>\"line one\nline two\"</final>", 0, "line one line two"},
		{"NO_REPLY", 0, ""},
		{"nothing to add. NO_REPLY", 0, ""},
		{"NO_REPLYING is a word", 0, "NO_REPLYING is a word"},
		{"abcdefghij", 4, "abcd"},
		{"你好呀朋友们", 3, "你好呀"},
	}
	for _, tt := range tests {
		if got := SanitizeReply(tt.in, tt.max); got != tt.want {
			t.Errorf("SanitizeReply(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
