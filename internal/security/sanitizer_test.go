package security

import "testing"

func TestStripTags(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "空文字", in: "", want: ""},
		{name: "プレーンテキストはそのまま", in: "evt-42", want: "evt-42"},
		{name: "スラッシュを保持", in: "org/evt 1", want: "org/evt 1"},
		{name: "タグを除去", in: "<b>evt</b>-42", want: "evt-42"},
		{name: "scriptは中身ごと除去", in: "<script>alert(1)</script>evt", want: "evt"},
		{name: "イベント属性を除去", in: `<img src=x onerror="alert(1)">evt`, want: "evt"},
		{name: "記号は元に戻す", in: "a&b's", want: "a&b's"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripTags(tt.in); got != tt.want {
				t.Errorf("StripTags(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripTags_Idempotent(t *testing.T) {
	in := `<p>join <a href="javascript:x">evt</a></p>`
	once := StripTags(in)
	if twice := StripTags(once); twice != once {
		t.Errorf("StripTags is not idempotent: %q -> %q", once, twice)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "  evt-42\n", want: "evt-42"},
		{in: "evt\x00-42\t", want: "evt-42"},
		{in: " <i>evt</i> ", want: "evt"},
		{in: "<style>p{}</style>", want: ""},
	}

	for _, tt := range tests {
		if got := CleanText(tt.in); got != tt.want {
			t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
