package tgui

import "testing"

func TestHTML(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		got  H
		want string
	}{
		{"escape", Esc(`a<b>&"c"`), "a&lt;b&gt;&amp;&#34;c&#34;"},
		{"bold", B("x & y"), "<b>x &amp; y</b>"},
		{"join skips blanks", JoinH(" ", B("a"), Esc("  "), Esc("b")), "<b>a</b> b"},
		{"join nothing", JoinH(","), ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.got.String() != tt.want {
				t.Fatalf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hell…"},
		{"héllo", 2, "hé…"},
		{"日本語テキスト", 3, "日本語…"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
