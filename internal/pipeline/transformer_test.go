package pipeline

import "testing"

func TestFormatOfKey(t *testing.T) {
	cases := map[string]string{
		"outputs/rm-1/result.png":  "png",
		"outputs/rm-1/result.jpg":  "jpeg",
		"/tmp/out/rm-2.webp":       "webp",
		"outputs/rm-3/result.JPEG": "jpeg",
		"outputs/rm-4/result":      "",
		"":                         "",
	}
	for key, want := range cases {
		if got := FormatOfKey(key); got != want {
			t.Fatalf("FormatOfKey(%q) = %q, want %q", key, got, want)
		}
	}
}
