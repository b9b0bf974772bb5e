package schema

import (
	"strings"
	"testing"
)

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte(`{"format":"ndjson","mapping":{"content_path":"text"}}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Format != FormatNDJSON {
		t.Errorf("format = %q", cfg.Format)
	}
	if cfg.Chunking.Strategy != StrategyNone {
		t.Errorf("expected default strategy none, got %q", cfg.Chunking.Strategy)
	}
	if cfg.Chunking.MaxChars != DefaultMaxChars || cfg.Chunking.Overlap != DefaultOverlap {
		t.Errorf("defaults not applied: %+v", cfg.Chunking)
	}
	if cfg.HasValidator() {
		t.Error("no validator expected")
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"bad json", `{`},
		{"bad format", `{"format":"xml","mapping":{"content_path":"text"}}`},
		{"missing content path", `{"format":"ndjson","mapping":{}}`},
		{"bad validation schema", `{"mapping":{"content_path":"t"},"validation_schema":{"type":12}}`},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.in)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestEmptyFormatAllowed(t *testing.T) {
	// Empty format means the parser auto-detects from the file.
	cfg, err := Parse([]byte(`{"mapping":{"content_path":"text"}}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Format != "" {
		t.Errorf("format = %q, want empty", cfg.Format)
	}
}

func TestValidateItem(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"format": "ndjson",
		"mapping": {"content_path": "text"},
		"validation_schema": {
			"type": "object",
			"required": ["text"],
			"properties": {"text": {"type": "string"}}
		}
	}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !cfg.HasValidator() {
		t.Fatal("validator expected")
	}

	good := map[string]interface{}{"text": "hello"}
	if errs, err := cfg.ValidateItem(good, 0); err != nil || len(errs) != 0 {
		t.Errorf("valid item rejected: %v %v", errs, err)
	}

	bad := map[string]interface{}{"text": 42}
	errs, err := cfg.ValidateItem(bad, 3)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(errs) == 0 {
		t.Fatal("invalid item accepted")
	}
	if errs[0].Index != 3 {
		t.Errorf("index = %d, want 3", errs[0].Index)
	}
	if !strings.Contains(errs[0].String(), "item 3") {
		t.Errorf("unexpected error string: %s", errs[0])
	}
}

func TestResolvePath(t *testing.T) {
	obj := map[string]interface{}{
		"title": "doc",
		"meta":  map[string]interface{}{"author": "kim"},
		"items": []interface{}{
			map[string]interface{}{"content": "first"},
			map[string]interface{}{"content": "second"},
		},
	}

	cases := []struct {
		path string
		want interface{}
	}{
		{"title", "doc"},
		{".title", "doc"},
		{"meta.author", "kim"},
		{"items[0].content", "first"},
		{"items[1].content", "second"},
		{"items[2].content", nil},
		{"missing", nil},
		{"title.sub", nil},
		{"meta[0]", nil},
		{"", nil},
	}
	for _, tc := range cases {
		if got := ResolvePath(tc.path, obj); got != tc.want {
			t.Errorf("ResolvePath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}

	if got := ResolvePath("title", nil); got != nil {
		t.Errorf("nil object should resolve to nil, got %v", got)
	}
}

func TestChunkNone(t *testing.T) {
	c := NewChunker(Chunking{Strategy: StrategyNone}, nil)
	if got := c.Chunk("hello"); len(got) != 1 || got[0] != "hello" {
		t.Errorf("got %v", got)
	}
	if got := c.Chunk(""); got != nil {
		t.Errorf("empty text should yield no chunks, got %v", got)
	}
}

func TestChunkRecursive(t *testing.T) {
	c := NewChunker(Chunking{Strategy: StrategyRecursive, MaxChars: 10, Overlap: 3}, nil)

	short := "under ten"
	if got := c.Chunk(short); len(got) != 1 || got[0] != short {
		t.Fatalf("short text should be one chunk, got %v", got)
	}

	text := strings.Repeat("abcdefghij", 5) // 50 chars
	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch) > 10 {
			t.Errorf("chunk %d exceeds max_chars: %d", i, len(ch))
		}
	}
	// Windows step by max_chars-overlap, so consecutive chunks overlap by 3.
	if chunks[0][7:] != chunks[1][:3] {
		t.Errorf("overlap mismatch: %q vs %q", chunks[0], chunks[1])
	}
	// Last chunk ends exactly at the end of the text.
	last := chunks[len(chunks)-1]
	if !strings.HasSuffix(text, last) {
		t.Errorf("last chunk %q is not a suffix of text", last)
	}
}

func TestChunkRecursiveTerminates(t *testing.T) {
	// Degenerate overlap still advances by at least one char.
	c := NewChunker(Chunking{Strategy: StrategyRecursive, MaxChars: 5, Overlap: 5}, nil)
	chunks := c.Chunk(strings.Repeat("x", 20))
	if len(chunks) == 0 || len(chunks) > 20 {
		t.Fatalf("unexpected chunk count %d", len(chunks))
	}
}

func TestChunkTokenAwareDegrades(t *testing.T) {
	// Without a usable token counter the windows fall back to max_tokens*4 chars.
	c := NewChunker(Chunking{Strategy: StrategyTokenAware, MaxTokens: 5, OverlapTokens: 1}, nil)
	text := strings.Repeat("a", 50)
	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("expected degraded char chunking to split, got %d chunks", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch) > 20 {
			t.Errorf("chunk %d exceeds 20 chars: %d", i, len(ch))
		}
	}
}

// runeCodec tokenizes one rune per id, making window boundaries easy to
// assert.
type runeCodec struct{}

func (runeCodec) Available() bool { return true }

func (runeCodec) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return ids
}

func (runeCodec) Decode(ids []int) string {
	rs := make([]rune, len(ids))
	for i, id := range ids {
		rs[i] = rune(id)
	}
	return string(rs)
}

func TestChunkTokenAwareWindows(t *testing.T) {
	c := NewChunker(Chunking{Strategy: StrategyTokenAware, MaxTokens: 6, OverlapTokens: 2}, nil)
	c.counter = runeCodec{}

	got := c.Chunk("abcdefghijklmnop")
	want := []string{"abcdef", "efghij", "ijklmn", "mnop"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}

	// At or under the token budget the text passes through unchanged.
	if got := c.Chunk("abcdef"); len(got) != 1 || got[0] != "abcdef" {
		t.Errorf("short text = %v", got)
	}
}

func TestChunkUnknownStrategy(t *testing.T) {
	c := NewChunker(Chunking{Strategy: "sliding"}, nil)
	if got := c.Chunk("text"); len(got) != 1 || got[0] != "text" {
		t.Errorf("unknown strategy should behave like none, got %v", got)
	}
}
