package sanitize

import (
	"html"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	cases := map[string]string{
		"plain":                              "plain",
		"  padded  ":                         "padded",
		"Smith & Sons":                       "Smith & Sons",
		"<b>bold</b> move":                   "bold move",
		"hi<script>alert(1)</script>":        "hi",
		`<a href="javascript:x()">click</a>`: "click",
		"":                                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, String(in), "input %q", in)
	}
	assert.NotContains(t, String("&lt;script&gt;alert(1)&lt;/script&gt;"), "<script")

	nested := "&amp;amp;amp;lt;script&amp;amp;amp;gt;alert(1)&amp;amp;amp;lt;/script&amp;amp;amp;gt;"
	assert.NotContains(t, String(nested), "<script")

	deep := "<script>alert(1)</script>"
	for i := 0; i < 20; i++ {
		deep = html.EscapeString(deep)
	}
	assert.NotContains(t, String(deep), "<", "markup still encoded past the pass limit must not come out live")
}

func TestValuesCopiesAndCleans(t *testing.T) {
	in := map[string]any{
		"name":        "<i>Pat</i>",
		"metal_types": []any{"copper<img src=x onerror=alert(1)>", "steel"},
		"tags":        []string{"<b>a</b>"},
		"count":       float64(25),
		"address":     map[string]any{"street": "<script>alert(1)</script>1 Yard Rd"},
	}
	out := Values(in)
	assert.Equal(t, "Pat", out["name"])
	assert.Equal(t, []any{"copper", "steel"}, out["metal_types"])
	assert.Equal(t, []string{"a"}, out["tags"])
	assert.Equal(t, float64(25), out["count"])
	assert.Equal(t, map[string]any{"street": "1 Yard Rd"}, out["address"])
	assert.Equal(t, "<i>Pat</i>", in["name"], "input map is not modified")
}
