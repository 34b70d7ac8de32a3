package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLToMarkdown(t *testing.T) {
	doc := `<html><head><title>T</title><style>p{}</style></head><body>
<nav>Menu</nav>
<h2>Release   notes</h2>
<p>First <code>go</code> paragraph.</p>
<ul><li>one</li><li>two</li></ul>
<pre><code>x := 1</code></pre>
<img alt="diagram">
<script>alert(1)</script>
</body></html>`

	got, err := htmlToMarkdown(doc)
	require.NoError(t, err)
	assert.Contains(t, got, "## Release notes")
	assert.Contains(t, got, "First `go")
	assert.Contains(t, got, "- one")
	assert.Contains(t, got, "```\nx := 1")
	assert.Contains(t, got, "[Image: diagram]")
	assert.NotContains(t, got, "Menu")
	assert.NotContains(t, got, "alert")
	assert.NotContains(t, got, "\n\n\n")
}

func TestHTMLToMarkdown_Empty(t *testing.T) {
	got, err := htmlToMarkdown("")
	require.NoError(t, err)
	assert.Empty(t, got)
}
