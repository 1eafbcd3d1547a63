package scraper

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		want     []string
		excluded []string
	}{
		{
			name: "keeps headings paragraphs and list items in order",
			html: `<html><body>
				<h1>Launch week brings a new planner</h1>
				<p>The planner groups tasks by project and deadline.</p>
				<ul><li>Drag and drop scheduling across teams</li></ul>
			</body></html>`,
			want: []string{
				"Launch week brings a new planner",
				"The planner groups tasks by project and deadline.",
				"Drag and drop scheduling across teams",
			},
		},
		{
			name: "drops navigation and scripts",
			html: `<html><body>
				<nav><p>Home About Pricing Contact Careers Blog</p></nav>
				<header><p>Sign in to continue to your workspace</p></header>
				<script>var tracking = "a long script body that is not content";</script>
				<p>Only this paragraph is real article content.</p>
				<footer><p>Copyright notice and legal links here</p></footer>
			</body></html>`,
			want:     []string{"Only this paragraph is real article content."},
			excluded: []string{"Home About", "Sign in", "tracking", "Copyright"},
		},
		{
			name:     "drops short blocks",
			html:     `<html><body><p>Too short.</p><p>This paragraph is comfortably long enough.</p></body></html>`,
			want:     []string{"This paragraph is comfortably long enough."},
			excluded: []string{"Too short."},
		},
		{
			name: "article with nested blocks is not duplicated",
			html: `<html><body><article>
				<h2>Release notes for version two</h2>
				<p>Version two rewrites the sync engine entirely.</p>
			</article></body></html>`,
			want: []string{"Release notes for version two", "Version two rewrites the sync engine entirely."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractText(tt.html, nil)
			for _, want := range tt.want {
				assert.Contains(t, got, want)
			}
			for _, excluded := range tt.excluded {
				assert.NotContains(t, got, excluded)
			}
		})
	}
}

func TestExtractTextPreservesOrderAndSeparator(t *testing.T) {
	html := `<html><body>
		<h1>First heading of the article</h1>
		<p>Second block follows the heading.</p>
	</body></html>`

	assert.Equal(t, "First heading of the article\n\nSecond block follows the heading.", ExtractText(html, nil))
}

func TestExtractTextDeduplicatesBlocks(t *testing.T) {
	html := `<html><body>
		<p>Repeated call to action text block</p>
		<p>Repeated call to action text block</p>
	</body></html>`

	got := ExtractText(html, nil)
	assert.Equal(t, 1, strings.Count(got, "Repeated call to action text block"))
}

func TestExtractTextStandaloneArticle(t *testing.T) {
	html := `<html><body><article>Plain article text without any inner block markup at all.</article></body></html>`

	assert.Equal(t, "Plain article text without any inner block markup at all.", ExtractText(html, nil))
}

func TestExtractTextTruncates(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 2000; i++ {
		b.WriteString("<p>")
		b.WriteString(strings.Repeat("é", 30))
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(i))
		b.WriteString("</p>")
	}
	b.WriteString("</body></html>")

	got := ExtractText(b.String(), nil)
	assert.Equal(t, MaxTextLength, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestExtractTextReadabilityFallback(t *testing.T) {
	body := strings.Repeat("Readable sentence inside a plain division element, with commas, and more words. ", 20)
	html := `<html><head><title>Plain page</title></head><body><div><div>` + body + `</div></div></body></html>`
	pageURL, _ := url.Parse("https://example.com/post")

	got := ExtractText(html, pageURL)
	assert.Contains(t, got, "Readable sentence inside a plain division element")
}

func TestExtractTextEmptyPage(t *testing.T) {
	assert.Equal(t, "", ExtractText("<html><body></body></html>", nil))
}
