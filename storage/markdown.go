package storage

import (
	"fmt"
	"strings"

	"github.com/docutag/contentgen/models"
)

// RenderMarkdown formats recovered content as a markdown document. Missing fields are skipped.
func RenderMarkdown(kind models.ContentKind, content models.RecoveredContent) string {
	var b strings.Builder

	if headline := content.Headline(kind); headline != "" {
		fmt.Fprintf(&b, "# %s\n\n", headline)
	}
	if desc := content.Text("description"); desc != "" {
		fmt.Fprintf(&b, "_%s_\n\n", desc)
	}

	if kind == models.KindTool {
		var facts []string
		for _, f := range []struct{ label, key string }{
			{"Category", "category"},
			{"Type", "toolType"},
			{"Pricing", "pricingType"},
		} {
			if v := content.Text(f.key); v != "" {
				facts = append(facts, fmt.Sprintf("**%s:** %s", f.label, v))
			}
		}
		if len(facts) > 0 {
			b.WriteString(strings.Join(facts, " | "))
			b.WriteString("\n\n")
		}
	} else if minutes, ok := content.Int("readTime"); ok {
		fmt.Fprintf(&b, "*%d min read*\n\n", minutes)
	}

	if body := strings.TrimSpace(content.Text("content")); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}

	if kind == models.KindTool {
		writeList(&b, "Features", content.Strings("features"))
		writeList(&b, "Pros", content.Strings("pros"))
		writeList(&b, "Cons", content.Strings("cons"))
	} else if tags := content.Strings("tags"); len(tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(tags, ", "))
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}
