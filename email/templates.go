package email

import (
	"fmt"
	"strings"

	"disaster-relay/pkg/relay"
)

func formatAlertBody(msg relay.Message) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"ja\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Hiragino Sans', 'Segoe UI', sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".headline { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; font-size: 1.3em; font-weight: 600; }\n")
	b.WriteString(".lines p { margin: 4px 0; }\n")
	b.WriteString(".mentions { margin-top: 20px; padding-top: 10px; border-top: 1px solid #ddd; }\n")
	b.WriteString(".severity { color: #c0392b; font-weight: 600; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".mentions { border-top-color: #444; }\n")
	b.WriteString(".severity { color: #ff6b5b; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"headline\">")
	if msg.Icon != "" {
		b.WriteString(escapeHTML(msg.Icon))
		b.WriteString(" ")
	}
	b.WriteString(escapeHTML(msg.Headline))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"lines\">\n")
	for _, line := range msg.Lines {
		// Feed summaries can carry embedded newlines.
		parts := strings.Split(line, "\n")
		for i := range parts {
			parts[i] = escapeHTML(parts[i])
		}
		b.WriteString(fmt.Sprintf("<p>%s</p>\n", strings.Join(parts, "<br>")))
	}
	b.WriteString("</div>\n")

	if len(msg.Mentions) > 0 {
		b.WriteString("<div class=\"mentions\">\n")
		b.WriteString(fmt.Sprintf("<p>%s</p>\n<ul>\n", escapeHTML(relay.MentionHeader)))
		for _, m := range msg.Mentions {
			b.WriteString(fmt.Sprintf("<li>%s <span class=\"severity\">(震度%d)</span></li>\n", escapeHTML(m.SubscriberID), m.Severity))
		}
		b.WriteString("</ul>\n</div>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
