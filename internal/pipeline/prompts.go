package pipeline

import (
	"fmt"
	"html"
	"strings"
)

// skipSentinel is the whole reply the model gives for posts not worth forwarding.
const skipSentinel = "SKIP"

const systemPrompt = `You are a market intelligence analyst writing for professional investors.
Write for Telegram using HTML only: <b>, <i>, <a href="...">. Escape <, > and & in plain text.
Never use Markdown. If the content has no market-relevant information (ads, greetings,
giveaways, channel housekeeping), reply with exactly ` + skipSentinel + ` and nothing else.`

const textRules = `Output format:
<b>[One sentence headline, max 15 words]</b>

• [Key point with specific data or numbers]
• [Key point with specific data or numbers]
• [Third point only if essential]

Rules: include amounts, dates and valuations; no background or fluff; at most three bullets;
telegraph-style brevity, 100-150 words maximum.`

const documentRules = `Analyze the attached document (text and charts) and write a coverage note.

Start with one label emoji followed by the subject and report type, e.g.
🔴 <b>NVDA - COVERAGE</b>   (🔴 actionable, 🟡 monitor, ⚪ noise; report type COVERAGE or PITCH)

Then, including only the sections the document supports:
<b>Summary</b> 2-3 sentences with the thesis and the most important new insight.
<b>Investment Thesis</b> up to three bullets.
<b>Key Data &amp; Visual Insights</b> numbers, what the key chart shows, valuation metrics.
<b>Catalysts &amp; Timeline</b> near term (0-3 months) and medium term (3-12 months).
<b>Risk Factors</b> main downside risks.
<b>Sector Context</b> how this fits broader sector trends and peers.

Use <b> for tickers, companies and key numbers. Extract insights from visuals rather than
describing them. Professional and data-driven, 400-600 words.`

func textPrompt(source, text string, cjk bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n\n", source)
	if cjk {
		b.WriteString("The message contains Chinese text. Translate it to English, then extract the critical facts.\n\n")
	} else {
		b.WriteString("Extract the critical facts from the message.\n\n")
	}
	b.WriteString(textRules)
	b.WriteString("\n\n---\nMessage:\n\n")
	b.WriteString(text)
	return b.String()
}

func documentPrompt(source, fileName, caption string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\nFile: %s\n", source, fileName)
	if c := strings.TrimSpace(caption); c != "" {
		fmt.Fprintf(&b, "Post caption: %s\n", c)
	}
	b.WriteString("\n")
	b.WriteString(documentRules)
	return b.String()
}

func isSkip(reply string) bool {
	return strings.EqualFold(strings.Trim(reply, " \t\r\n.*`\"'"), skipSentinel)
}

// footer attributes the output to its source, linking the original post when
// a permalink exists.
func footer(name, link string) string {
	name = html.EscapeString(name)
	if link == "" {
		return "from: " + name
	}
	return fmt.Sprintf(`from: <a href="%s">%s</a>`, html.EscapeString(link), name)
}
