package mailer

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"price-alert-mailer/internal/event"
	"price-alert-mailer/internal/notify"
)

// Drop severity thresholds, in percent.
var (
	mediumDropPct   = decimal.NewFromInt(15)
	highDropPct     = decimal.NewFromInt(30)
	criticalDropPct = decimal.NewFromInt(50)
)

func severity(drop decimal.Decimal) string {
	switch {
	case drop.GreaterThanOrEqual(criticalDropPct):
		return "critical"
	case drop.GreaterThanOrEqual(highDropPct):
		return "high"
	case drop.GreaterThanOrEqual(mediumDropPct):
		return "medium"
	default:
		return "info"
	}
}

// Render builds the email message for a job.
func Render(job *notify.Job) (Message, error) {
	if len(job.Events) == 0 {
		return Message{}, fmt.Errorf("mailer: job %s 不含任何事件", job.ID)
	}

	switch job.Kind {
	case notify.KindIndividual:
		return renderIndividual(job), nil
	case notify.KindBulk:
		return renderBulk(job), nil
	case notify.KindDigest:
		return renderDigest(job), nil
	default:
		return Message{}, fmt.Errorf("mailer: 未知的 job kind %q", job.Kind)
	}
}

func renderIndividual(job *notify.Job) Message {
	ev := job.Events[0]
	drop := ev.DropPct()

	subject := fmt.Sprintf("Price alert: %s now %s", ev.ProductName, money(ev.ObservedPrice))
	if sev := severity(drop); sev != "info" {
		subject = fmt.Sprintf("[%s] %s", strings.ToUpper(sev), subject)
	}

	html := &strings.Builder{}
	html.WriteString("<h2>" + escape(ev.ProductName) + "</h2>")
	html.WriteString(eventRowHTML(ev))
	if uri, err := trendChartURI(ev.History); err == nil && uri != "" {
		html.WriteString(fmt.Sprintf(`<p><img src=%q alt="price trend"/></p>`, uri))
	}
	if ev.BuyURL != "" {
		html.WriteString(fmt.Sprintf(`<p><a href=%q>Buy now</a></p>`, ev.BuyURL))
	}

	return Message{
		To:      job.Recipient,
		Subject: subject,
		HTML:    html.String(),
		Text:    eventLineText(ev),
	}
}

func renderBulk(job *notify.Job) Message {
	subject := fmt.Sprintf("Price alerts: %d products updated", len(job.Events))

	html := &strings.Builder{}
	text := &strings.Builder{}
	html.WriteString("<h2>Price alerts</h2><ul>")
	for _, ev := range job.Events {
		html.WriteString("<li>" + eventRowHTML(ev) + "</li>")
		text.WriteString(eventLineText(ev) + "\n")
	}
	html.WriteString("</ul>")

	return Message{To: job.Recipient, Subject: subject, HTML: html.String(), Text: text.String()}
}

func renderDigest(job *notify.Job) Message {
	subject := fmt.Sprintf("Price digest: %d updates", len(job.Events))

	html := &strings.Builder{}
	text := &strings.Builder{}
	html.WriteString("<h2>Your price digest</h2>")
	html.WriteString("<table><tr><th>Product</th><th>Price</th><th>Previous</th><th>Change</th></tr>")
	for _, ev := range job.Events {
		html.WriteString(fmt.Sprintf(
			"<tr><td>%s</td><td>%s</td><td>%s</td><td>%s%%</td></tr>",
			escape(ev.ProductName),
			money(ev.ObservedPrice),
			money(ev.PreviousPrice),
			changePct(ev).StringFixed(1),
		))
		text.WriteString(eventLineText(ev) + "\n")
	}
	html.WriteString("</table>")

	return Message{To: job.Recipient, Subject: subject, HTML: html.String(), Text: text.String()}
}

func eventRowHTML(ev event.PriceEvent) string {
	return fmt.Sprintf(
		"%s: <b>%s</b> (was %s, %s%%)",
		escape(ev.ProductName),
		money(ev.ObservedPrice),
		money(ev.PreviousPrice),
		changePct(ev).StringFixed(1),
	)
}

func eventLineText(ev event.PriceEvent) string {
	return fmt.Sprintf(
		"%s: %s (was %s, %s%%)",
		ev.ProductName,
		money(ev.ObservedPrice),
		money(ev.PreviousPrice),
		changePct(ev).StringFixed(1),
	)
}

// changePct is the signed percentage move, negative for drops.
func changePct(ev event.PriceEvent) decimal.Decimal {
	return ev.DropPct().Neg()
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escape(s string) string {
	return htmlEscaper.Replace(s)
}
