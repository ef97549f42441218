package email

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"museum-notifier/pkg/notifier"
)

type labels struct {
	details  string
	booking  string
	visit    string
	date     string
	time     string
	visitors string
	adults   string
	children string
	seniors  string
	total    string
	payment  string
	view     string
	account  string
}

var english = labels{
	details:  "Event details",
	booking:  "Booking reference",
	visit:    "Visit",
	date:     "Date",
	time:     "Time",
	visitors: "Total visitors",
	adults:   "Adults",
	children: "Children",
	seniors:  "Seniors",
	total:    "Amount paid",
	payment:  "Payment method",
	view:     "View event",
	account:  "My notifications",
}

var arabic = labels{
	details:  "تفاصيل الفعالية",
	booking:  "رقم الحجز",
	visit:    "الزيارة",
	date:     "التاريخ",
	time:     "الوقت",
	visitors: "إجمالي الزوار",
	adults:   "البالغون",
	children: "الأطفال",
	seniors:  "كبار السن",
	total:    "المبلغ المدفوع",
	payment:  "طريقة الدفع",
	view:     "عرض الفعالية",
	account:  "إشعاراتي",
}

func labelsFor(msgs *notifier.Messages) (labels, string, string) {
	if msgs.Language() == language.Arabic {
		return arabic, "ar", "rtl"
	}
	return english, "en", "ltr"
}

func writeHead(b *strings.Builder, lang, dir string) {
	fmt.Fprintf(b, "<!DOCTYPE html>\n<html lang=\"%s\" dir=\"%s\">\n<head>\n", lang, dir)
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fdfaf4; }\n")
	b.WriteString(".header { border-bottom: 2px solid #8b5e34; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".content { background: #fff; padding: 20px; border-radius: 8px; margin: 15px 0; }\n")
	b.WriteString(".details td { padding: 4px 12px 4px 0; }\n")
	b.WriteString(".details .label { color: #7f8c8d; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 1px solid #ddd; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #8b5e34; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".content { background: #2a2a2a; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString("a { color: #d9a066; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")
}

func writeRow(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "<tr><td class=\"label\">%s</td><td class=\"value\">%s</td></tr>\n", escapeHTML(label), escapeHTML(value))
}

func (s *Sender) link(path string) string {
	return strings.TrimRight(s.baseURL, "/") + path
}

func (s *Sender) formatRegistrationBody(msgs *notifier.Messages, eventID, eventTitle string) string {
	l, lang, dir := labelsFor(msgs)
	title, message := msgs.Registration(eventTitle)

	var b strings.Builder
	writeHead(&b, lang, dir)

	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n", escapeHTML(title))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	fmt.Fprintf(&b, "<p class=\"message\">%s</p>\n", escapeHTML(message))
	fmt.Fprintf(&b, "<p><strong>%s:</strong> <span class=\"event-title\">%s</span></p>\n", escapeHTML(l.details), escapeHTML(eventTitle))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "<a class=\"event-link\" href=\"%s\">%s</a>\n", escapeHTML(s.link("/events/"+url.PathEscape(eventID))), escapeHTML(l.view))
	b.WriteString(" &bull; \n")
	fmt.Fprintf(&b, "<a class=\"account-link\" href=\"%s\">%s</a>\n", escapeHTML(s.link("/notifications")), escapeHTML(l.account))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func (s *Sender) formatBookingBody(msgs *notifier.Messages, d notifier.BookingDetails) string {
	l, lang, dir := labelsFor(msgs)
	title, message := msgs.Booking(d)

	var b strings.Builder
	writeHead(&b, lang, dir)

	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n", escapeHTML(title))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	fmt.Fprintf(&b, "<p class=\"message\">%s</p>\n", escapeHTML(message))
	b.WriteString("<table class=\"details\">\n")
	writeRow(&b, l.booking, d.BookingID)
	writeRow(&b, l.visit, d.VisitInfo)
	writeRow(&b, l.date, d.Date)
	writeRow(&b, l.time, d.Time)
	writeRow(&b, l.visitors, strconv.Itoa(d.TotalVisitors))
	// Zero categories are omitted.
	for _, row := range []struct {
		label string
		n     int
	}{{l.adults, d.Adults}, {l.children, d.Children}, {l.seniors, d.Seniors}} {
		if row.n > 0 {
			writeRow(&b, row.label, strconv.Itoa(row.n))
		}
	}
	writeRow(&b, l.total, "$"+strconv.FormatFloat(d.Total, 'f', 2, 64))
	if d.PaymentMethod != "" {
		writeRow(&b, l.payment, d.PaymentMethod)
	}
	b.WriteString("</table>\n")
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "<a class=\"account-link\" href=\"%s\">%s</a>\n", escapeHTML(s.link("/notifications")), escapeHTML(l.account))
	b.WriteString("</div>\n")

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
