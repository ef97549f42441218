package notifier

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	supported = []language.Tag{language.English, language.Arabic}
	matcher   = language.NewMatcher(supported)
)

type catalog struct {
	announcementTitle   string
	announcementMessage string // title
	articleTitle        string
	articleMessage      string // title, category
	registrationTitle   string
	registrationMessage string // event title
	reminderTitle       string
	reminderMessage     string // event title, date
	upcomingTitle       string
	upcomingMessage     string // event title
	bookingTitle        string
	bookingMessage      string // visit info, date, time, visitors, amount
	dateLayout          string
}

var catalogs = []catalog{
	{
		announcementTitle:   "📢 New Announcement",
		announcementMessage: "Important announcement: \"%s\". Check it out now!",
		articleTitle:        "📰 New Article in Your Interests!",
		articleMessage:      "A new article has been published: \"%s\" in %s. Don't miss it!",
		registrationTitle:   "✅ Registration completed successfully!",
		registrationMessage: "You are registered for the event: \"%s\". Check your email for more details.",
		reminderTitle:       "🔔 Reminder: Upcoming Event!",
		reminderMessage:     "The event \"%s\" starts on %s. Don't forget to attend!",
		upcomingTitle:       "🎉 The event you requested is now available!",
		upcomingMessage:     "The event \"%s\" is now available. Hurry up and register!",
		bookingTitle:        "🎫 Booking Confirmed",
		bookingMessage:      "Your %s booking is confirmed for %s at %s. Total visitors: %d. Amount paid: $%s",
		dateLayout:          "January 2, 2006 at 03:04 PM",
	},
	{
		announcementTitle:   "📢 إعلان جديد",
		announcementMessage: "إعلان مهم: \"%s\". اطّلع عليه الآن!",
		articleTitle:        "📰 مقال جديد ضمن اهتماماتك!",
		articleMessage:      "تم نشر مقال جديد: \"%s\" في %s. لا تفوّته!",
		registrationTitle:   "✅ تم التسجيل بنجاح!",
		registrationMessage: "أنت مسجّل في الفعالية: \"%s\". تحقق من بريدك الإلكتروني لمزيد من التفاصيل.",
		reminderTitle:       "🔔 تذكير: فعالية قادمة!",
		reminderMessage:     "تبدأ الفعالية \"%s\" في %s. لا تنسَ الحضور!",
		upcomingTitle:       "🎉 الفعالية التي طلبتها متاحة الآن!",
		upcomingMessage:     "الفعالية \"%s\" متاحة الآن. سارع بالتسجيل!",
		bookingTitle:        "🎫 تم تأكيد الحجز",
		bookingMessage:      "تم تأكيد حجز %s بتاريخ %s الساعة %s. إجمالي الزوار: %d. المبلغ المدفوع: $%s",
		dateLayout:          "2006/01/02 15:04",
	},
}

// Messages renders notification titles and bodies in one language.
type Messages struct {
	printer *message.Printer
	loc     *time.Location
	cat     *catalog
	tag     language.Tag
}

// Localize picks the closest supported language for the given preferences,
// which may be plain tags ("ar") or Accept-Language values. Dates are rendered
// in loc; a nil loc means UTC.
func Localize(loc *time.Location, prefs ...string) *Messages {
	_, idx := language.MatchStrings(matcher, prefs...)
	if idx < 0 || idx >= len(catalogs) {
		idx = 0
	}
	if loc == nil {
		loc = time.UTC
	}
	tag := supported[idx]
	return &Messages{
		printer: message.NewPrinter(tag),
		loc:     loc,
		cat:     &catalogs[idx],
		tag:     tag,
	}
}

// Language returns the language the messages are rendered in.
func (m *Messages) Language() language.Tag {
	return m.tag
}

// Announcement is the wording for the Announcements category.
func (m *Messages) Announcement(newsTitle string) (title, msg string) {
	return m.cat.announcementTitle, fmt.Sprintf(m.cat.announcementMessage, newsTitle)
}

// Article is the wording for news matched against a recipient's interests.
func (m *Messages) Article(newsTitle, category string) (title, msg string) {
	return m.cat.articleTitle, fmt.Sprintf(m.cat.articleMessage, newsTitle, category)
}

// Registration confirms an event registration.
func (m *Messages) Registration(eventTitle string) (title, msg string) {
	return m.cat.registrationTitle, fmt.Sprintf(m.cat.registrationMessage, eventTitle)
}

// Reminder announces that an event starts soon.
func (m *Messages) Reminder(eventTitle string, date time.Time) (title, msg string) {
	return m.cat.reminderTitle, fmt.Sprintf(m.cat.reminderMessage, eventTitle, m.FormatDate(date))
}

// Upcoming announces that a requested event opened for registration.
func (m *Messages) Upcoming(eventTitle string) (title, msg string) {
	return m.cat.upcomingTitle, fmt.Sprintf(m.cat.upcomingMessage, eventTitle)
}

// Booking confirms a paid visit booking.
func (m *Messages) Booking(d BookingDetails) (title, msg string) {
	amount := strconv.FormatFloat(d.Total, 'f', -1, 64)
	return m.cat.bookingTitle, m.printer.Sprintf(m.cat.bookingMessage, d.VisitInfo, d.Date, d.Time, d.TotalVisitors, amount)
}

// FormatDate renders t in the configured location using the language's layout.
func (m *Messages) FormatDate(t time.Time) string {
	return t.In(m.loc).Format(m.cat.dateLayout)
}
