// Package audience decides which recipients receive a piece of published
// content and fans news notifications out to them.
package audience

import (
	"slices"

	"museum-notifier/pkg/notifier"
)

// Announcements is the category that always reaches every recipient.
const Announcements = "Announcements"

var heritage = []string{"Arab Heritage", "Persian Heritage", "Indian Heritage", "Andalusian Heritage", "Turkish Heritage"}

var artifacts = []string{"Manuscripts", "Weapons", "Boxes", "Bottles"}

// categoryTags maps a content category to the interest tags it targets. An
// empty list means broadcast.
var categoryTags = map[string][]string{
	"Exhibitions": append(slices.Clone(heritage), "Echoes of Islamic Civilization"),
	"Events":      heritage,
	"Collections": artifacts,
	"Research":    artifacts,
	Announcements: {},
}

// Tags returns a copy of the interest tags targeted by category. Unknown
// categories have no tags and therefore broadcast.
func Tags(category string) []string {
	return slices.Clone(categoryTags[category])
}

// IsBroadcast reports whether category reaches every recipient.
func IsBroadcast(category string) bool {
	return len(categoryTags[category]) == 0
}

// Resolve returns the recipients that category reaches: everyone for a
// broadcast category, otherwise those sharing at least one interest tag with
// it. Input order is preserved.
func Resolve(category string, recipients []notifier.Recipient) []notifier.Recipient {
	tags := Tags(category)
	if len(tags) == 0 {
		return slices.Clone(recipients)
	}
	out := make([]notifier.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if r.HasInterest(tags) {
			out = append(out, r)
		}
	}
	return out
}
