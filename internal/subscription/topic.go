package subscription

// Topic identifies a coverage area subscribers can follow.
type Topic string

const (
	TopicBudget       Topic = "budget"
	TopicMobility     Topic = "mobility"
	TopicHousing      Topic = "housing"
	TopicClimate      Topic = "climate"
	TopicGovernance   Topic = "governance"
	TopicSocialPolicy Topic = "social-policy"
)

// Topics returns all known topics.
func Topics() []Topic {
	return []Topic{
		TopicBudget,
		TopicMobility,
		TopicHousing,
		TopicClimate,
		TopicGovernance,
		TopicSocialPolicy,
	}
}

// ValidTopic reports whether t is a known topic.
func ValidTopic(t Topic) bool {
	switch t {
	case TopicBudget, TopicMobility, TopicHousing, TopicClimate, TopicGovernance, TopicSocialPolicy:
		return true
	}

	return false
}

// FilterTopics maps raw values to known topics, dropping unknown values
// and duplicates. First-seen order is preserved.
func FilterTopics(raw []string) []Topic {
	seen := make(map[Topic]bool, len(raw))
	out := make([]Topic, 0, len(raw))

	for _, r := range raw {
		t := Topic(r)
		if !ValidTopic(t) || seen[t] {
			continue
		}

		seen[t] = true
		out = append(out, t)
	}

	return out
}

// Locale identifies the language subscribers receive emails in.
type Locale string

const (
	LocaleFR Locale = "fr"
	LocaleNL Locale = "nl"
	LocaleEN Locale = "en"
	LocaleDE Locale = "de"
)

// DefaultLocale is used when a stored or tokenized locale is no
// longer recognized.
const DefaultLocale = LocaleFR

// ValidNewsletterLocale reports whether l is a locale new subscriptions
// can be created in.
func ValidNewsletterLocale(l Locale) bool {
	switch l {
	case LocaleFR, LocaleNL, LocaleEN:
		return true
	}

	return false
}

// ValidPreferenceLocale reports whether l can be selected on the
// preferences page. German is offered there but not for new signups.
func ValidPreferenceLocale(l Locale) bool {
	return l == LocaleDE || ValidNewsletterLocale(l)
}
