package notify

import "time"

// ShouldSend decides whether a notification of the given channel, category,
// and priority is deliverable right now, per the preference decision
// matrix: urgent bypasses every other gate; notifications can be globally
// disabled; a channel or category can be individually disabled; a category
// can restrict itself to a subset of channels; and quiet hours suppress
// anything below "high" priority.
func (p *Preferences) ShouldSend(channel ChannelType, category Category, priority Priority) bool {
	if priority == PriorityUrgent {
		return p.NotificationsEnabled
	}
	if !p.NotificationsEnabled {
		return false
	}
	if !p.isChannelEnabled(channel) {
		return false
	}
	if !p.isCategoryEnabled(category, channel) {
		return false
	}
	if priority != PriorityHigh && p.isInQuietHours(channel) {
		return false
	}
	return true
}

func (p *Preferences) isChannelEnabled(channel ChannelType) bool {
	pref, ok := p.ChannelPreferences[channel]
	if !ok {
		return true
	}
	return pref.Enabled
}

func (p *Preferences) isCategoryEnabled(category Category, channel ChannelType) bool {
	pref, ok := p.CategoryPreferences[category]
	if !ok {
		return true
	}
	if !pref.Enabled {
		return false
	}
	return pref.allows(channel)
}

// isInQuietHours reports whether the current wall-clock hour in the user's
// timezone falls inside the channel's configured quiet-hours window.
// Timezone lookup failures fall back to UTC rather than blocking delivery
// on a configuration error.
func (p *Preferences) isInQuietHours(channel ChannelType) bool {
	pref, ok := p.ChannelPreferences[channel]
	if !ok || pref.QuietHoursStart == nil || pref.QuietHoursEnd == nil {
		return false
	}

	hour := currentHourIn(p.Timezone)
	start, end := *pref.QuietHoursStart, *pref.QuietHoursEnd

	if start <= end {
		return start <= hour && hour < end
	}
	return hour >= start || hour < end
}

func currentHourIn(tz string) int {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Hour()
}
