package template

// builtins is the default template table. Config overrides may replace
// or extend it at startup; after that the registry is frozen.
var builtins = []Template{
	{
		ID:               "mood_reminder",
		Category:         CategoryReminder,
		TitlePattern:     "How are you feeling, {userName}?",
		BodyPattern:      "Take a moment to log your mood, {userName}. It only takes a few seconds.",
		DefaultFrequency: FrequencyDaily,
	},
	{
		ID:               "weekly_summary",
		Category:         CategoryInsight,
		TitlePattern:     "Your week in review",
		BodyPattern:      "Hi {userName}, your weekly summary is ready: {highlight}",
		DefaultFrequency: FrequencyWeekly,
	},
	{
		ID:               "monthly_insights",
		Category:         CategoryInsight,
		TitlePattern:     "Monthly insights",
		BodyPattern:      "{userName}, here is what changed for you this month: {highlight}",
		DefaultFrequency: FrequencyMonthly,
	},
	{
		ID:               "streak_achievement",
		Category:         CategoryAchievement,
		TitlePattern:     "Nice streak!",
		BodyPattern:      "You logged your mood {streakDays} days in a row. Keep it up!",
		DefaultFrequency: FrequencyImmediate,
	},
	{
		ID:               "low_mood_intervention",
		Category:         CategoryIntervention,
		TitlePattern:     "Checking in",
		BodyPattern:      "We noticed a rough patch, {userName}. A short walk or a breathing exercise might help.",
		DefaultFrequency: FrequencyDaily,
	},
	{
		ID:               "crisis_support",
		Category:         CategorySupport,
		TitlePattern:     "We're here for you",
		BodyPattern:      "{userName}, support is available right now. Reach out any time: {supportLine}",
		DefaultFrequency: FrequencyImmediate,
	},
	{
		ID:               "feature_promotion",
		Category:         CategoryPromotion,
		TitlePattern:     "New: {featureName}",
		BodyPattern:      "Try {featureName} and get more out of your daily check-ins.",
		DefaultFrequency: FrequencyWeekly,
	},
}
