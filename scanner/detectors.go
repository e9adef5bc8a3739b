package scanner

import (
	"regexp"
	"strings"
)

// DetectorKind identifies one of the independent pattern detectors
type DetectorKind string

const (
	KindToken          DetectorKind = "token"
	KindOnboardingDone DetectorKind = "onboarding-done"
	KindRateLimit      DetectorKind = "rate-limit"
	KindFailure        DetectorKind = "failure"
)

// Agent CLIs render through a terminal, so markers arrive wrapped in escape
// sequences and may straddle write boundaries. Detection runs over a rolling
// window of ANSI-stripped text.
var (
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	tokenRe = regexp.MustCompile(`sk-ant-oat01-[A-Za-z0-9_-]{8,}`)
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	// Shown when a fresh identity still has first-run setup ahead of it
	onboardingAheadRe = regexp.MustCompile(`(?i)press enter to continue|choose the text style|let's get started`)

	// The "ready" banner once first-run setup finished
	onboardingDoneRe = regexp.MustCompile(`(?i)you(?:'|’)?re all set|setup complete`)

	rateLimitRe = regexp.MustCompile(`(?i)rate limit(?:ed)?|usage limit reached|limit will reset`)

	failureRe = regexp.MustCompile(`(?i)login (?:failed|unsuccessful)|authentication failed|invalid (?:api )?key`)
)

// stripANSI removes terminal escape sequences and carriage returns
func stripANSI(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// detectToken reports a captured credential token, its optional associated
// email, and whether the surrounding output indicates first-run setup is
// still pending.
func detectToken(window string) (token, email string, needsOnboarding, ok bool) {
	token = tokenRe.FindString(window)
	if token == "" {
		return "", "", false, false
	}
	email = emailRe.FindString(window)
	needsOnboarding = onboardingAheadRe.MatchString(window)
	return token, email, needsOnboarding, true
}

// detectOnboardingDone reports the post-login ready banner
func detectOnboardingDone(window string) bool {
	return onboardingDoneRe.MatchString(window)
}

// detectRateLimit reports a usage-exhaustion marker
func detectRateLimit(window string) bool {
	return rateLimitRe.MatchString(window)
}

// detectFailure reports an explicit authentication failure and the matched
// message text
func detectFailure(window string) (string, bool) {
	m := failureRe.FindString(window)
	return m, m != ""
}
