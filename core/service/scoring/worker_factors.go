package scoring

import (
	"math"
	"strings"
	"time"

	"priority_server/core/domain"
	"priority_server/core/service/signature"
)

// view is a message pre-processed once for all factor rules.
type view struct {
	msg          *domain.InboundMessage
	sig          domain.MessageSignature
	sender       string
	localPart    string
	senderDomain string
	subject      string // lower-cased
	body         string // lower-cased
	bodyChars    int
}

func newView(msg *domain.InboundMessage, sig domain.MessageSignature) *view {
	content := msg.Content()
	return &view{
		msg:          msg,
		sig:          sig,
		sender:       msg.SenderAddress(),
		localPart:    msg.SenderLocalPart(),
		senderDomain: sig.SenderDomain,
		subject:      strings.ToLower(msg.SubjectText),
		body:         strings.ToLower(content),
		bodyChars:    len([]rune(strings.TrimSpace(content))),
	}
}

// vipScore: explicit VIP senders first, then the user's own organization.
func (r *RuleSet) vipScore(v *view, w *domain.UserWeights) int {
	if w != nil {
		if vip, ok := w.VIPSenders[v.sender]; ok {
			boost := vip.Boost
			if boost == 0 {
				boost = r.VIPDefaultBoost
			}
			conf := vip.Confidence
			if conf == 0 {
				conf = 1.0
			}
			return int(math.Round(float64(boost) * domain.ClampConfidence(conf)))
		}
		if w.Domain != "" && v.senderDomain != "" &&
			strings.EqualFold(signature.RegistrableDomain(w.Domain), v.senderDomain) {
			return r.SameDomainBoost
		}
	}
	return 0
}

func (r *RuleSet) urgencyScore(v *view) int {
	score := 0
	if containsAny(v.subject, r.UrgencyMarkers) {
		score = r.UrgencyMarkerScore
	} else if impact, ok := r.urgencyTier(v.subject); ok {
		score = impact
	} else if impact, ok := r.urgencyTier(v.body); ok {
		// body counts only when the subject carries no keyword at all
		score = int(math.Round(float64(impact) * r.BodyUrgencyRatio))
	}

	if signature.ReplyDepth(v.msg.SubjectText) >= r.ReplyChainDepth && score < r.ReplyChainFloor {
		score = r.ReplyChainFloor
	}
	return score
}

// urgencyTier returns the impact of the first (highest) tier with a keyword in text.
func (r *RuleSet) urgencyTier(text string) (int, bool) {
	for _, tier := range r.UrgencyTiers {
		if containsAny(text, tier.Keywords) {
			return tier.Impact, true
		}
	}
	return 0, false
}

// marketingScore returns the single most negative matching rule.
func (r *RuleSet) marketingScore(v *view) int {
	worst := 0
	for _, rule := range r.Marketing {
		if rule.Impact >= worst {
			continue
		}
		if r.marketingMatches(rule, v) {
			worst = rule.Impact
		}
	}
	return worst
}

func (r *RuleSet) marketingMatches(rule MarketingRule, v *view) bool {
	switch rule.Field {
	case FieldSenderPrefix:
		for _, k := range rule.Keywords {
			if strings.HasPrefix(v.localPart, strings.ToLower(k)) {
				return true
			}
		}
	case FieldSubject:
		return containsAny(v.subject, rule.Keywords)
	case FieldSender:
		return containsAny(v.sender, rule.Keywords)
	case FieldLabel:
		for _, k := range rule.Keywords {
			if v.msg.HasLabel(k) {
				return true
			}
		}
	}
	return false
}

func (r *RuleSet) platformScore(v *view, isMarketing bool) int {
	m := v.msg
	score := 0
	if m.IsImportant {
		score += r.ImportantBoost
	}
	if m.IsStarred {
		score += r.StarredBoost
	}
	if m.IsUnread {
		score += r.UnreadBoost
	}
	if m.HasLabel(domain.LabelImportant) {
		score += r.LabelBoost
	}
	if m.HasLabel(domain.LabelStarred) {
		score += r.LabelBoost
	}
	if m.HasAttachments && !isMarketing {
		score += r.AttachmentsBoost
	}
	return score
}

// recencyScore grades message age in the user's timezone. Marketing mail never
// earns a freshness bonus.
func (r *RuleSet) recencyScore(v *view, now time.Time, loc *time.Location, isMarketing bool) int {
	age := now.Sub(v.msg.ReceivedAt).Hours()
	if age < 0 {
		age = 0
	}

	score := r.RecencyOldest
	for _, step := range r.Recency {
		if age < step.MaxAgeHours {
			score = step.Impact
			break
		}
	}

	received := v.msg.ReceivedAt.In(loc)
	current := now.In(loc)
	if isWeekend(received) && !isWeekend(current) && age <= r.WeekendWindowHrs {
		score += r.WeekendBonus
	}

	if isMarketing && score > 0 {
		score = 0
	}
	return score
}

func (r *RuleSet) contentScore(v *view) int {
	if containsAny(v.body, r.AutomatedPhrases) {
		return r.AutomatedPenalty
	}

	score := 0
	switch {
	case v.bodyChars < r.ShortBodyChars:
		score = -5
	case v.bodyChars <= r.LongBodyChars:
		score = 5
	case v.bodyChars > r.VeryLongBodyChars:
		score = -5
	}

	matches := 0
	for _, k := range r.PersonalKeywords {
		if strings.Contains(v.body, k) {
			matches++
		}
	}
	if matches >= r.PersonalMinMatches {
		score += 5
	}
	return score
}

func (r *RuleSet) reputationScore(v *view) int {
	host := strings.ToLower(v.msg.SenderHost())

	for _, d := range r.BulkDomains {
		if v.senderDomain == d || strings.HasSuffix(host, "."+d) {
			return r.BulkScore
		}
	}
	for _, lp := range r.BulkLocalParts {
		if v.localPart == lp || strings.HasPrefix(v.localPart, lp+".") || strings.HasPrefix(v.localPart, lp+"-") || strings.HasPrefix(v.localPart, lp+"+") {
			return r.BulkScore
		}
	}
	for _, d := range r.TrustedDomains {
		if v.senderDomain == d {
			return r.TrustedScore
		}
	}
	for _, s := range r.TrustedSuffixes {
		if strings.HasSuffix(host, s) {
			return r.TrustedScore
		}
	}
	for _, d := range r.FreeMailDomains {
		if v.senderDomain == d {
			return r.FreeMailScore
		}
	}
	return 0
}

// learnedScore sums impact × confidence over applicable patterns matching the message.
func (r *RuleSet) learnedScore(v *view, patterns []domain.LearnedPattern) int {
	total := 0.0
	for _, p := range patterns {
		if p.Archived || p.Confidence < r.LearnedMinConfidence {
			continue
		}
		if !patternMatches(p, v) {
			continue
		}
		total += p.ScoreImpact * p.Confidence
	}
	return int(math.Round(total))
}

func patternMatches(p domain.LearnedPattern, v *view) bool {
	value := strings.ToLower(p.Value)
	switch p.Type {
	case domain.PatternSender:
		return value == v.sender
	case domain.PatternDomain:
		return value == v.senderDomain
	case domain.PatternSubject:
		return value == v.sig.SubjectClass
	case domain.PatternContent:
		return value == v.sig.ContentClass
	}
	return false
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
