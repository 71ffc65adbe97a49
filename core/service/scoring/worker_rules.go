package scoring

import (
	"fmt"
	"os"

	"priority_server/core/domain"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Rule tables - keyword → category → impact
// =============================================================================

// MatchField is the part of a message a marketing rule inspects.
type MatchField string

const (
	FieldSenderPrefix MatchField = "sender_prefix"
	FieldSubject      MatchField = "subject"
	FieldSender       MatchField = "sender"
	FieldLabel        MatchField = "label"
)

// KeywordTier is a keyword list with a fixed impact.
type KeywordTier struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Impact   int      `yaml:"impact"`
}

// MarketingRule penalizes promotional traffic. Only the most negative matching rule applies.
type MarketingRule struct {
	Name     string     `yaml:"name"`
	Field    MatchField `yaml:"field"`
	Keywords []string   `yaml:"keywords"`
	Impact   int        `yaml:"impact"`
}

// RecencyStep is an upper bound on message age and the score it earns.
type RecencyStep struct {
	MaxAgeHours float64 `yaml:"max_age_hours"`
	Impact      int     `yaml:"impact"`
}

// RuleSet holds every data-driven table the scorer consults.
type RuleSet struct {
	BaseScore int `yaml:"base_score"`

	VIPDefaultBoost int `yaml:"vip_default_boost"`
	SameDomainBoost int `yaml:"same_domain_boost"`

	UrgencyMarkers     []string      `yaml:"urgency_markers"`
	UrgencyMarkerScore int           `yaml:"urgency_marker_score"`
	UrgencyTiers       []KeywordTier `yaml:"urgency_tiers"`
	BodyUrgencyRatio   float64       `yaml:"body_urgency_ratio"`
	ReplyChainDepth    int           `yaml:"reply_chain_depth"`
	ReplyChainFloor    int           `yaml:"reply_chain_floor"`

	Marketing []MarketingRule `yaml:"marketing"`

	ImportantBoost   int `yaml:"important_boost"`
	StarredBoost     int `yaml:"starred_boost"`
	UnreadBoost      int `yaml:"unread_boost"`
	LabelBoost       int `yaml:"label_boost"`
	AttachmentsBoost int `yaml:"attachments_boost"`

	Recency          []RecencyStep `yaml:"recency"`
	RecencyOldest    int           `yaml:"recency_oldest"`
	WeekendBonus     int           `yaml:"weekend_bonus"`
	WeekendWindowHrs float64       `yaml:"weekend_window_hours"`

	ShortBodyChars     int      `yaml:"short_body_chars"`
	LongBodyChars      int      `yaml:"long_body_chars"`
	VeryLongBodyChars  int      `yaml:"very_long_body_chars"`
	PersonalKeywords   []string `yaml:"personal_keywords"`
	PersonalMinMatches int      `yaml:"personal_min_matches"`
	AutomatedPhrases   []string `yaml:"automated_phrases"`
	AutomatedPenalty   int      `yaml:"automated_penalty"`

	TrustedDomains  []string `yaml:"trusted_domains"`
	TrustedSuffixes []string `yaml:"trusted_suffixes"`
	BulkLocalParts  []string `yaml:"bulk_local_parts"`
	BulkDomains     []string `yaml:"bulk_domains"`
	FreeMailDomains []string `yaml:"free_mail_domains"`
	TrustedScore    int      `yaml:"trusted_score"`
	BulkScore       int      `yaml:"bulk_score"`
	FreeMailScore   int      `yaml:"free_mail_score"`

	LearnedMinConfidence float64 `yaml:"learned_min_confidence"`
}

// factorRange is the inclusive range each factor is clamped to.
type factorRange struct{ min, max int }

// DefaultRules returns the built-in rule tables.
func DefaultRules() *RuleSet {
	return &RuleSet{
		BaseScore: 30,

		VIPDefaultBoost: 50,
		SameDomainBoost: 20,

		UrgencyMarkers:     []string{"[urgent]", "urgent:", "!!!", "[긴급]"},
		UrgencyMarkerScore: 25,
		UrgencyTiers: []KeywordTier{
			{Name: "high", Impact: 25, Keywords: []string{
				"urgent", "asap", "emergency", "critical", "immediately", "action required",
				"deadline today", "긴급", "즉시",
			}},
			{Name: "medium", Impact: 15, Keywords: []string{
				"important", "deadline", "end of day", "eod", "today", "tomorrow",
				"reminder", "time sensitive", "중요", "마감", "오늘",
			}},
			{Name: "low", Impact: 5, Keywords: []string{
				"when you can", "fyi", "question", "update", "follow up", "follow-up", "확인",
			}},
		},
		BodyUrgencyRatio: 0.7,
		ReplyChainDepth:  2,
		ReplyChainFloor:  10,

		Marketing: []MarketingRule{
			{Name: "promo_sender", Field: FieldSenderPrefix, Impact: -20, Keywords: []string{
				"deals", "deal", "promo", "promotions", "offers", "offer", "sales", "sale", "marketing", "shop", "store",
			}},
			{Name: "sale", Field: FieldSubject, Impact: -30, Keywords: []string{
				"% off", "flash sale", "sale", "discount", "coupon", "limited time", "buy now",
				"free shipping", "clearance", "할인", "특가", "세일",
			}},
			{Name: "newsletter", Field: FieldSubject, Impact: -15, Keywords: []string{
				"newsletter", "digest", "weekly roundup", "this week in", "뉴스레터",
			}},
			{Name: "newsletter_sender", Field: FieldSender, Impact: -15, Keywords: []string{
				"newsletter", "digest", "substack",
			}},
			{Name: "social", Field: FieldSubject, Impact: -10, Keywords: []string{
				"liked your", "commented on", "mentioned you", "new follower", "friend request",
				"tagged you", "sent you a message on",
			}},
			{Name: "label_promotions", Field: FieldLabel, Impact: -20, Keywords: []string{"CATEGORY_PROMOTIONS"}},
			{Name: "label_social", Field: FieldLabel, Impact: -15, Keywords: []string{"CATEGORY_SOCIAL"}},
		},

		ImportantBoost:   10,
		StarredBoost:     8,
		UnreadBoost:      2,
		LabelBoost:       5,
		AttachmentsBoost: 3,

		Recency: []RecencyStep{
			{MaxAgeHours: 1, Impact: 15},
			{MaxAgeHours: 3, Impact: 10},
			{MaxAgeHours: 6, Impact: 5},
			{MaxAgeHours: 24, Impact: 0},
			{MaxAgeHours: 48, Impact: -3},
			{MaxAgeHours: 168, Impact: -6},
		},
		RecencyOldest:    -10,
		WeekendBonus:     3,
		WeekendWindowHrs: 72,

		ShortBodyChars:    50,
		LongBodyChars:     2000,
		VeryLongBodyChars: 5000,
		PersonalKeywords: []string{
			"let me know", "could you", "can you", "please", "thanks", "thank you",
			"i think", "your thoughts", "meet", "call me", "부탁", "감사합니다",
		},
		PersonalMinMatches: 2,
		AutomatedPhrases: []string{
			"do not reply", "do-not-reply", "this is an automated", "automatically generated",
			"you are receiving this", "manage your preferences", "자동 발송", "회신하지 마십시오",
		},
		AutomatedPenalty: -10,

		TrustedDomains: []string{
			"paypal.com", "stripe.com", "chase.com", "bankofamerica.com", "wellsfargo.com",
			"github.com", "google.com", "apple.com", "microsoft.com", "kbstar.com", "shinhan.com",
		},
		TrustedSuffixes: []string{".gov", ".mil", ".go.kr", ".gov.uk"},
		BulkLocalParts: []string{
			"noreply", "no-reply", "donotreply", "do-not-reply", "newsletter", "news",
			"marketing", "deals", "promo", "promotions", "offers", "mailer", "bounce", "bulk",
		},
		BulkDomains: []string{
			"mailchimp.com", "mcsv.net", "sendgrid.net", "constantcontact.com",
			"hubspotemail.net", "amazonses.com", "mailgun.org", "substack.com",
		},
		FreeMailDomains: []string{
			"gmail.com", "yahoo.com", "hotmail.com", "outlook.com", "icloud.com",
			"naver.com", "daum.net", "proton.me",
		},
		TrustedScore:  10,
		BulkScore:     -15,
		FreeMailScore: -2,

		LearnedMinConfidence: 0.5,
	}
}

var factorRanges = map[domain.Factor]factorRange{
	domain.FactorVIP:        {0, 50},
	domain.FactorUrgency:    {0, 25},
	domain.FactorMarketing:  {-30, 0},
	domain.FactorPlatform:   {0, 20},
	domain.FactorRecency:    {-10, 15},
	domain.FactorContent:    {-10, 10},
	domain.FactorReputation: {-15, 15},
	domain.FactorLearned:    {-20, 20},
}

func clampFactor(f domain.Factor, v int) int {
	r, ok := factorRanges[f]
	if !ok {
		return v
	}
	if v < r.min {
		return r.min
	}
	if v > r.max {
		return r.max
	}
	return v
}

// LoadRules reads a YAML file over the defaults. Keys absent from the file keep their default.
func LoadRules(path string) (*RuleSet, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Validate checks that rule impacts stay inside their factor ranges.
func (r *RuleSet) Validate() error {
	if r.BaseScore < 0 || r.BaseScore > 100 {
		return fmt.Errorf("base_score %d out of range", r.BaseScore)
	}
	for _, m := range r.Marketing {
		if m.Impact > 0 || m.Impact < factorRanges[domain.FactorMarketing].min {
			return fmt.Errorf("marketing rule %q impact %d out of range", m.Name, m.Impact)
		}
		switch m.Field {
		case FieldSenderPrefix, FieldSubject, FieldSender, FieldLabel:
		default:
			return fmt.Errorf("marketing rule %q has unknown field %q", m.Name, m.Field)
		}
	}
	for _, t := range r.UrgencyTiers {
		if t.Impact < 0 || t.Impact > factorRanges[domain.FactorUrgency].max {
			return fmt.Errorf("urgency tier %q impact %d out of range", t.Name, t.Impact)
		}
	}
	if r.BodyUrgencyRatio < 0 || r.BodyUrgencyRatio > 1 {
		return fmt.Errorf("body_urgency_ratio %v out of range", r.BodyUrgencyRatio)
	}
	return nil
}
