// Package signature derives cache fingerprints from inbound messages.
package signature

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"

	"priority_server/core/domain"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/publicsuffix"
)

// Subject classes.
const (
	SubjectUrgent        = "urgent"
	SubjectReplyChain    = "reply_chain"
	SubjectReply         = "reply"
	SubjectForward       = "forward"
	SubjectPromotional   = "promotional"
	SubjectNewsletter    = "newsletter"
	SubjectSocial        = "social"
	SubjectMeeting       = "meeting"
	SubjectTransactional = "transactional"
	SubjectShort         = "short"
	SubjectLong          = "long"
	SubjectGeneral       = "general"
)

// Content length buckets (in runes).
const (
	shortContentMax  = 200
	mediumContentMax = 2000

	shortSubjectMax = 15
	longSubjectMin  = 100
)

var (
	urgentMarkers      = []string{"urgent", "asap", "긴급", "immediately", "action required", "!!!"}
	promotionalMarkers = []string{"% off", "sale", "discount", "deal", "offer", "coupon", "free shipping", "할인", "특가"}
	newsletterMarkers  = []string{"newsletter", "digest", "weekly", "monthly", "뉴스레터"}
	socialMarkers      = []string{"liked your", "commented", "mentioned you", "new follower", "friend request", "tagged you"}
	meetingMarkers     = []string{"meeting", "invitation:", "invite", "calendar", "call", "회의", "미팅"}
	transactionMarkers = []string{"receipt", "invoice", "order", "payment", "shipped", "delivery", "영수증", "결제", "주문"}

	automatedMarkers = []string{
		"do not reply", "do-not-reply", "this is an automated", "automatically generated",
		"unsubscribe", "notification settings", "자동 발송", "회신하지 마십시오",
	}
	personalMarkers = []string{
		"let me know", "could you", "can you", "please", "thanks", "thank you",
		"i think", "your thoughts", "부탁", "감사합니다",
	}
)

// Generate computes the signature of msg. It is pure and deterministic.
func Generate(msg *domain.InboundMessage) domain.MessageSignature {
	flags := Flags(msg)
	senderDomain := RegistrableDomain(msg.SenderHost())
	subjectClass := ClassifySubject(msg.SubjectText)
	contentClass := ClassifyContent(msg.Content())

	return domain.MessageSignature{
		ExactKey:     hashParts(msg.SenderAddress(), msg.SubjectText, msg.Content(), strings.Join(flags, ",")),
		PatternKey:   hashParts(senderDomain, subjectClass, contentClass, strings.Join(flags, ",")),
		SenderDomain: senderDomain,
		SubjectClass: subjectClass,
		ContentClass: contentClass,
		Flags:        flags,
	}
}

func hashParts(parts ...string) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], d.Sum64())
	return hex.EncodeToString(buf[:])
}

// Flags returns the sorted, de-duplicated flag set of msg.
func Flags(msg *domain.InboundMessage) []string {
	set := make(map[string]struct{}, len(msg.Labels)+4)
	if msg.IsImportant {
		set[domain.FlagImportant] = struct{}{}
	}
	if msg.IsStarred {
		set[domain.FlagStarred] = struct{}{}
	}
	if msg.IsUnread {
		set[domain.FlagUnread] = struct{}{}
	}
	if msg.HasAttachments {
		set[domain.FlagAttachments] = struct{}{}
	}
	for _, l := range msg.Labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" {
			set[l] = struct{}{}
		}
	}

	flags := make([]string, 0, len(set))
	for f := range set {
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return flags
}

// RegistrableDomain returns the eTLD+1 for host, falling back to the last two labels.
func RegistrableDomain(host string) string {
	host = strings.Trim(strings.ToLower(host), ".")
	if host == "" {
		return ""
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// ReplyDepth counts leading "RE:" prefixes (case-insensitive, "Re[2]:" counts as 2).
func ReplyDepth(subject string) int {
	s := strings.TrimSpace(strings.ToLower(subject))
	depth := 0
	for {
		switch {
		case strings.HasPrefix(s, "re:"):
			depth++
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(s, "re[") && strings.Contains(s, "]:"):
			end := strings.Index(s, "]:")
			n := 0
			for _, c := range s[3:end] {
				if c < '0' || c > '9' {
					n = 0
					break
				}
				n = n*10 + int(c-'0')
			}
			if n == 0 {
				return depth
			}
			depth += n
			s = strings.TrimSpace(s[end+2:])
		default:
			return depth
		}
	}
}

// ClassifySubject maps a subject line to one of the closed subject classes.
func ClassifySubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))

	switch depth := ReplyDepth(s); {
	case containsAny(s, urgentMarkers):
		return SubjectUrgent
	case depth >= 2:
		return SubjectReplyChain
	case depth == 1:
		return SubjectReply
	case strings.HasPrefix(s, "fw:") || strings.HasPrefix(s, "fwd:"):
		return SubjectForward
	case containsAny(s, promotionalMarkers):
		return SubjectPromotional
	case containsAny(s, newsletterMarkers):
		return SubjectNewsletter
	case containsAny(s, socialMarkers):
		return SubjectSocial
	case containsAny(s, meetingMarkers):
		return SubjectMeeting
	case containsAny(s, transactionMarkers):
		return SubjectTransactional
	}

	n := len([]rune(s))
	switch {
	case n < shortSubjectMax:
		return SubjectShort
	case n > longSubjectMin:
		return SubjectLong
	default:
		return SubjectGeneral
	}
}

// ClassifyContent maps content to "<length>_<style>".
func ClassifyContent(content string) string {
	content = strings.TrimSpace(content)
	n := len([]rune(content))

	var length string
	switch {
	case n == 0:
		return "empty"
	case n < shortContentMax:
		length = "short"
	case n < mediumContentMax:
		length = "medium"
	default:
		length = "long"
	}

	lower := strings.ToLower(content)
	switch {
	case IsAutomated(lower):
		return length + "_automated"
	case PersonalMarkerCount(lower) > 0:
		return length + "_personal"
	default:
		return length + "_plain"
	}
}

// IsAutomated reports whether lower-cased text contains an automated-sender phrase.
func IsAutomated(lower string) bool {
	return containsAny(lower, automatedMarkers)
}

// PersonalMarkerCount counts distinct personal phrases in lower-cased text.
func PersonalMarkerCount(lower string) int {
	n := 0
	for _, m := range personalMarkers {
		if strings.Contains(lower, m) {
			n++
		}
	}
	return n
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
