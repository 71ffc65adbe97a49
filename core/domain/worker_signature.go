package domain

// MessageSignature is a derived fingerprint of a message used as a cache key.
// It is regenerated on every lookup and never persisted on its own.
type MessageSignature struct {
	ExactKey     string   `json:"exact_key"`
	PatternKey   string   `json:"pattern_key"`
	SenderDomain string   `json:"sender_domain"`
	SubjectClass string   `json:"subject_class"`
	ContentClass string   `json:"content_class"`
	Flags        []string `json:"flags"`
}

// Fragment prefixes for pattern-tier keys.
const (
	FragmentSender  = "sender:"
	FragmentSubject = "subject:"
	FragmentContent = "content:"
)

// Fragments returns the pattern-tier keys in lookup order (sender, subject, content).
func (s MessageSignature) Fragments() []string {
	return []string{
		FragmentSender + s.SenderDomain,
		FragmentSubject + s.SubjectClass,
		FragmentContent + s.ContentClass,
	}
}

// HasFlag reports whether the signature flag set contains flag.
func (s MessageSignature) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Signature flags.
const (
	FlagImportant   = "important"
	FlagStarred     = "starred"
	FlagUnread      = "unread"
	FlagAttachments = "attachments"
)
