// Package guardrails screens source records before they may become new
// canonical entities. Every rule is a pure predicate; a rejected record is
// routed to review, never dropped.
package guardrails

import (
	"strings"
	"unicode"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// Rule names recorded as the decision reason when a screen rejects.
const (
	RuleOrganizationalEmail      = "organizational_email"
	RuleOrganizationalVocabulary = "organizational_vocabulary"
	RuleStreetAddressName        = "street_address_name"
	RuleShoutingName             = "shouting_name"
	RulePlaceholderName          = "placeholder_name"
	RuleMissingLocation          = "missing_location"
	RuleMissingIdentity          = "missing_identity"
)

// Verdict is the outcome of Screen.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Rule     string `json:"rule,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func accept() Verdict {
	return Verdict{Accepted: true}
}

func reject(rule, reason string) Verdict {
	return Verdict{Rule: rule, Reason: reason}
}

type Config struct {
	// OrganizationalDomains extends the built-in list of email domains that
	// belong to organizations rather than people.
	OrganizationalDomains []string
	// OrganizationalVocabulary extends the built-in name vocabulary.
	OrganizationalVocabulary []string
	MinNameLength            int
	ShoutingThreshold        int
}

func DefaultConfig() Config {
	return Config{
		MinNameLength:     2,
		ShoutingThreshold: 12,
	}
}

var genericMailboxes = []string{
	"info", "office", "admin", "contact", "support", "hello", "sales",
	"noreply", "no-reply", "frontdesk", "reception", "team",
}

var organizationalVocabulary = []string{
	"school", "elementary", "middle school", "high school", "academy", "church",
	"corp", "corporation", "inc", "llc", "ltd", "company", "co op", "apartments",
	"apartment", "housing", "shelter", "clinic", "hospital", "association",
	"foundation", "rescue", "county", "city of", "department", "district",
	"university", "college", "center", "services", "hoa", "mobile home park",
}

// Street-type suffixes. The ambiguous ones also occur as surnames or titles
// and only count when the name starts with a house number.
var streetSuffixes = map[string]bool{
	"st": true, "street": true, "ave": true, "avenue": true, "blvd": true,
	"boulevard": true, "rd": true, "road": true,
}

var ambiguousStreetSuffixes = map[string]bool{
	"dr": true, "drive": true, "ln": true, "lane": true, "ct": true,
	"court": true, "way": true, "pl": true, "place": true, "cir": true,
}

var placeholders = map[string]bool{
	"test": true, "testing": true, "unknown": true, "na": true, "n a": true,
	"none": true, "null": true, "asdf": true, "xxx": true, "tbd": true,
	"no name": true, "noname": true, "anonymous": true, "anon": true,
	"owner": true, "resident": true, "occupant": true, "name": true,
	"first last": true, "test test": true, "same": true,
}

// Screener holds the configured vocabulary.
type Screener struct {
	cfg        Config
	domains    []string
	vocabulary []string
}

func New(cfg Config) *Screener {
	if cfg.MinNameLength <= 0 {
		cfg.MinNameLength = DefaultConfig().MinNameLength
	}
	if cfg.ShoutingThreshold <= 0 {
		cfg.ShoutingThreshold = DefaultConfig().ShoutingThreshold
	}
	s := &Screener{cfg: cfg}
	for _, d := range cfg.OrganizationalDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			s.domains = append(s.domains, d)
		}
	}
	s.vocabulary = append(s.vocabulary, organizationalVocabulary...)
	for _, v := range cfg.OrganizationalVocabulary {
		if v = normalizers.NormalizeLocality(v); v != "" {
			s.vocabulary = append(s.vocabulary, v)
		}
	}
	return s
}

// Screen applies the rule set for the record's kind.
func (s *Screener) Screen(rec *models.SourceRecord) Verdict {
	switch rec.Kind {
	case models.EntityKindPerson:
		return s.screenPerson(rec)
	case models.EntityKindPlace:
		return s.screenPlace(rec)
	case models.EntityKindAnimal:
		return s.screenAnimal(rec)
	case models.EntityKindRequest:
		return s.screenRequest(rec)
	}
	return reject(RuleMissingIdentity, "unknown entity kind")
}

func (s *Screener) screenPerson(rec *models.SourceRecord) Verdict {
	if s.IsPlaceholderName(rec.Name) {
		return reject(RulePlaceholderName, "name is empty, too short or a placeholder")
	}
	if s.HasOrganizationalVocabulary(rec.Name) {
		return reject(RuleOrganizationalVocabulary, "name contains organizational or location vocabulary")
	}
	if LooksLikeStreetAddress(rec.Name) {
		return reject(RuleStreetAddressName, "name looks like a street address")
	}
	if s.IsShoutingName(rec.Name) {
		return reject(RuleShoutingName, "name is an unbroken all-caps string")
	}
	for _, email := range rec.Emails {
		if s.IsOrganizationalEmail(email) {
			return reject(RuleOrganizationalEmail, "contact address belongs to an organization")
		}
	}
	return accept()
}

func (s *Screener) screenPlace(rec *models.SourceRecord) Verdict {
	if IsMissingLocation(rec) {
		return reject(RuleMissingLocation, "place has neither an address nor coordinates")
	}
	if strings.TrimSpace(rec.Address) != "" && s.IsPlaceholderName(rec.Address) {
		return reject(RulePlaceholderName, "address is a placeholder")
	}
	return accept()
}

func (s *Screener) screenAnimal(rec *models.SourceRecord) Verdict {
	if len(rec.Tags) > 0 {
		for _, tag := range rec.Tags {
			if normalizers.NormalizeTag(tag) != "" {
				return accept()
			}
		}
	}
	if s.IsPlaceholderName(rec.Name) {
		return reject(RuleMissingIdentity, "animal has no usable name or tag")
	}
	return accept()
}

func (s *Screener) screenRequest(rec *models.SourceRecord) Verdict {
	if s.IsPlaceholderName(rec.Name) {
		return reject(RulePlaceholderName, "request summary is empty or a placeholder")
	}
	return accept()
}

// IsOrganizationalEmail reports whether the address is a generic mailbox or
// belongs to an organizational domain, including the configured ones.
func (s *Screener) IsOrganizationalEmail(email string) bool {
	return IsOrganizationalEmail(email, s.domains...)
}

// IsOrganizationalEmail reports whether the address is a generic mailbox, an
// .edu, .gov, .mil or k12 address, or belongs to one of extraDomains.
func IsOrganizationalEmail(email string, extraDomains ...string) bool {
	normalized := normalizers.NormalizeEmail(email)
	if normalized == "" {
		return false
	}
	local, domain := normalizers.EmailParts(normalized)
	for _, prefix := range genericMailboxes {
		if local == prefix || strings.HasPrefix(local, prefix+".") || strings.HasPrefix(local, prefix+"+") {
			return true
		}
	}
	if strings.HasSuffix(domain, ".edu") || strings.HasSuffix(domain, ".gov") || strings.HasSuffix(domain, ".mil") {
		return true
	}
	if strings.HasPrefix(domain, "k12.") || strings.Contains(domain, ".k12.") {
		return true
	}
	for _, d := range extraDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// HasOrganizationalVocabulary reports whether the name contains a word or
// phrase naming an organization or facility.
func (s *Screener) HasOrganizationalVocabulary(name string) bool {
	tokens := normalizers.Tokens(name)
	if len(tokens) == 0 {
		return false
	}
	padded := " " + strings.Join(tokens, " ") + " "
	for _, v := range s.vocabulary {
		if strings.Contains(padded, " "+v+" ") {
			return true
		}
	}
	return false
}

// LooksLikeStreetAddress reports whether a proposed name is really an address:
// it ends in a street-type suffix, and for suffixes that double as surnames
// it also starts with a house number.
func LooksLikeStreetAddress(name string) bool {
	tokens := normalizers.Tokens(name)
	if len(tokens) < 2 {
		return false
	}
	last := tokens[len(tokens)-1]
	numbered := strings.IndexFunc(tokens[0], unicode.IsDigit) >= 0
	if streetSuffixes[last] {
		return true
	}
	return numbered && ambiguousStreetSuffixes[last]
}

// IsShoutingName reports whether the name is a single unbroken all-caps run of
// letters longer than the threshold.
func (s *Screener) IsShoutingName(name string) bool {
	name = strings.TrimSpace(name)
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return false
	}
	letters := 0
	for _, r := range name {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters > s.cfg.ShoutingThreshold
}

// IsPlaceholderName reports whether the name is empty, shorter than the
// minimum, a known placeholder or test string, or one character repeated.
func (s *Screener) IsPlaceholderName(name string) bool {
	tokens := normalizers.Tokens(name)
	compact := strings.Join(tokens, "")
	if len([]rune(compact)) < s.cfg.MinNameLength {
		return true
	}
	if placeholders[strings.Join(tokens, " ")] || placeholders[compact] {
		return true
	}
	return IsRepeatedCharacter(compact)
}

// IsRepeatedCharacter reports whether s is a single character repeated.
func IsRepeatedCharacter(s string) bool {
	runes := []rune(s)
	if len(runes) < 2 {
		return false
	}
	for _, r := range runes[1:] {
		if r != runes[0] {
			return false
		}
	}
	return true
}

// IsMissingLocation reports whether the record has neither an address nor
// coordinates.
func IsMissingLocation(rec *models.SourceRecord) bool {
	return strings.TrimSpace(rec.Address) == "" && !rec.HasLocation()
}
