/*
Package policy holds the site access policy: tier ordering, the capability
table, per-tier email grants, the supreme security question and content
schema extensions.

The policy is plain YAML so operators can change grants without a rebuild.
A Holder keeps the active policy and swaps it atomically when the file
changes on disk.
*/
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"mindgraphix/db"
	"mindgraphix/models"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Capability names one guarded action.
type Capability string

const (
	ContentWrite       Capability = "content:write"
	RequestsReadAll    Capability = "requests:read_all"
	RequestsManage     Capability = "requests:manage"
	ChatsManage        Capability = "chats:manage"
	UsersManage        Capability = "users:manage"
	NotificationsAdmin Capability = "notifications:admin"
	LogsRead           Capability = "logs:read"
	LogsWrite          Capability = "logs:write"
	FilesManage        Capability = "files:manage"
	QuotesRead         Capability = "quotes:read"
	HealthRead         Capability = "health:read"
	EventsWatch        Capability = "events:watch"
	BackupExport       Capability = "backup:export"
	BackupImport       Capability = "backup:import"
	StoreReset         Capability = "store:reset"
)

var tierOrder = []models.Role{models.RoleAnonymous, models.RoleUser, models.RoleAdmin, models.RoleSupreme}

// Capabilities introduced at each tier. Higher tiers inherit the lower rows.
var baseCapabilities = map[models.Role][]Capability{
	models.RoleAnonymous: {},
	models.RoleUser:      {},
	models.RoleAdmin: {
		ContentWrite, RequestsReadAll, RequestsManage, ChatsManage,
		NotificationsAdmin, LogsRead, LogsWrite, FilesManage, QuotesRead,
		HealthRead, EventsWatch,
	},
	models.RoleSupreme: {UsersManage, BackupExport, BackupImport, StoreReset},
}

// Rank orders tiers. Unknown tiers rank below anonymous.
func Rank(r models.Role) int {
	for i, t := range tierOrder {
		if t == r {
			return i
		}
	}
	return -1
}

// Max returns the higher of two tiers.
func Max(a, b models.Role) models.Role {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}

// ParseTier accepts any known tier name, case-insensitive.
func ParseTier(s string) (models.Role, error) {
	r := models.Role(strings.ToLower(strings.TrimSpace(s)))
	if Rank(r) < 0 {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return r, nil
}

// Supreme configures elevation to the supreme tier.
type Supreme struct {
	Question   string `yaml:"question"`
	AnswerHash string `yaml:"answer_hash"`
}

// Policy is the parsed site policy file.
type Policy struct {
	// Grants lists the emails raised to at least the named tier.
	Grants map[models.Role][]string `yaml:"grants"`
	// Capabilities adds capabilities to a tier on top of the built-in table.
	Capabilities  map[models.Role][]Capability `yaml:"capabilities"`
	Supreme       Supreme                      `yaml:"supreme"`
	ContentSchema map[string]string            `yaml:"content_schema"`

	grantIndex map[string]models.Role
	table      map[models.Role]map[Capability]bool
}

// Default is the policy used when no file is configured: no grants, no
// elevation, the built-in capability table.
func Default() *Policy {
	p := &Policy{}
	if err := p.compile(); err != nil {
		panic(err)
	}
	return p
}

// Parse decodes and validates a policy document.
func Parse(data []byte) (*Policy, error) {
	p := &Policy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads the policy at path. An empty path or a missing file yields the
// default policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return Parse(data)
}

func (p *Policy) compile() error {
	p.grantIndex = make(map[string]models.Role)
	for tier, emails := range p.Grants {
		if Rank(tier) <= Rank(models.RoleAnonymous) {
			return fmt.Errorf("grants: tier %q cannot be granted", tier)
		}
		for _, email := range emails {
			e := strings.ToLower(strings.TrimSpace(email))
			if e == "" {
				continue
			}
			p.grantIndex[e] = Max(p.grantIndex[e], tier)
		}
	}

	extra := make(map[models.Role]map[Capability]bool)
	for tier, caps := range p.Capabilities {
		if Rank(tier) < 0 {
			return fmt.Errorf("capabilities: unknown tier %q", tier)
		}
		extra[tier] = make(map[Capability]bool, len(caps))
		for _, c := range caps {
			extra[tier][c] = true
		}
	}

	p.table = make(map[models.Role]map[Capability]bool, len(tierOrder))
	inherited := map[Capability]bool{}
	for _, tier := range tierOrder {
		for _, c := range baseCapabilities[tier] {
			inherited[c] = true
		}
		for c := range extra[tier] {
			inherited[c] = true
		}
		row := make(map[Capability]bool, len(inherited))
		for c := range inherited {
			row[c] = true
		}
		p.table[tier] = row
	}

	if p.Supreme.Question != "" {
		if _, err := bcrypt.Cost([]byte(p.Supreme.AnswerHash)); err != nil {
			return fmt.Errorf("supreme.answer_hash must be a bcrypt hash: %w", err)
		}
	}

	if _, err := db.DefaultContentSchema().Extend(p.ContentSchema); err != nil {
		return fmt.Errorf("content_schema: %w", err)
	}
	return nil
}

// Allows reports whether tier holds capability c.
func (p *Policy) Allows(tier models.Role, c Capability) bool {
	return p.table[tier][c]
}

// CapabilitiesOf lists a tier's capabilities, sorted.
func (p *Policy) CapabilitiesOf(tier models.Role) []Capability {
	out := make([]Capability, 0, len(p.table[tier]))
	for c := range p.table[tier] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Grant returns the tier granted to email, or "" when none.
func (p *Policy) Grant(email string) models.Role {
	return p.grantIndex[strings.ToLower(strings.TrimSpace(email))]
}

// EffectiveTier is the higher of the stored role and any grant.
func (p *Policy) EffectiveTier(role models.Role, email string) models.Role {
	if Rank(role) < 0 {
		role = models.RoleAnonymous
	}
	if g := p.Grant(email); g != "" {
		return Max(role, g)
	}
	return role
}

// LoginTier is the tier issued by a password login, capped at admin.
func (p *Policy) LoginTier(role models.Role, email string) models.Role {
	tier := p.EffectiveTier(role, email)
	if Rank(tier) > Rank(models.RoleAdmin) {
		return models.RoleAdmin
	}
	return tier
}

// SupremeEligible reports whether the account may attempt elevation.
func (p *Policy) SupremeEligible(role models.Role, email string) bool {
	return p.ElevationEnabled() && p.EffectiveTier(role, email) == models.RoleSupreme
}

// ElevationEnabled reports whether a security question is configured.
func (p *Policy) ElevationEnabled() bool {
	return p.Supreme.Question != "" && p.Supreme.AnswerHash != ""
}

// CheckAnswer compares answer with the configured hash. Answers are trimmed
// and lower-cased before hashing.
func (p *Policy) CheckAnswer(answer string) bool {
	if !p.ElevationEnabled() {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(p.Supreme.AnswerHash), []byte(normalizeAnswer(answer)))
	return err == nil
}

// Schema extends base with the policy's content schema rules.
func (p *Policy) Schema(base db.ContentSchema) (db.ContentSchema, error) {
	return base.Extend(p.ContentSchema)
}

// HashAnswer produces the answer_hash value for a policy file.
func HashAnswer(answer string, cost int) (string, error) {
	normalized := normalizeAnswer(answer)
	if normalized == "" {
		return "", errors.New("answer is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(normalized), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
