// Package sim generates synthetic login traffic for exercising lockout,
// rate limiting and the audit trail against a running instance.
package sim

import (
	"fmt"
	"math/rand"
	"time"
)

// Credential is one login/password pair known to the scenario.
type Credential struct {
	Login    string
	Password string
}

// Attempt is a single generated login try.
type Attempt struct {
	Login     string
	Password  string
	Valid     bool
	Narrative string
}

// Scenario describes the identities under attack and the traffic mix.
type Scenario struct {
	Name string
	// Accounts that actually exist, with their real passwords.
	Accounts []Credential
	// Leaked passwords tried against every account, none of them correct.
	Leaked []string
	// ValidShare is the fraction of attempts that use the right password.
	ValidShare float64
	Narratives []string
}

// CredentialStuffingScenario models a leaked-list replay: a small number of
// real logins under a burst of wrong passwords, with occasional legitimate
// traffic mixed in so lockouts hit real sessions too.
func CredentialStuffingScenario() Scenario {
	return Scenario{
		Name: "CredentialStuffing",
		Accounts: []Credential{
			{Login: "alice@example.com", Password: "alice-Passw0rd"},
			{Login: "bob@example.com", Password: "bob-Passw0rd"},
			{Login: "carol@example.com", Password: "carol-Passw0rd"},
		},
		Leaked: []string{
			"123456", "password", "qwerty123", "letmein!", "summer2024",
		},
		ValidShare: 0.2,
		Narratives: []string{
			"replay of a public breach list",
			"slow-burn stuffing under the rate limit",
			"burst after a phishing campaign",
		},
	}
}

// Generator produces attempts from a scenario with a seeded source, so runs
// are reproducible.
type Generator struct {
	scenario Scenario
	rnd      *rand.Rand
}

// NewGenerator seeds a generator; seed 0 means wall-clock.
func NewGenerator(seed int64) Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return Generator{scenario: CredentialStuffingScenario(), rnd: rand.New(rand.NewSource(seed))}
}

// NextAttempt draws one login try according to the scenario mix.
func (g Generator) NextAttempt() Attempt {
	accs := g.scenario.Accounts
	if len(accs) == 0 {
		panic("scenario requires at least one account")
	}
	target := accs[g.rnd.Intn(len(accs))]
	narrative := g.scenario.Narratives[g.rnd.Intn(len(g.scenario.Narratives))]

	if g.rnd.Float64() < g.scenario.ValidShare {
		return Attempt{
			Login:     target.Login,
			Password:  target.Password,
			Valid:     true,
			Narrative: narrative,
		}
	}
	guess := g.scenario.Leaked[g.rnd.Intn(len(g.scenario.Leaked))]
	if g.rnd.Intn(4) == 0 {
		// A mangled variant, the way stuffing tools mutate entries.
		guess = fmt.Sprintf("%s%d", guess, g.rnd.Intn(100))
	}
	return Attempt{
		Login:     target.Login,
		Password:  guess,
		Valid:     false,
		Narrative: narrative,
	}
}

// Accounts returns a copy of the scenario's real credentials, for seeding
// the instance before a run.
func (g Generator) Accounts() []Credential {
	return append([]Credential(nil), g.scenario.Accounts...)
}

// OverrideAccounts swaps the target identities, keeping the traffic mix.
func (g *Generator) OverrideAccounts(accounts []Credential) {
	g.scenario.Accounts = append([]Credential(nil), accounts...)
}
