package auth

import (
	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/config"
)

// Locators holds the candidate locators for every field the flows touch.
// Candidates are tried in order; the first visible one is used.
type Locators struct {
	Username []driver.Locator
	Password []driver.Locator
	Submit   []driver.Locator

	ProviderEntry   []driver.Locator
	Identity        []driver.Locator
	IdentityNext    []driver.Locator
	Secret          []driver.Locator
	SecretSubmit    []driver.Locator
	StaySignedInYes []driver.Locator
	StaySignedInNo  []driver.Locator
	// PostLogin, when set, must become visible for a login to count.
	PostLogin []driver.Locator
}

// DefaultLocators returns the built-in heuristics for common login forms and
// the Microsoft identity platform.
func DefaultLocators() Locators {
	return Locators{
		Username: []driver.Locator{
			driver.CSS("username", "input[name='username']"),
			driver.CSS("username", "input[id='username']"),
			driver.CSS("username", "input[autocomplete='username']"),
			driver.CSS("email", "input[name='email']"),
			driver.CSS("email", "input[type='email']"),
		},
		Password: []driver.Locator{
			driver.CSS("password", "input[name='password']"),
			driver.CSS("password", "input[id='password']"),
			driver.CSS("password", "input[type='password']"),
		},
		Submit: []driver.Locator{
			driver.CSS("submit", "button[type='submit']"),
			driver.CSS("submit", "input[type='submit']"),
			driver.CSS("submit", "form button"),
		},
		ProviderEntry: []driver.Locator{
			driver.CSS("provider entry", "[data-provider]"),
			driver.CSS("provider entry", "a[href*='/oauth2/']"),
			driver.CSS("provider entry", "a[href*='saml']"),
			driver.XPath("provider entry", "//*[self::a or self::button][contains(normalize-space(.), 'Sign in with')]"),
		},
		Identity: []driver.Locator{
			driver.CSS("identity", "input[name='loginfmt']"),
			driver.CSS("identity", "input[type='email']"),
			driver.CSS("identity", "input[name='identifier']"),
			driver.CSS("identity", "input[name='username']"),
		},
		IdentityNext: []driver.Locator{
			driver.CSS("next", "input[id='idSIButton9']"),
			driver.CSS("next", "button[id='identifierNext']"),
			driver.CSS("next", "button[type='submit']"),
			driver.CSS("next", "input[type='submit']"),
		},
		Secret: []driver.Locator{
			driver.CSS("secret", "input[name='passwd']"),
			driver.CSS("secret", "input[name='Password']"),
			driver.CSS("secret", "input[type='password']"),
		},
		SecretSubmit: []driver.Locator{
			driver.CSS("sign in", "input[id='idSIButton9']"),
			driver.CSS("sign in", "span[id='submitButton']"),
			driver.CSS("sign in", "button[id='passwordNext']"),
			driver.CSS("sign in", "button[type='submit']"),
			driver.CSS("sign in", "input[type='submit']"),
		},
		StaySignedInYes: []driver.Locator{
			driver.CSS("stay signed in", "input[id='idSIButton9']"),
		},
		StaySignedInNo: []driver.Locator{
			driver.CSS("do not stay signed in", "input[id='idBtn_Back']"),
		},
	}
}

// WithOverrides replaces each candidate list whose selector is configured.
func (l Locators) WithOverrides(s config.AuthSelectors) Locators {
	override := func(dst *[]driver.Locator, name, selector string) {
		if selector != "" {
			*dst = []driver.Locator{driver.Parse(name, selector)}
		}
	}
	override(&l.Username, "username", s.Username)
	override(&l.Password, "password", s.Password)
	override(&l.Submit, "submit", s.Submit)
	override(&l.ProviderEntry, "provider entry", s.ProviderEntry)
	override(&l.Identity, "identity", s.Identity)
	override(&l.IdentityNext, "next", s.IdentityNext)
	override(&l.Secret, "secret", s.Secret)
	override(&l.SecretSubmit, "sign in", s.SecretSubmit)
	override(&l.StaySignedInYes, "stay signed in", s.StaySignedInYes)
	override(&l.StaySignedInNo, "do not stay signed in", s.StaySignedInNo)
	override(&l.PostLogin, "post login", s.PostLogin)
	return l
}
