// Package accounts holds the rotating pool of catalog credentials.
//
// A Pool is owned by the single worker goroutine and is not safe for
// concurrent use.
package accounts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyPool is returned when no credentials were configured.
var ErrEmptyPool = errors.New("account pool is empty")

// Account is one credential pair plus its exhaustion window.
type Account struct {
	Email          string
	Password       string
	ExhaustedUntil time.Time
}

// Available reports whether the account may be used at now.
func (a Account) Available(now time.Time) bool {
	return !a.ExhaustedUntil.After(now)
}

// Masked returns the e-mail with the local part hidden for logging.
func (a Account) Masked() string {
	local, domain, ok := strings.Cut(a.Email, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}

// Pool is a fixed ordered list of accounts with a current index.
type Pool struct {
	accounts []Account
	current  int
}

// NewPool copies accounts into a new pool starting at index 0.
func NewPool(accounts []Account) (*Pool, error) {
	if len(accounts) == 0 {
		return nil, ErrEmptyPool
	}
	cp := make([]Account, len(accounts))
	copy(cp, accounts)
	return &Pool{accounts: cp}, nil
}

// Size returns the number of accounts.
func (p *Pool) Size() int {
	return len(p.accounts)
}

// Current returns the active index and account.
func (p *Pool) Current() (int, Account) {
	return p.current, p.accounts[p.current]
}

// Account returns the account at index i.
func (p *Pool) Account(i int) Account {
	return p.accounts[i]
}

// MarkExhausted stamps the account at index i as unusable until until.
func (p *Pool) MarkExhausted(i int, until time.Time) {
	p.accounts[i].ExhaustedUntil = until
}

// Select returns the current account when it is available, otherwise it
// rotates to the next available one.
func (p *Pool) Select(now time.Time) (int, Account, bool) {
	if p.accounts[p.current].Available(now) {
		return p.current, p.accounts[p.current], true
	}
	return p.Rotate(now)
}

// Rotate makes the lowest-index available account other than the current
// one current. The current account itself is never returned.
func (p *Pool) Rotate(now time.Time) (int, Account, bool) {
	for i, a := range p.accounts {
		if i != p.current && a.Available(now) {
			p.current = i
			return i, a, true
		}
	}
	return p.current, Account{}, false
}

// NextAvailableIn reports how long until the earliest exhausted account frees
// up. It returns zero if any account is available now.
func (p *Pool) NextAvailableIn(now time.Time) time.Duration {
	var shortest time.Duration
	for i, a := range p.accounts {
		if a.Available(now) {
			return 0
		}
		wait := a.ExhaustedUntil.Sub(now)
		if i == 0 || wait < shortest {
			shortest = wait
		}
	}
	return shortest
}

// Parse reads a delimited credential list. Entries are separated by commas,
// semicolons or newlines; each entry is email:password, split at the first
// colon so passwords may contain colons.
func Parse(raw string) ([]Account, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})
	out := make([]Account, 0, len(fields))
	for idx, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		email, password, ok := strings.Cut(field, ":")
		email = strings.TrimSpace(email)
		if !ok || email == "" || password == "" {
			return nil, fmt.Errorf("account entry %d: expected email:password", idx+1)
		}
		out = append(out, Account{Email: email, Password: password})
	}
	return out, nil
}

// Resolve parses primary and falls back to the fallback list when primary
// yields no accounts.
func Resolve(primary, fallback string) ([]Account, error) {
	accounts, err := Parse(primary)
	if err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	if len(accounts) > 0 {
		return accounts, nil
	}
	accounts, err = Parse(fallback)
	if err != nil {
		return nil, fmt.Errorf("parse fallback accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrEmptyPool
	}
	return accounts, nil
}
