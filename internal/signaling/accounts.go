package signaling

import (
	"strings"
	"sync"
)

// Account is one SIP trunk account the gateway answers for.
type Account struct {
	ID        int64
	Label     string
	Username  string
	Password  string
	Registrar string // host[:port] of the upstream registrar
	Active    bool
}

// AccountTable resolves inbound calls to accounts by To-URI username.
type AccountTable struct {
	mu       sync.RWMutex
	accounts []Account
}

// NewAccountTable creates a table over a static account list.
func NewAccountTable(accounts []Account) *AccountTable {
	return &AccountTable{accounts: accounts}
}

// ResolveByUsername finds the active account whose username matches,
// case-insensitively.
func (t *AccountTable) ResolveByUsername(username string) (Account, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(username))
	if needle == "" {
		return Account{}, false
	}
	for _, account := range t.accounts {
		if account.Active && strings.ToLower(account.Username) == needle {
			return account, true
		}
	}
	return Account{}, false
}

// Active returns the active accounts.
func (t *AccountTable) Active() []Account {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var active []Account
	for _, account := range t.accounts {
		if account.Active {
			active = append(active, account)
		}
	}
	return active
}
