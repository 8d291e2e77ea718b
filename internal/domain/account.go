package domain

// AccountID identifies a linked source account. It equals the numeric
// application id of the credential the account was started from.
type AccountID int64

// Credential describes one linked account. The JSON field names match the
// credentials file written by earlier releases.
type Credential struct {
	AppID    int64  `json:"api_id" yaml:"api_id"`
	AppHash  string `json:"api_hash" yaml:"api_hash"`
	Identity string `json:"phonenumber" yaml:"phonenumber"` // phone number or handle
}

// AccountID returns the id the account is registered under.
func (c Credential) AccountID() AccountID { return AccountID(c.AppID) }

type AccountState string

const (
	AccountRegistered AccountState = "registered"
	AccountStarting   AccountState = "starting"
	AccountActive     AccountState = "active"
	AccountFailed     AccountState = "failed"
	AccountStopped    AccountState = "stopped"
)

// Terminal reports whether no further events will be produced in this state.
func (s AccountState) Terminal() bool {
	return s == AccountFailed || s == AccountStopped
}

// Account is a point-in-time snapshot of a registered account.
type Account struct {
	ID       AccountID    `json:"id"`
	Identity string       `json:"identity"`
	State    AccountState `json:"state"`
	Err      string       `json:"error,omitempty"`
}
