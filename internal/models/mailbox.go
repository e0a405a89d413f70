package models

import (
	"strings"
	"time"
)

// MailboxAccount represents a configured inbox polled for inbound support email.
type MailboxAccount struct {
	ID                  int        `json:"id" db:"id" yaml:"id"`
	Name                string     `json:"name" db:"name" yaml:"name"`
	EmailAddress        string     `json:"email_address" db:"email_address" yaml:"email_address"`
	Type                string     `json:"type" db:"account_type" yaml:"type"` // imap, imaps, pop3, pop3s, graph
	Host                string     `json:"host" db:"host" yaml:"host"`
	Port                int        `json:"port" db:"port" yaml:"port"`
	Username            string     `json:"username" db:"username" yaml:"username"`
	Password            string     `json:"-" db:"password" yaml:"password"`
	Folder              string     `json:"folder,omitempty" db:"folder" yaml:"folder"`
	TenantID            string     `json:"tenant_id,omitempty" db:"tenant_id" yaml:"tenant_id"`
	ClientID            string     `json:"client_id,omitempty" db:"client_id" yaml:"client_id"`
	ClientSecret        string     `json:"-" db:"client_secret" yaml:"client_secret"`
	FetchLimit          int        `json:"fetch_limit" db:"fetch_limit" yaml:"fetch_limit"`
	DefaultPriority     string     `json:"default_priority" db:"default_priority" yaml:"default_priority"`
	DefaultCategoryID   *int       `json:"default_category_id,omitempty" db:"default_category_id" yaml:"default_category_id"`
	DefaultDepartmentID *int       `json:"default_department_id,omitempty" db:"default_department_id" yaml:"default_department_id"`
	Shared              bool       `json:"shared" db:"is_shared" yaml:"shared"`
	OwnerAgentID        *int       `json:"owner_agent_id,omitempty" db:"owner_agent_id" yaml:"owner_agent_id"`
	AllowTrustedHeaders bool       `json:"allow_trusted_headers" db:"allow_trusted_headers" yaml:"allow_trusted_headers"`
	IsActive            bool       `json:"is_active" db:"is_active" yaml:"active"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at" yaml:"-"`
}

// IsOwnAddress reports whether addr is the mailbox's own address.
func (a MailboxAccount) IsOwnAddress(addr string) bool {
	own := strings.TrimSpace(a.EmailAddress)
	if own == "" {
		return false
	}
	return strings.EqualFold(own, strings.TrimSpace(addr))
}

// Priority returns the routing default priority, falling back to normal.
func (a MailboxAccount) Priority() string {
	if p := NormalizePriority(a.DefaultPriority); p != "" {
		return p
	}
	return PriorityNormal
}
