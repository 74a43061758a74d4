package storage

import (
	"time"

	"hyprflux/internal/catalog"
)

// Summary is a history row without its image payload.
type Summary struct {
	Kind          catalog.Kind
	Timestamp     string
	Prompt        string
	RevisedPrompt string
	Model         string
	VideoURL      string
}

type Page struct {
	Items   []Summary
	Total   int
	Page    int
	PerPage int
}

func (p Page) Pages() int {
	if p.PerPage <= 0 || p.Total == 0 {
		return 1
	}
	return (p.Total + p.PerPage - 1) / p.PerPage
}

// AuditEntry is one recorded history or key change. CreatedAt is set by the
// database and ignored by LogAction.
type AuditEntry struct {
	Owner     string
	Action    string
	MetaJSON  string
	CreatedAt time.Time
}
