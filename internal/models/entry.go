// Package models defines the records kept by the local store and the
// transient events exchanged between diarysync components.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/diarysync/internal/common"
)

// SyncStatus is the visible delivery state of a pending entry.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSuccess SyncStatus = "success"
	StatusFailed  SyncStatus = "failed"
)

// MediaRef points at an already uploaded attachment.
type MediaRef struct {
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
}

// Payload is the diary entry content as written by the user. Fields the
// client does not know about are kept in Extra and written back untouched.
type Payload struct {
	Text       string     `json:"text"`
	Category   string     `json:"category,omitempty"`
	Media      []MediaRef `json:"media,omitempty"`
	OccurredAt time.Time  `json:"occurred_at,omitzero"`

	Extra map[string]json.RawMessage `json:"-"`
}

var payloadFields = map[string]struct{}{
	"text":        {},
	"category":    {},
	"media":       {},
	"occurred_at": {},
}

// payloadAlias drops the methods of Payload to avoid recursion.
type payloadAlias Payload

func (p Payload) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(payloadAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(p.Extra)+len(payloadFields))
	for k, v := range p.Extra {
		if _, ok := payloadFields[k]; !ok {
			merged[k] = v
		}
	}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var known payloadAlias
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k := range payloadFields {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}

	*p = Payload(known)
	p.Extra = all
	return nil
}

// Validate checks the payload can be delivered as is. Errors wrap
// common.ErrValidation.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Text) == "" && len(p.Media) == 0 {
		return fmt.Errorf("%w: entry has neither text nor media", common.ErrValidation)
	}
	for i, m := range p.Media {
		if strings.TrimSpace(m.URL) == "" {
			return fmt.Errorf("%w: media[%d] has no url", common.ErrValidation, i)
		}
	}
	return nil
}

// PendingEntry is a locally queued write awaiting confirmed delivery.
type PendingEntry struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Payload    Payload    `json:"payload"`
	Status     SyncStatus `json:"sync_status"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
