package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recipient is a student record on a recipient list. Identifier is the
// institution-issued id that campaigns address recipients by.
type Recipient struct {
	ID         uuid.UUID         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ListID     uuid.UUID         `gorm:"column:list_id;type:uuid;not null;uniqueIndex:idx_recipients_list_identifier" json:"listId"`
	Identifier string            `gorm:"column:identifier;type:text;not null;uniqueIndex:idx_recipients_list_identifier" json:"identifier"`
	Email      string            `gorm:"column:email;type:text" json:"email"`
	GivenName  string            `gorm:"column:given_name;type:text" json:"givenName"`
	FamilyName string            `gorm:"column:family_name;type:text" json:"familyName"`
	Fields     datatypes.JSONMap `gorm:"column:fields" json:"fields,omitempty"`
	CreatedAt  time.Time         `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

func (r *Recipient) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Value resolves a named attribute: built-in columns first, then custom fields.
func (r Recipient) Value(field string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "identifier", "sid":
		return r.Identifier, true
	case "email":
		return r.Email, r.Email != ""
	case "given_name", "first_name":
		return r.GivenName, r.GivenName != ""
	case "family_name", "last_name":
		return r.FamilyName, r.FamilyName != ""
	}
	raw, ok := r.Fields[field]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	default:
		return strings.TrimSpace(toString(v)), true
	}
}

// RecipientCounter is a numeric per-recipient column addressed by column id.
type RecipientCounter struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	RecipientID uuid.UUID `gorm:"column:recipient_id;type:uuid;not null;uniqueIndex:idx_recipient_counters_column"`
	ColumnID    string    `gorm:"column:column_id;type:text;not null;uniqueIndex:idx_recipient_counters_column"`
	Value       int64     `gorm:"column:value;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *RecipientCounter) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
