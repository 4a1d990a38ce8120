package recipients

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/engagement-dispatch/internal/repo"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
)

const lookupChunk = 500

var ErrNotFound = errors.New("recipients: recipient not found")

// Repository reads recipient lists and maintains per-recipient counters.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Upsert(ctx context.Context, recipient *models.Recipient) error
	FindByIdentifier(ctx context.Context, listID uuid.UUID, identifier string) (*models.Recipient, error)
	FindByIdentifiers(ctx context.Context, listID uuid.UUID, identifiers []string) (map[string]models.Recipient, error)
	ListByList(ctx context.Context, listID uuid.UUID) ([]models.Recipient, error)
	BumpCounter(ctx context.Context, recipientID uuid.UUID, columnID string, reset *int64) (int64, error)
}

type repository struct {
	repo.Base
	now func() time.Time
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db), now: time.Now}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{Base: r.Base.WithTx(tx), now: r.now}
}

// Upsert inserts the recipient or refreshes its contact details by
// (list_id, identifier).
func (r *repository) Upsert(ctx context.Context, recipient *models.Recipient) error {
	recipient.Identifier = strings.TrimSpace(recipient.Identifier)
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "list_id"}, {Name: "identifier"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "given_name", "family_name", "fields"}),
	}).Create(recipient).Error
}

func (r *repository) FindByIdentifier(ctx context.Context, listID uuid.UUID, identifier string) (*models.Recipient, error) {
	var recipient models.Recipient
	err := r.DB(ctx).Where("list_id = ? AND identifier = ?", listID, identifier).Take(&recipient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &recipient, nil
}

// FindByIdentifiers returns the recipients that exist, keyed by identifier.
// Unknown identifiers are simply absent from the map.
func (r *repository) FindByIdentifiers(ctx context.Context, listID uuid.UUID, identifiers []string) (map[string]models.Recipient, error) {
	found := make(map[string]models.Recipient, len(identifiers))
	for start := 0; start < len(identifiers); start += lookupChunk {
		end := min(start+lookupChunk, len(identifiers))
		var rows []models.Recipient
		if err := r.DB(ctx).
			Where("list_id = ? AND identifier IN ?", listID, identifiers[start:end]).
			Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			found[row.Identifier] = row
		}
	}
	return found, nil
}

// ListByList returns the whole roster ordered by identifier.
func (r *repository) ListByList(ctx context.Context, listID uuid.UUID) ([]models.Recipient, error) {
	var rows []models.Recipient
	if err := r.DB(ctx).
		Where("list_id = ?", listID).
		Order("identifier ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// BumpCounter increments the counter column, or sets it to reset when given,
// and returns the new value.
func (r *repository) BumpCounter(ctx context.Context, recipientID uuid.UUID, columnID string, reset *int64) (int64, error) {
	now := r.now().UTC()
	initial := int64(1)
	next := any(gorm.Expr("recipient_counters.value + 1"))
	if reset != nil {
		initial = *reset
		next = *reset
	}

	row := &models.RecipientCounter{
		RecipientID: recipientID,
		ColumnID:    columnID,
		Value:       initial,
		UpdatedAt:   now,
	}
	if err := r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "recipient_id"}, {Name: "column_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value":      next,
			"updated_at": now,
		}),
	}).Create(row).Error; err != nil {
		return 0, err
	}

	var stored models.RecipientCounter
	if err := r.DB(ctx).
		Where("recipient_id = ? AND column_id = ?", recipientID, columnID).
		Take(&stored).Error; err != nil {
		return 0, err
	}
	return stored.Value, nil
}
