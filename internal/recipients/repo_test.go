package recipients

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/dbtest"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
)

func TestFindByIdentifiersSkipsUnknown(t *testing.T) {
	ctx := context.Background()
	r := NewRepository(dbtest.Open(t))
	listID := uuid.New()
	for _, id := range []string{"S1", "S2"} {
		require.NoError(t, r.Upsert(ctx, &models.Recipient{ListID: listID, Identifier: id, Email: id + "@example.edu"}))
	}
	require.NoError(t, r.Upsert(ctx, &models.Recipient{ListID: uuid.New(), Identifier: "S3"}))

	found, err := r.FindByIdentifiers(ctx, listID, []string{"S1", "S2", "S3"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "S2@example.edu", found["S2"].Email)

	_, err = r.FindByIdentifier(ctx, listID, "S3")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertRefreshesContactDetails(t *testing.T) {
	ctx := context.Background()
	r := NewRepository(dbtest.Open(t))
	listID := uuid.New()
	require.NoError(t, r.Upsert(ctx, &models.Recipient{ListID: listID, Identifier: "S1", Email: "old@example.edu"}))
	require.NoError(t, r.Upsert(ctx, &models.Recipient{ListID: listID, Identifier: "S1", Email: "new@example.edu", Fields: datatypes.JSONMap{"degree": "BSc"}}))

	rows, err := r.ListByList(ctx, listID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "new@example.edu", rows[0].Email)
	value, ok := rows[0].Value("degree")
	require.True(t, ok)
	require.Equal(t, "BSc", value)
}

func TestBumpCounterIncrementsAndResets(t *testing.T) {
	ctx := context.Background()
	r := NewRepository(dbtest.Open(t))
	recipientID := uuid.New()

	v, err := r.BumpCounter(ctx, recipientID, "contacted", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	v, err = r.BumpCounter(ctx, recipientID, "contacted", nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	reset := int64(0)
	v, err = r.BumpCounter(ctx, recipientID, "contacted", &reset)
	require.NoError(t, err)
	require.Zero(t, v)

	v, err = r.BumpCounter(ctx, recipientID, "other", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}
