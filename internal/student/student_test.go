package student

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/apperr"
)

func TestServiceCreateAndFind(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	created, err := svc.Create(ctx, Student{StudentID: " STU0001 ", Name: "Ada Lovelace", Class: "10A"})
	require.NoError(t, err)
	assert.Equal(t, "STU0001", created.StudentID)
	assert.NotEmpty(t, created.ID)

	found, err := svc.Find(ctx, "STU0001")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = svc.Create(ctx, Student{StudentID: "STU0001", Name: "Someone", Class: "10B"})
	assert.True(t, apperr.Is(err, apperr.KindDuplicate))
	assert.Equal(t, "Student ID already exists", apperr.Message(err))
}

func TestServiceFindMissing(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	_, err := svc.Find(context.Background(), "NOPE")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, "Student not found", apperr.Message(err))
}

func TestServiceCreateValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	_, err := svc.Create(context.Background(), Student{StudentID: "STU9"})

	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Fields, 2)
}

func TestServiceListByClass(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()
	for _, s := range []Student{
		{StudentID: "STU0002", Name: "B", Class: "10A"},
		{StudentID: "STU0001", Name: "A", Class: "10A"},
		{StudentID: "STU0003", Name: "C", Class: "11B"},
	} {
		_, err := svc.Create(ctx, s)
		require.NoError(t, err)
	}

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	tenA, err := svc.List(ctx, "10A")
	require.NoError(t, err)
	require.Len(t, tenA, 2)
	assert.Equal(t, "STU0001", tenA[0].StudentID)

	empty, err := svc.List(ctx, "12C")
	require.NoError(t, err)
	assert.NotNil(t, empty)
}
