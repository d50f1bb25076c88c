package authstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type rowsAffected int64

func (r rowsAffected) LastInsertId() (int64, error) { return 0, errors.New("unsupported") }
func (r rowsAffected) RowsAffected() (int64, error) { return int64(r), nil }

// fakeDB records inserts and reports usernames in existing as conflicts.
type fakeDB struct {
	existing map[string]bool
	inserted map[string]string
	fail     error
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, args ...any) (sql.Result, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	name := args[0].(string)
	if f.existing[name] {
		return rowsAffected(0), nil
	}
	f.inserted[name] = args[1].(string)
	return rowsAffected(1), nil
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	panic("not used")
}

func (f *fakeDB) QueryRowContext(context.Context, string, ...any) *sql.Row {
	panic("not used")
}

func TestSeedHashesAndSkipsExisting(t *testing.T) {
	fdb := &fakeDB{existing: map[string]bool{"noor": true}, inserted: map[string]string{}}
	s := New(fdb)

	n, err := s.Seed(context.Background(), map[string]string{
		"ice_dep": "ice_dep12",
		"noor":    "noorabdullah",
	}, bcrypt.MinCost)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hash, ok := fdb.inserted["ice_dep"]
	require.True(t, ok)
	assert.NotEqual(t, "ice_dep12", hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("ice_dep12")))
	assert.NotContains(t, fdb.inserted, "noor")
}

func TestSeedPropagatesExecError(t *testing.T) {
	boom := errors.New("connection refused")
	s := New(&fakeDB{fail: boom})
	n, err := s.Seed(context.Background(), map[string]string{"a": "b"}, bcrypt.MinCost)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)
}

func TestSeedEmpty(t *testing.T) {
	s := New(&fakeDB{inserted: map[string]string{}})
	n, err := s.Seed(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
