package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/state"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop()), mock
}

func validSession() *state.SessionState {
	return state.New("user-1", state.KindBeginner, state.LevelLow)
}

func TestLoad(t *testing.T) {
	s, mock := newMockStore(t)
	doc, err := json.Marshal(validSession())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT state FROM sessions WHERE user_id = ?").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(string(doc)))

	st, err := s.Load(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", st.UserID)
	assert.Equal(t, state.StageTheory, st.CurrentStage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT state FROM sessions WHERE user_id = ?").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	_, err := s.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRejectsCorruptState(t *testing.T) {
	s, mock := newMockStore(t)
	bad := validSession()
	bad.CurrentStage = "nonsense"
	doc, _ := json.Marshal(bad)

	mock.ExpectQuery("SELECT state FROM sessions WHERE user_id = ?").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(string(doc)))

	_, err := s.Load(context.Background(), "user-1")
	assert.ErrorIs(t, err, state.ErrInvalidState, "validation guards the load path")
}

func TestSave(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Save(context.Background(), validSession()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRejectsInvalidState(t *testing.T) {
	s, _ := newMockStore(t)
	bad := validSession()
	bad.UserID = ""

	err := s.Save(context.Background(), bad)
	assert.ErrorIs(t, err, state.ErrInvalidState, "invalid state never reaches the database")
}

func TestDelete(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM sessions WHERE user_id = ?").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Delete(context.Background(), "user-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
