package sql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preslavrachev/datastore/core"
)

func mockAdapter(t *testing.T, dialect core.BackendKind) (*Adapter, sqlmock.Sqlmock, *core.Schema) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})

	schema := userSchema(t)
	a := New(db, schema, WithDialect(dialect))
	require.NoError(t, a.Connect(context.Background()))
	return a, mock, schema
}

func TestPostgresStatements(t *testing.T) {
	a, mock, schema := mockAdapter(t, core.BackendPostgres)
	ctx := context.Background()
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO "users" ("age", "created_at", "name", "tags") VALUES ($1, $2, $3, $4) RETURNING *`).
		WithArgs(30, at, "Ann", `["a","b"]`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "age", "tags", "created_at"}).
			AddRow(int64(7), "Ann", int64(30), `["a","b"]`, at))

	created, err := a.Insert(ctx, core.Entity{"name": "Ann", "age": 30, "tags": []any{"a", "b"}, "created_at": at.In(time.FixedZone("X", 3600))})
	require.NoError(t, err)
	assert.Equal(t, int64(7), created["id"])
	assert.Equal(t, []any{"a", "b"}, created["tags"])

	mock.ExpectQuery(`UPDATE "users" SET "active" = $1, "name" = $2 WHERE "id" = $3 RETURNING *`).
		WithArgs(true, "Anna", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "active"}).AddRow(int64(7), "Anna", true))

	updated, err := a.UpdateByID(ctx, int64(7), core.Entity{"name": "Anna", "active": true}, core.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, true, updated["active"])

	mock.ExpectQuery(`DELETE FROM "users" WHERE "id" = $1 RETURNING *`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))

	removed, err := a.RemoveByID(ctx, int64(8))
	require.NoError(t, err)
	assert.Nil(t, removed)

	q, err := core.Compile(&core.Filter{Search: "ann", Query: map[string]any{"age": map[string]any{"$gt": 20}}, Limit: 5}, schema, a)
	require.NoError(t, err)
	sq := q.(*core.SQLQuery)
	assert.Contains(t, sq.Where, "plainto_tsquery")

	mock.ExpectQuery(`SELECT COUNT(*) FROM "users" WHERE ` + sq.Where).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))
	count, err := a.Count(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)

	mock.ExpectQuery(sq.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "Ann").AddRow(int64(2), "Joanna"))
	items, err := a.Find(ctx, q)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "by_age" ON "users" ("age" DESC, "name" ASC)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	name, err := a.CreateIndex(ctx, core.IndexDefinition{Name: "by_age", Fields: map[string]int{"age": -1, "name": 1}})
	require.NoError(t, err)
	assert.Equal(t, "by_age", name)

	mock.ExpectExec(`DROP INDEX "by_age"`).WillReturnResult(sqlmock.NewResult(0, 0))
	_, err = a.RemoveIndex(ctx, core.IndexDefinition{Name: "by_age"})
	require.NoError(t, err)
}

func TestPostgresDuplicateKey(t *testing.T) {
	a, mock, _ := mockAdapter(t, core.BackendPostgres)

	mock.ExpectQuery(`INSERT INTO "users" ("email") VALUES ($1) RETURNING *`).
		WithArgs("ann@example.com").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := a.Insert(context.Background(), core.Entity{"email": "ann@example.com"})
	assert.ErrorIs(t, err, ErrDuplicateKey)
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr, "driver error stays reachable")
}

func TestMySQLStatements(t *testing.T) {
	a, mock, schema := mockAdapter(t, core.BackendMySQL)
	ctx := context.Background()

	// MySQL has no RETURNING; the row is read back by id
	mock.ExpectExec("INSERT INTO `users` (`active`, `name`) VALUES (?, ?)").
		WithArgs(true, "Ann").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectQuery("SELECT * FROM `users` WHERE `id` = ?").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "age", "active", "created_at"}).
			AddRow(int64(7), []byte("Ann"), []byte("30"), []byte("1"), []byte("2024-05-06 07:08:09.5")))

	created, err := a.Insert(ctx, core.Entity{"name": "Ann", "active": true})
	require.NoError(t, err)
	assert.Equal(t, "Ann", created["name"])
	assert.Equal(t, int64(30), created["age"])
	assert.Equal(t, true, created["active"])
	assert.Equal(t, time.Date(2024, 5, 6, 7, 8, 9, 500000000, time.UTC), created["created_at"])

	mock.ExpectExec("UPDATE `users` SET `age` = `age` + 1 WHERE `id` = ?").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT * FROM `users` WHERE `id` = ?").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "age"}).AddRow(int64(7), []byte("31")))

	updated, err := a.UpdateByID(ctx, int64(7), core.Entity{"age": "`age` + 1"}, core.UpdateOptions{Raw: true})
	require.NoError(t, err)
	assert.Equal(t, int64(31), updated["age"])

	mock.ExpectQuery("SELECT * FROM `users` WHERE `id` = ?").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(7), "Ann"))
	mock.ExpectExec("DELETE FROM `users` WHERE `id` = ?").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	removed, err := a.RemoveByID(ctx, int64(7))
	require.NoError(t, err)
	assert.Equal(t, "Ann", removed["name"])

	q, err := core.Compile(core.NewFilter().Where("active", false).WithPagination(0, 10), schema, a)
	require.NoError(t, err)
	mock.ExpectExec("UPDATE `users` SET `name` = ? WHERE `active` = 0").
		WithArgs("hidden").
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := a.UpdateMany(ctx, q, core.Entity{"name": "hidden"}, core.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	mock.ExpectExec("CREATE UNIQUE INDEX `idx_users_email` ON `users` (`email` ASC)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	_, err = a.CreateIndex(ctx, core.IndexDefinition{Fields: map[string]int{"email": 1}, Unique: true})
	require.NoError(t, err)

	var capErr *core.CapabilityError
	_, err = a.CreateIndex(ctx, core.IndexDefinition{Fields: map[string]int{"email": 1}, Sparse: true})
	assert.ErrorAs(t, err, &capErr)

	mock.ExpectExec("DROP INDEX `idx_users_email` ON `users`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	_, err = a.RemoveIndex(ctx, core.IndexDefinition{Fields: map[string]int{"email": 1}})
	require.NoError(t, err)
}

func TestMySQLErrors(t *testing.T) {
	a, mock, _ := mockAdapter(t, core.BackendMySQL)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO `users` (`email`) VALUES (?)").
		WithArgs("ann@example.com").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	_, err := a.Insert(ctx, core.Entity{"email": "ann@example.com"})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	mock.ExpectExec("DELETE FROM `users`").WillReturnError(mysql.ErrInvalidConn)
	_, err = a.Clear(ctx)
	assert.ErrorIs(t, err, core.ErrDisconnected)
}

func TestInsertManyTransaction(t *testing.T) {
	a, mock, _ := mockAdapter(t, core.BackendSQLite)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "users" ("name") VALUES (?) RETURNING *`).
		WithArgs("Ann").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "Ann"))
	mock.ExpectQuery(`INSERT INTO "users" ("name") VALUES (?) RETURNING *`).
		WithArgs("Ann").
		WillReturnError(errors.New("UNIQUE constraint failed: users.name"))
	mock.ExpectRollback()

	_, err := a.InsertMany(context.Background(), []core.Entity{{"name": "Ann"}, {"name": "Ann"}}, core.InsertManyOptions{})
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.Contains(t, err.Error(), "entity 1")
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pgx", &pgconn.PgError{Code: "23505"}, true},
		{"pgx other code", &pgconn.PgError{Code: "23503"}, false},
		{"lib/pq", &pq.Error{Code: "23505"}, true},
		{"mysql", &mysql.MySQLError{Number: 1062}, true},
		{"mysql other number", &mysql.MySQLError{Number: 1452}, false},
		{"sqlite", errors.New("UNIQUE constraint failed: users.email"), true},
		{"sqlite primary key", errors.New("PRIMARY KEY constraint failed"), true},
		{"unrelated", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}
