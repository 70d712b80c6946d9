package main

import (
	"bytes"
	"context"
	"pagedb/catalog/db_types"
	"pagedb/common"
	"pagedb/db"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchema(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		desc, err := parseSchema("id:int, name:STRING")
		require.NoError(t, err)
		require.Equal(t, 2, desc.NumFields())

		items := desc.Items()
		assert.Equal(t, db_types.IntType, items[0].Type)
		assert.Equal(t, "name", items[1].Name)
		assert.Equal(t, db_types.StringType, items[1].Type)
	})

	for _, s := range []string{"", "id", "id:float", ":int"} {
		_, err := parseSchema(s)
		assert.ErrorIs(t, err, errBadSchema, s)
	}
}

func TestParseTuple(t *testing.T) {
	desc, err := parseSchema("id:int,name:string")
	require.NoError(t, err)

	tup, err := parseTuple(desc, "42, bob")
	require.NoError(t, err)
	assert.True(t, tup.GetField(0).Equals(db_types.NewIntField(42)))
	assert.True(t, tup.GetField(1).Equals(db_types.NewStringField("bob")))

	_, err = parseTuple(desc, "42")
	assert.Error(t, err)
	_, err = parseTuple(desc, "x,bob")
	assert.Error(t, err)
}

func newTestSession(t *testing.T) (*session, *bytes.Buffer) {
	cfg := common.DefaultConfig()
	cfg.DataDir = t.TempDir()

	d, err := db.Open(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close(context.Background()) })

	desc, err := parseSchema("id:int,name:string")
	require.NoError(t, err)
	tableID, err := d.CreateMemTable(t.Name(), desc)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return newSession(d, tableID, out), out
}

func TestSession(t *testing.T) {
	ctx := context.Background()

	t.Run("autocommit insert and scan", func(t *testing.T) {
		s, out := newTestSession(t)

		require.NoError(t, s.exec(ctx, "insert 1,alice"))
		require.NoError(t, s.exec(ctx, "insert 2,bob"))
		out.Reset()

		require.NoError(t, s.exec(ctx, "scan"))
		assert.Contains(t, out.String(), "alice")
		assert.Contains(t, out.String(), "bob")
		assert.Contains(t, out.String(), "(2 rows)")
		assert.Empty(t, s.db.Tm.ActiveTransactions())
	})

	t.Run("abort discards inserts", func(t *testing.T) {
		s, out := newTestSession(t)

		require.NoError(t, s.exec(ctx, "begin"))
		require.NoError(t, s.exec(ctx, "insert 1,alice"))
		assert.ErrorIs(t, s.exec(ctx, "begin"), errTxnOpen)
		require.NoError(t, s.exec(ctx, "abort"))
		assert.ErrorIs(t, s.exec(ctx, "commit"), errNoTxn)

		out.Reset()
		require.NoError(t, s.exec(ctx, "scan"))
		assert.Contains(t, out.String(), "(0 rows)")
	})

	t.Run("delete and inspect", func(t *testing.T) {
		s, out := newTestSession(t)

		require.NoError(t, s.exec(ctx, "insert 1,alice"))
		require.NoError(t, s.exec(ctx, "insert 2,bob"))
		require.NoError(t, s.exec(ctx, "delete 0 0"))
		assert.ErrorIs(t, s.exec(ctx, "delete 0 0"), errBadCommand)

		out.Reset()
		require.NoError(t, s.exec(ctx, "inspect"))
		assert.Contains(t, out.String(), "page 0: 1 used")
	})

	t.Run("unknown command", func(t *testing.T) {
		s, _ := newTestSession(t)

		assert.ErrorIs(t, s.exec(ctx, "drop table"), errBadCommand)
		assert.ErrorIs(t, s.exec(ctx, "exit"), errQuit)
		assert.NoError(t, s.exec(ctx, "  "))
	})
}

func TestSession_Failed_Commit_Should_Abort(t *testing.T) {
	ctx := context.Background()
	cfg := common.DefaultConfig()
	cfg.DataDir = t.TempDir()

	d, err := db.Open(cfg, nil, nil)
	require.NoError(t, err)

	desc, err := parseSchema("id:int,name:string")
	require.NoError(t, err)
	tableID, _, err := d.CreateTable("users", desc, "users.dat")
	require.NoError(t, err)

	out := &bytes.Buffer{}
	s := newSession(d, tableID, out)
	require.NoError(t, s.exec(ctx, "begin"))
	require.NoError(t, s.exec(ctx, "insert 1,alice"))

	f, err := d.Catalog().DbFile(tableID)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Error(t, s.exec(ctx, "commit"))
	assert.Contains(t, out.String(), "transaction aborted")
	assert.Empty(t, d.Tm.ActiveTransactions())
	assert.ErrorIs(t, s.exec(ctx, "commit"), errNoTxn)
}
