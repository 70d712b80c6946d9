package catalog

import (
	"pagedb/catalog/db_types"
	"pagedb/disk/structures"
	"pagedb/heap"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T) *heap.File {
	desc := structures.NewTupleDesc([]db_types.Type{db_types.IntType, db_types.StringType}, []string{"id", "name"})
	f, err := heap.NewInMemory(uuid.New().String(), desc, 4096, nil)
	require.NoError(t, err)
	return f
}

func TestCatalog_AddTable_Should_Register_Table(t *testing.T) {
	c := NewCatalog()
	f := newTestFile(t)

	name, err := c.AddTable(f, "myTable", "id")
	require.NoError(t, err)
	assert.Equal(t, "myTable", name)

	id, err := c.TableID("myTable")
	require.NoError(t, err)
	assert.Equal(t, f.ID(), id)

	desc, err := c.TupleDesc(id)
	require.NoError(t, err)
	assert.True(t, desc.Equals(f.TupleDesc()))

	file, err := c.DbFile(id)
	require.NoError(t, err)
	assert.Same(t, f, file)

	pkey, err := c.PrimaryKey(id)
	require.NoError(t, err)
	assert.Equal(t, "id", pkey)

	tableName, err := c.TableName(id)
	require.NoError(t, err)
	assert.Equal(t, "myTable", tableName)
}

func TestCatalog(t *testing.T) {
	t.Run("duplicate names are rejected", func(t *testing.T) {
		c := NewCatalog()
		_, err := c.AddTable(newTestFile(t), "t", "")
		require.NoError(t, err)

		_, err = c.AddTable(newTestFile(t), "t", "")
		assert.ErrorIs(t, err, ErrDuplicateTable)
	})

	t.Run("same file cannot be added twice", func(t *testing.T) {
		c := NewCatalog()
		f := newTestFile(t)
		_, err := c.AddTable(f, "a", "")
		require.NoError(t, err)

		_, err = c.AddTable(f, "b", "")
		assert.ErrorIs(t, err, ErrDuplicateTable)
	})

	t.Run("unnamed tables get unique names", func(t *testing.T) {
		c := NewCatalog()
		n1, err := c.AddTable(newTestFile(t), "", "")
		require.NoError(t, err)
		n2, err := c.AddTable(newTestFile(t), "", "")
		require.NoError(t, err)

		assert.NotEmpty(t, n1)
		assert.NotEqual(t, n1, n2)
		assert.Len(t, c.TableIDs(), 2)
	})

	t.Run("unknown tables", func(t *testing.T) {
		c := NewCatalog()
		_, err := c.TableID("nope")
		assert.ErrorIs(t, err, ErrNoSuchTable)
		_, err = c.DbFile(42)
		assert.ErrorIs(t, err, ErrNoSuchTable)
		_, err = c.TupleDesc(42)
		assert.ErrorIs(t, err, ErrNoSuchTable)
	})

	t.Run("clear and close", func(t *testing.T) {
		c := NewCatalog()
		_, err := c.AddTable(newTestFile(t), "a", "")
		require.NoError(t, err)

		require.NoError(t, c.Close())
		assert.Empty(t, c.TableIDs())
		_, err = c.TableID("a")
		assert.ErrorIs(t, err, ErrNoSuchTable)
	})
}
