package dbx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	orig := driverName
	t.Cleanup(func() { driverName = orig })
	driverName = "sqlite"

	db, err := Open(context.Background(), "file:"+t.Name()+"?mode=memory")
	require.NoError(t, err)
	assert.NoError(t, db.Close())
}

func TestOpen_UnknownDriver(t *testing.T) {
	orig := driverName
	t.Cleanup(func() { driverName = orig })
	driverName = "no-such-driver"

	_, err := Open(context.Background(), "x")
	assert.Error(t, err)
}
