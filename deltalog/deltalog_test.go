package deltalog

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/model"
)

func TestRoundTrip(t *testing.T) {
	entries := []model.Tombstone{
		{PK: model.IntKey(1), Ts: 100},
		{PK: model.IntKey(-7), Ts: 200},
		{PK: model.VarCharKey("doc-1"), Ts: 300},
		{PK: model.VarCharKey(""), Ts: 400},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, entries))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestEmptyLog(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil))
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompressionKicksIn(t *testing.T) {
	// Repetitive keys compress well, exercising the lz4 path.
	var entries []model.Tombstone
	for i := 0; i < 5000; i++ {
		entries = append(entries, model.Tombstone{
			PK: model.VarCharKey(fmt.Sprintf("prefix/common/key-%04d", i%10)),
			Ts: model.Timestamp(i),
		})
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, entries))
	assert.Less(t, buf.Len(), len(entries)*20)

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []model.Tombstone{{PK: model.IntKey(1), Ts: 1}}))
	b := buf.Bytes()
	b[0] = 'X'
	_, err := Read(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []model.Tombstone{{PK: model.IntKey(1), Ts: 1}}))
	b := buf.Bytes()
	b[len(b)-1] ^= 0xff
	_, err := Read(bytes.NewReader(b))
	assert.Error(t, err)
}

func TestTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []model.Tombstone{{PK: model.VarCharKey("k"), Ts: 1}}))
	b := buf.Bytes()
	_, err := Read(bytes.NewReader(b[:len(b)-2]))
	assert.Error(t, err)
}
