package service

import (
	"bufio"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/storage"
	"github.com/DukeRupert/riskquota/internal/store"
	"github.com/DukeRupert/riskquota/internal/store/memory"
)

func newTestArchiver(t *testing.T, st *memory.Store) (*archiver, storage.Storage) {
	t.Helper()
	local, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()}, testLogger())
	require.NoError(t, err)

	a := NewArchiver(st, local, 3, testLogger()).(*archiver)
	a.now = clock(testNow)
	return a, local
}

func recordAt(t *testing.T, st *memory.Store, at time.Time) {
	t.Helper()
	_, err := st.RecordUsage(context.Background(), store.RecordParams{
		UserID:   uuid.New(),
		Endpoint: domain.EndpointGeocode,
		Limit:    25,
		Metadata: domain.UsageMetadata{IPAddress: "203.0.113.7"},
		At:       at,
	})
	require.NoError(t, err)
}

func TestArchiveMonth(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	a, local := newTestArchiver(t, st)

	june := time.Date(2026, time.June, 10, 0, 0, 0, 0, time.UTC)
	recordAt(t, st, june)
	recordAt(t, st, june.Add(48*time.Hour))
	recordAt(t, st, time.Date(2026, time.May, 2, 0, 0, 0, 0, time.UTC)) // missed by an earlier run
	recordAt(t, st, testNow)

	res, err := a.ArchiveMonth(ctx, june)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC), res.Month)
	assert.Equal(t, 3, res.Events)
	assert.Equal(t, int64(3), res.Purged)
	assert.Equal(t, storage.ArchiveKey(june, testNow), res.Key)

	rc, info, err := local.Get(ctx, res.Key)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, storage.ContentTypeJSONLines, info.ContentType)

	var lines int
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		var e domain.UsageEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		assert.Equal(t, domain.EndpointGeocode, e.Endpoint)
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 3, lines)

	remaining := st.UsageEvents()
	require.Len(t, remaining, 1)
	assert.Equal(t, testNow, remaining[0].CreatedAt)
}

func TestArchiveMonth_EmptyMonthSkipsUpload(t *testing.T) {
	st := memory.New()
	a, local := newTestArchiver(t, st)

	res, err := a.ArchiveMonth(context.Background(), time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, res.Events)
	assert.Empty(t, res.Key)

	objects, err := local.List(context.Background(), "usage-archive/")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestArchiveMonth_RefusesRetainedMonths(t *testing.T) {
	st := memory.New()
	a, _ := newTestArchiver(t, st)

	for _, month := range []time.Time{
		testNow,
		time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.August, 20, 0, 0, 0, 0, time.UTC),
	} {
		_, err := a.ArchiveMonth(context.Background(), month)
		require.Error(t, err, month.Format("2006-01"))
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	}
}

func TestArchiveExpired(t *testing.T) {
	st := memory.New()
	a, _ := newTestArchiver(t, st)
	recordAt(t, st, time.Date(2026, time.June, 30, 23, 0, 0, 0, time.UTC))
	recordAt(t, st, time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC))

	res, err := a.ArchiveExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC), res.Month)
	assert.Equal(t, 1, res.Events)
	assert.Len(t, st.UsageEvents(), 1, "July is still retained")
}
