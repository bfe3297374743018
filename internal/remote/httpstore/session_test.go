package httpstore

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/postbills/backend/internal/board"
	"github.com/kimhsiao/postbills/backend/internal/connectivity"
	"github.com/kimhsiao/postbills/backend/internal/db"
	"github.com/kimhsiao/postbills/backend/internal/media"
	"github.com/kimhsiao/postbills/backend/internal/models"
	"github.com/kimhsiao/postbills/backend/internal/session"
	syncpkg "github.com/kimhsiao/postbills/backend/internal/sync"
	"github.com/kimhsiao/postbills/backend/internal/sync/scheduler"
)

func newDevice(t *testing.T, f *fixture) *session.SyncContext {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)

	sc := session.New(repo, f.client, f.client.Objects(), connectivity.NewMonitor(true), session.Options{
		Engine:    syncpkg.Options{SuccessResetDelay: -1},
		Board:     board.Options{PersistDelay: 10 * time.Millisecond},
		Scheduler: &scheduler.SchedulerConfig{},
	})
	t.Cleanup(func() {
		sc.Close(context.Background())
		repo.Close()
		database.Close()
	})
	return sc
}

// Two devices share a board through the HTTP store: one adds a photo, the
// other sees it live and caches the uploaded image.
func TestTwoDevicesOverHTTP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	dataURL := media.EncodeDataURL("image/png", buf.Bytes())

	phone := newDevice(t, f)
	phone.Start(ctx)
	_, err := phone.Open(ctx, "demo")
	require.NoError(t, err)

	laptop := newDevice(t, f)
	laptop.Start(ctx)
	seen, err := laptop.Open(ctx, "demo")
	require.NoError(t, err)

	_, err = phone.AddImages(ctx, "demo", "2024-06-01", []models.AddEntry{{ID: "A", Name: "a.png", DataURL: dataURL}}, -1)
	require.NoError(t, err)

	docs := f.mem.Documents("demo")
	require.Len(t, docs, 1)
	assert.True(t, strings.HasPrefix(docs[0].ImageURL, f.ts.URL+"/objects/"), docs[0].ImageURL)

	require.Eventually(t, func() bool {
		items := seen.Board()["2024-06-01"]
		return len(items) == 1 && strings.HasPrefix(items[0].Src, "data:image/")
	}, 5*time.Second, 10*time.Millisecond, "laptop caches the uploaded image")

	require.NoError(t, laptop.UpdateNote(ctx, "demo", "2024-06-01", "A", "from laptop"))
	assert.Equal(t, "from laptop", f.mem.Documents("demo")[0].Note)
}
