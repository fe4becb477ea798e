package producer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"note-summarizer/internal/models"
	"note-summarizer/internal/store"
	"note-summarizer/internal/store/storetest"
)

type recordingPublisher struct {
	mu  sync.Mutex
	ids []int64
	err error
	// seen captures whether the job existed at publish time.
	st   *storetest.Memory
	seen []bool
}

func (p *recordingPublisher) Publish(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.st != nil {
		_, err := p.st.GetJob(ctx, id)
		p.seen = append(p.seen, err == nil)
	}
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, id)
	return nil
}

func newService(t *testing.T) (*Service, *storetest.Memory, *recordingPublisher) {
	t.Helper()
	st := storetest.NewMemory()
	pub := &recordingPublisher{st: st}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, pub, Options{MinInputLength: 50, MaxInputLength: 5000}, logger), st, pub
}

var fox = "The quick brown fox jumps over the lazy dog near the riverbank."

func TestSubmitRecordsThenPublishes(t *testing.T) {
	svc, st, pub := newService(t)

	job, err := svc.Submit(context.Background(), fox, 9)
	require.NoError(t, err)
	assert.Positive(t, job.ID)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Equal(t, int64(9), job.OwnerRef)
	assert.Nil(t, job.Result)
	assert.Nil(t, job.FailureReason)

	assert.Equal(t, []int64{job.ID}, pub.ids)
	assert.Equal(t, []bool{true}, pub.seen, "record must exist before its id is published")
	assert.Equal(t, []string{models.EventSubmitted, models.EventPublished}, st.Events(job.ID))
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	svc, st, pub := newService(t)

	for name, input := range map[string]string{
		"short":    "ten chars!",
		"blank":    "   ",
		"padded":   "   short but padded with lots of whitespace   ",
		"too long": strings.Repeat("a", 5001),
		"bad utf8": fox + "\xff\xfe",
		"nul byte": fox + "\x00 trailing",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), input, 1)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Zero(t, st.Len())
	assert.Empty(t, pub.ids)
}

func TestSubmitCountsCharactersNotBytes(t *testing.T) {
	svc, _, _ := newService(t)
	// 50 two-byte characters
	_, err := svc.Submit(context.Background(), strings.Repeat("é", 50), 1)
	assert.NoError(t, err)
}

func TestSubmitPublishFailureKeepsCommittedJob(t *testing.T) {
	svc, st, pub := newService(t)
	pub.err = errors.New("broker down")

	job, err := svc.Submit(context.Background(), fox, 1)
	require.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorContains(t, err, "broker down")
	require.Positive(t, job.ID)

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)
	assert.Equal(t, []string{models.EventSubmitted, models.EventPublishFailed}, st.Events(job.ID))
}

func TestSubmitStoreFailurePublishesNothing(t *testing.T) {
	svc, st, pub := newService(t)
	st.Err = errors.New("connection refused")

	_, err := svc.Submit(context.Background(), fox, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, pub.ids)
}

func TestRequeueClearsFailure(t *testing.T) {
	svc, st, pub := newService(t)
	reason := "CUDA out of memory"
	st.Put(models.Job{ID: 4, Input: fox, Status: models.StatusFailed, FailureReason: &reason, OwnerRef: 2})

	job, err := svc.Requeue(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), job.ID)
	assert.Equal(t, fox, job.Input)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Nil(t, job.FailureReason)
	assert.Equal(t, []int64{4}, pub.ids)
	assert.Equal(t, []string{models.EventRequeued, models.EventPublished}, st.Events(4))
}

func TestRequeueRejectsNonFailedJobs(t *testing.T) {
	svc, st, pub := newService(t)
	res := "A fox."
	st.Put(models.Job{ID: 5, Input: fox, Status: models.StatusDone, Result: &res})

	_, err := svc.Requeue(context.Background(), 5)
	assert.ErrorIs(t, err, store.ErrStaleTransition)

	_, err = svc.Requeue(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, pub.ids)
}

func TestListsNormalizePage(t *testing.T) {
	svc, st, _ := newService(t)
	for i := 0; i < 3; i++ {
		_, err := svc.Submit(context.Background(), fox, 1)
		require.NoError(t, err)
	}
	_, err := svc.Submit(context.Background(), fox, 2)
	require.NoError(t, err)
	require.Equal(t, 4, st.Len())

	mine, err := svc.ListByOwner(context.Background(), 1, models.Page{Limit: -1})
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Greater(t, mine[0].ID, mine[2].ID, "newest first")

	all, err := svc.ListAll(context.Background(), models.Page{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.GetByID(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
