package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/batchwatch/errors"
	bwtest "github.com/teranos/batchwatch/internal/testing"
	"github.com/teranos/batchwatch/pulse/schedule"
)

type testEnv struct {
	store     *Store
	scheduler *schedule.Scheduler
	clock     *schedule.TestClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := bwtest.CreateTestDB(t)
	clock := schedule.NewTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cipher, err := NewCipher("test-master-key")
	require.NoError(t, err)

	return &testEnv{
		store:     NewStore(conn, cipher, WithClock(clock.Now)),
		scheduler: schedule.NewScheduler(schedule.NewStore(conn), schedule.WithClock(clock.Now)),
		clock:     clock,
	}
}

func (e *testEnv) mustCreate(t *testing.T, name string, typ Type, value string) *Secret {
	t.Helper()
	sec, err := e.store.Create(context.Background(), name, typ, value)
	require.NoError(t, err)
	return sec
}

func (e *testEnv) createJob(t *testing.T, statusSecret, triggerSecret string) *schedule.Job {
	t.Helper()
	req := schedule.TestJobRequest("uses secrets", "batch_1")
	req.StatusSecretID = statusSecret
	req.TriggerSecretID = triggerSecret
	return schedule.MustCreateJob(t, e.scheduler, req)
}

func TestCreateAndDecrypt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sec := env.mustCreate(t, "openai-prod", TypeOpenAI, "sk-live-abc")
	assert.NotEmpty(t, sec.ID)
	assert.Equal(t, TypeOpenAI, sec.Type)
	assert.True(t, env.clock.Now().Equal(sec.CreatedAt))

	var stored string
	require.NoError(t, env.store.db.QueryRow(`SELECT value FROM secrets WHERE id = ?`, sec.ID).Scan(&stored))
	assert.NotContains(t, stored, "sk-live-abc", "plaintext is never persisted")

	value, err := env.store.DecryptedValue(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc", value)

	got, err := env.store.Get(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, sec.Name, got.Name)
	assert.Equal(t, sec.Type, got.Type)
	assert.True(t, sec.CreatedAt.Equal(got.CreatedAt))
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		sname string
		typ   Type
		value string
	}{
		{name: "empty name", sname: "  ", typ: TypeOpenAI, value: "v"},
		{name: "unknown type", sname: "x", typ: "aws", value: "v"},
		{name: "empty value", sname: "x", typ: TypeKeboola, value: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.store.Create(ctx, tt.sname, tt.typ, tt.value)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "kbc", TypeKeboola, "token-1")

	_, err := env.store.Create(context.Background(), "kbc", TypeKeboola, "token-2")
	assert.True(t, errors.IsConflict(err))
}

func TestGetAndDecryptUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	_, err = env.store.DecryptedValue(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestDecryptWithWrongKey(t *testing.T) {
	env := newTestEnv(t)
	sec := env.mustCreate(t, "openai", TypeOpenAI, "sk")

	other, err := NewCipher("rotated-key")
	require.NoError(t, err)
	rotated := NewStore(env.store.db, other)

	_, err = rotated.DecryptedValue(context.Background(), sec.ID)
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
}

func TestResolve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sec := env.mustCreate(t, "openai", TypeOpenAI, "sk")

	byID, err := env.store.Resolve(ctx, sec.ID, TypeOpenAI)
	require.NoError(t, err)
	assert.Equal(t, sec.ID, byID.ID)

	byName, err := env.store.Resolve(ctx, "openai", TypeOpenAI)
	require.NoError(t, err)
	assert.Equal(t, sec.ID, byName.ID)

	_, err = env.store.Resolve(ctx, "openai", TypeKeboola)
	assert.True(t, errors.IsValidation(err))

	_, err = env.store.Resolve(ctx, "nope", TypeOpenAI)
	assert.True(t, errors.IsNotFound(err))
}

func TestListAndCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustCreate(t, "openai-a", TypeOpenAI, "a")
	env.clock.Advance(time.Minute)
	env.mustCreate(t, "kbc", TypeKeboola, "b")
	env.clock.Advance(time.Minute)
	env.mustCreate(t, "openai-b", TypeOpenAI, "c")

	all, err := env.store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "openai-b", all[0].Name, "newest first")

	openai, err := env.store.List(ctx, TypeOpenAI)
	require.NoError(t, err)
	assert.Len(t, openai, 2)

	_, err = env.store.List(ctx, "gcp")
	assert.True(t, errors.IsValidation(err))

	n, err := env.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDeleteRespectsUnfinishedJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	openai := env.mustCreate(t, "openai", TypeOpenAI, "sk")
	kbc := env.mustCreate(t, "kbc", TypeKeboola, "token")
	job := env.createJob(t, openai.ID, kbc.ID)

	err := env.store.Delete(ctx, openai.ID)
	assert.True(t, errors.IsConflict(err), "active job uses the secret")

	require.NoError(t, env.scheduler.Pause(ctx, job.ID))
	err = env.store.Delete(ctx, kbc.ID)
	assert.True(t, errors.IsConflict(err), "paused job uses the secret")

	require.NoError(t, env.scheduler.Resume(ctx, job.ID, false))
	require.NoError(t, env.scheduler.UpdateJobStatus(ctx, job.ID, schedule.JobCompleted, nil))

	require.NoError(t, env.store.Delete(ctx, openai.ID))
	_, err = env.store.Get(ctx, openai.ID)
	assert.True(t, errors.IsNotFound(err))

	finished, err := env.scheduler.Store().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, finished.StatusSecretID, "finished jobs lose the reference")
	assert.Equal(t, kbc.ID, finished.TriggerSecretID)
}

func TestDeleteUnknown(t *testing.T) {
	env := newTestEnv(t)
	err := env.store.Delete(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreWithoutKey(t *testing.T) {
	env := newTestEnv(t)
	sec := env.mustCreate(t, "openai", TypeOpenAI, "sk")
	keyless := NewStore(env.store.db, nil)
	ctx := context.Background()

	_, err := keyless.Create(ctx, "other", TypeOpenAI, "sk")
	assert.True(t, errors.IsValidation(err))

	_, err = keyless.DecryptedValue(ctx, sec.ID)
	assert.True(t, errors.Is(err, ErrNoKey))

	list, err := keyless.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1, "metadata stays readable")
}
