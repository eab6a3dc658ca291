package handler

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"puenjai/internal/domain"
	"puenjai/internal/integrations/openai"
	"puenjai/internal/repository"
	"puenjai/internal/retry"
	"puenjai/internal/usecase"
)

// scriptedReplier fails with the scripted errors in order, then replies.
type scriptedReplier struct {
	mu    sync.Mutex
	errs  []error
	reply string
	calls int
}

func (s *scriptedReplier) Reply(_ context.Context, name, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= len(s.errs) {
		return "", s.errs[s.calls-1]
	}
	if s.reply != "" {
		return s.reply, nil
	}
	return "I hear you, " + name + ".", nil
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

type e2eEnv struct {
	router  http.Handler
	store   *repository.SQLStore
	replier *scriptedReplier
	sleeps  *sleepLog
}

func newE2E(t *testing.T, replier *scriptedReplier) *e2eEnv {
	t.Helper()
	ctx := context.Background()

	db, err := repository.OpenSQL(ctx, repository.DialectSQLite, filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := repository.NewSQLStore(db, repository.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))

	sleeps := &sleepLog{}
	rt := retry.New(retry.DefaultPolicy(), retry.WithSleeper(sleeps.Sleep))
	svc, err := usecase.NewConsoleService(replier, store, rt, nil)
	require.NoError(t, err)

	return &e2eEnv{router: newTestRouter(t, svc), store: store, replier: replier, sleeps: sleeps}
}

func unavailable() error {
	return &openai.HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Message: "model overloaded"}
}

func (e *e2eEnv) onlyRecord(t *testing.T) domain.ConversationRecord {
	t.Helper()
	recs, err := e.store.ListHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestE2E_Success(t *testing.T) {
	env := newE2E(t, &scriptedReplier{reply: "You are not alone, Ana."})

	rec := serve(env.router, http.MethodPost, "/api/console", `{"name":"Ana","message":"I feel lost"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "You are not alone, Ana.", parseBody[consoleResponse](t, rec.Body.String()).Reply)

	stored := env.onlyRecord(t)
	require.Equal(t, "Ana", stored.Name)
	require.Equal(t, "I feel lost", stored.Message)
	require.Equal(t, "You are not alone, Ana.", stored.AIReply)
	require.False(t, stored.Pending())
	require.Empty(t, env.sleeps.waits)
}

func TestE2E_TransientThenSuccess(t *testing.T) {
	env := newE2E(t, &scriptedReplier{errs: []error{unavailable(), unavailable()}, reply: "Let's breathe."})

	rec := serve(env.router, http.MethodPost, "/api/console", `{"name":"Ana","message":"I feel lost"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Let's breathe.", parseBody[consoleResponse](t, rec.Body.String()).Reply)
	require.Equal(t, 3, env.replier.calls)

	require.Len(t, env.sleeps.waits, 2)
	for i, wait := range env.sleeps.waits {
		base := time.Second << i
		require.GreaterOrEqual(t, wait, base, "wait %d", i)
		require.Less(t, wait, base+time.Second, "wait %d", i)
	}
	require.Equal(t, "Let's breathe.", env.onlyRecord(t).AIReply)
}

func TestE2E_RetriesExhausted(t *testing.T) {
	errs := []error{unavailable(), unavailable(), unavailable(), unavailable(), unavailable()}
	env := newE2E(t, &scriptedReplier{errs: errs})

	rec := serve(env.router, http.MethodPost, "/api/console", `{"name":"Ana","message":"I feel lost"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, msgConverseError, parseBody[errorResponse](t, rec.Body.String()).Error)
	require.Equal(t, 5, env.replier.calls)
	require.Len(t, env.sleeps.waits, 4)

	stored := env.onlyRecord(t)
	require.Equal(t, domain.PendingReply, stored.AIReply)
	require.True(t, stored.Pending())
}

func TestE2E_PermanentFailure(t *testing.T) {
	unauthorized := &openai.HTTPStatusError{StatusCode: http.StatusUnauthorized, Message: "bad key"}
	env := newE2E(t, &scriptedReplier{errs: []error{unauthorized}})

	rec := serve(env.router, http.MethodPost, "/api/console", `{"name":"Ana","message":"I feel lost"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, msgConverseError, parseBody[errorResponse](t, rec.Body.String()).Error)
	require.Equal(t, 1, env.replier.calls)
	require.Empty(t, env.sleeps.waits)
	require.True(t, env.onlyRecord(t).Pending())
}

func TestE2E_UnclassifiedErrorIsNotRetried(t *testing.T) {
	env := newE2E(t, &scriptedReplier{errs: []error{errors.New("connection reset")}})

	rec := serve(env.router, http.MethodPost, "/api/console", `{"name":"Ana","message":"hi"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, env.replier.calls)
}

func TestE2E_HistoryNewestFirst(t *testing.T) {
	env := newE2E(t, &scriptedReplier{})

	names := make([]string, 4)
	for i := range names {
		names[i] = gofakeit.FirstName()
		rec := serve(env.router, http.MethodPost, "/api/console",
			`{"name":"`+names[i]+`","message":"`+gofakeit.Word()+`"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		time.Sleep(2 * time.Millisecond)
	}

	rec := serve(env.router, http.MethodGet, "/api/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := parseBody[[]domain.ConversationRecord](t, rec.Body.String())
	require.Len(t, got, len(names))
	for i := range got {
		require.Equal(t, names[len(names)-1-i], got[i].Name)
		require.Equal(t, "I hear you, "+got[i].Name+".", got[i].AIReply)
		if i > 0 {
			require.False(t, got[i].Timestamp.After(got[i-1].Timestamp))
		}
	}
}
