package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"persona-chat/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestScheduler(t *testing.T, maxBackground int) *Scheduler {
	t.Helper()
	s := New(maxBackground, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
	})
	return s
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func task(conv string, class Class, delay time.Duration, name string, rec *recorder) Task {
	return Task{
		ConversationID: conv,
		Class:          class,
		Delay:          delay,
		Name:           name,
		Run:            func(context.Context) { rec.add(name) },
	}
}

func TestScheduler_RunsInDueThenEnqueueOrder(t *testing.T) {
	s := newTestScheduler(t, 8)
	rec := &recorder{}

	require.NoError(t, s.ScheduleAll([]Task{
		task("c1", Background, 30*time.Millisecond, "c", rec),
		task("c1", Background, 10*time.Millisecond, "a", rec),
		task("c1", Background, 20*time.Millisecond, "b1", rec),
		task("c1", Background, 20*time.Millisecond, "b2", rec),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, "c1"))
	require.Equal(t, []string{"a", "b1", "b2", "c"}, rec.list())
	require.Zero(t, s.Pending("c1"))
}

func TestScheduler_BackgroundSurvivesViewTeardown(t *testing.T) {
	s := newTestScheduler(t, 16)
	store := &recorder{}
	typing := &recorder{}

	offsets := []time.Duration{0, 200, 600, 700, 800, 900}
	var tasks []Task
	for i, off := range offsets {
		d := off * time.Millisecond
		name := string(rune('1' + i))
		tasks = append(tasks,
			task("conv", Foreground, d, name, typing),
			task("conv", Background, d, name, store),
		)
	}
	require.NoError(t, s.ScheduleAll(tasks))

	time.Sleep(500 * time.Millisecond)
	dropped := s.CancelForeground("conv")
	require.Equal(t, 4, dropped)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, "conv"))

	require.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, store.list())
	require.Equal(t, []string{"1", "2"}, typing.list())
}

func TestScheduler_CancelForegroundCancelsRunningTask(t *testing.T) {
	s := newTestScheduler(t, 4)
	started := make(chan struct{})
	finished := make(chan error, 1)

	require.NoError(t, s.Schedule(Task{
		ConversationID: "conv",
		Class:          Foreground,
		Run: func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			finished <- ctx.Err()
		},
	}))
	<-started
	require.Zero(t, s.CancelForeground("conv"))

	select {
	case err := <-finished:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("foreground task was not cancelled")
	}

	// A fresh view gets a fresh context.
	rec := &recorder{}
	require.NoError(t, s.Schedule(task("conv", Foreground, 0, "typing", rec)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, "conv"))
	require.Equal(t, []string{"typing"}, rec.list())
}

func TestScheduler_BackgroundCapIsAllOrNothing(t *testing.T) {
	s := newTestScheduler(t, 2)
	rec := &recorder{}

	err := s.ScheduleAll([]Task{
		task("a", Background, time.Hour, "1", rec),
		task("a", Background, time.Hour, "2", rec),
		task("a", Background, time.Hour, "3", rec),
	})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Zero(t, s.Pending("a"))

	require.NoError(t, s.ScheduleAll([]Task{
		task("a", Background, 0, "1", rec),
		task("a", Background, 0, "2", rec),
	}))
	// Foreground tasks do not count against the cap.
	require.NoError(t, s.Schedule(task("b", Foreground, 0, "fg", rec)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, "a"))
	require.NoError(t, s.Wait(ctx, "b"))

	// Capacity comes back once tasks finish.
	require.NoError(t, s.Schedule(task("a", Background, 0, "3", rec)))
	require.NoError(t, s.Wait(ctx, "a"))
	require.Len(t, rec.list(), 4)
}

func TestScheduler_WaitHonoursContext(t *testing.T) {
	s := newTestScheduler(t, 4)
	rec := &recorder{}
	require.NoError(t, s.Schedule(task("slow", Foreground, time.Hour, "late", rec)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx, "slow"), context.DeadlineExceeded)

	require.NoError(t, s.Wait(context.Background(), "unknown"))
	require.Equal(t, 1, s.CancelForeground("slow"))
	require.NoError(t, s.Wait(context.Background(), "slow"))
}

func TestScheduler_PanicDoesNotStopLoop(t *testing.T) {
	s := newTestScheduler(t, 4)
	rec := &recorder{}
	require.NoError(t, s.ScheduleAll([]Task{
		{ConversationID: "c", Class: Background, Name: "boom", Run: func(context.Context) { panic("boom") }},
		task("c", Background, time.Millisecond, "after", rec),
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, "c"))
	require.Equal(t, []string{"after"}, rec.list())
}

func TestScheduler_CloseDrainsThenRejects(t *testing.T) {
	s := New(4, nil)
	rec := &recorder{}
	require.NoError(t, s.Schedule(task("c", Background, 20*time.Millisecond, "last", rec)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	require.Equal(t, []string{"last"}, rec.list())
	require.ErrorIs(t, s.Schedule(task("c", Background, 0, "x", rec)), ErrClosed)
}

func TestScheduler_CloseAbandonsOnDeadline(t *testing.T) {
	s := New(4, nil)
	rec := &recorder{}
	require.NoError(t, s.Schedule(task("c", Background, time.Hour, "never", rec)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)
	require.Empty(t, rec.list())
}

func TestPacing_OffsetsFixedRand(t *testing.T) {
	p := DefaultPacing()
	p.Rand = func() float64 { return 0.5 }
	p.JitterMin, p.JitterMax = 1, 1

	units := []domain.DeliveryUnit{
		domain.TextUnit("在吗"),
		domain.TextUnit("好的"),
		domain.NewUnit(domain.Sticker{Description: "cat"}),
		domain.TextUnit("今天下班路上看到一只特别可爱的小猫咪，一直跟着我走了好远好远的路呢，真想带回家呀呀"),
	}
	got := p.Offsets(units)
	require.Equal(t, []time.Duration{
		250 * time.Millisecond,
		1750 * time.Millisecond,
		2400 * time.Millisecond,
		6400 * time.Millisecond,
	}, got)
}

func TestPacing_OffsetsWithinBands(t *testing.T) {
	p := DefaultPacing()
	units := []domain.DeliveryUnit{
		domain.TextUnit("hi"),
		domain.TextUnit("ok"),
		domain.TextUnit("this one is a bit longer than fifteen"),
		domain.TextUnit("and this final message is well past the forty rune medium limit"),
	}
	for n := 0; n < 200; n++ {
		off := p.Offsets(units)
		require.LessOrEqual(t, off[0], 400*time.Millisecond)
		gaps := []time.Duration{off[1] - off[0], off[2] - off[1], off[3] - off[2]}
		bands := []Band{p.Short, p.Medium, p.Long}
		for i, g := range gaps {
			lo := time.Duration(float64(bands[i].Min) * p.JitterMin)
			hi := time.Duration(float64(bands[i].Max) * p.JitterMax)
			require.GreaterOrEqual(t, g, lo)
			require.LessOrEqual(t, g, hi)
		}
	}
}

func TestScheduler_TaskTimeoutBoundsBackgroundRun(t *testing.T) {
	s := New(4, slog.New(slog.NewTextHandler(io.Discard, nil)), WithTaskTimeout(30*time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
	})
	finished := make(chan error, 1)

	require.NoError(t, s.Schedule(Task{
		ConversationID: "c1",
		Class:          Background,
		Name:           "stuck",
		Run: func(ctx context.Context) {
			<-ctx.Done()
			finished <- ctx.Err()
		},
	}))

	select {
	case err := <-finished:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("background task was never cancelled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, "c1"))
	rec := &recorder{}
	require.NoError(t, s.Schedule(task("c1", Background, 0, "next", rec)))
	require.NoError(t, s.Wait(ctx, "c1"))
	require.Equal(t, []string{"next"}, rec.list())
}
