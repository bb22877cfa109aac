package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/lock"
	"github.com/lvdashuaibi/bookround/internal/model"
	"github.com/lvdashuaibi/bookround/internal/notify"
	"github.com/lvdashuaibi/bookround/internal/repository"
)

func TestAddPostToClosedDiscussionFails(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	poll, _ := env.openPoll(t, model.TopicBooks, "A")
	_, postsBefore, _, _, _ := env.repo.Stats()

	_, err := env.discussions.AddPost(ctx, poll.DiscussionID, &model.Post{Title: "Late"})
	if !errors.Is(err, model.ErrDiscussionClosed) {
		t.Fatalf("Expected ErrDiscussionClosed, got %v", err)
	}
	if !errors.Is(err, model.ErrAlreadyClosed) {
		t.Errorf("Expected error in AlreadyClosed category, got %v", err)
	}

	_, postsAfter, _, _, _ := env.repo.Stats()
	if postsAfter != postsBefore {
		t.Errorf("Expected no post created, had %d now %d", postsBefore, postsAfter)
	}
}

func TestAddPostNormalizesAndNotifies(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	started, err := env.rounds.StartRound(ctx, "admin", model.TopicBooks, "Spring")
	if err != nil {
		t.Fatalf("StartRound failed: %v", err)
	}

	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	env.discussions.now = func() time.Time { return fixed }

	p, err := env.discussions.AddPost(ctx, started.Discussion.ID, &model.Post{
		ID:        777,
		Title:     "  Dune ",
		Author:    " Frank Herbert",
		Text:      "Spice\n",
		PageCount: 412,
		URL:       "http://books.test/dune",
		OwnerName: "Ann",
	})
	if err != nil {
		t.Fatalf("AddPost failed: %v", err)
	}
	if p.ID == 777 || p.ID == 0 {
		t.Errorf("Expected server assigned id, got %d", p.ID)
	}
	if p.Title != "Dune" || p.Author != "Frank Herbert" || p.Text != "Spice" {
		t.Errorf("Expected trimmed fields, got %q %q %q", p.Title, p.Author, p.Text)
	}
	if p.DiscussionID != started.Discussion.ID || !p.CreatedOn.Equal(fixed) {
		t.Errorf("Unexpected stamps: discussion=%d created=%v", p.DiscussionID, p.CreatedOn)
	}

	env.dispatcher.Wait()
	notes := env.notifier.byKind(model.NotificationNewPost)
	if len(notes) != 1 {
		t.Fatalf("Expected 1 new_post notification, got %d", len(notes))
	}
	body := notes[0].body
	for _, want := range []string{"Ann", "Frank Herbert", "Pages: 412", "http://books.test/dune", "http://club.test/discussions/"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected body to contain %q, got %q", want, body)
		}
	}
}

func TestThemeNotificationOmitsBookDetails(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	started, _ := env.rounds.StartRound(ctx, "admin", model.TopicThemes, "Themes")

	if _, err := env.discussions.AddPost(ctx, started.Discussion.ID, &model.Post{Title: "Sea", Author: "ignored", PageCount: 10}); err != nil {
		t.Fatalf("AddPost failed: %v", err)
	}

	env.dispatcher.Wait()
	notes := env.notifier.byKind(model.NotificationNewPost)
	if len(notes) != 1 {
		t.Fatalf("Expected 1 new_post notification, got %d", len(notes))
	}
	if strings.Contains(notes[0].body, "Pages") || strings.Contains(notes[0].body, "ignored") {
		t.Errorf("Expected theme body without book details, got %q", notes[0].body)
	}
}

func TestUpdatePost(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	started, _ := env.rounds.StartRound(ctx, "admin", model.TopicBooks, "Spring")
	p, _ := env.discussions.AddPost(ctx, started.Discussion.ID, &model.Post{Title: "Dune", Author: "Herbert", URL: "keep"})

	updated, err := env.discussions.UpdatePost(ctx, started.Discussion.ID, &model.Post{ID: p.ID, Title: "Emma ", Author: "Austen", PageCount: 300, Text: "t"})
	if err != nil {
		t.Fatalf("UpdatePost failed: %v", err)
	}
	if updated.Title != "Emma" || updated.Author != "Austen" || updated.PageCount != 300 || updated.Text != "t" {
		t.Errorf("Unexpected update: %+v", updated)
	}
	if updated.URL != "keep" {
		t.Errorf("Expected untouched fields kept, got URL %q", updated.URL)
	}

	other, _ := env.rounds.StartRound(ctx, "admin", model.TopicBooks, "Other")
	if _, err := env.discussions.UpdatePost(ctx, other.Discussion.ID, &model.Post{ID: p.ID}); !errors.Is(err, model.ErrPostNotFound) {
		t.Errorf("Expected ErrPostNotFound for foreign discussion, got %v", err)
	}
}

func TestUpdatePostOnClosedDiscussionFails(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	poll, ids := env.openPoll(t, model.TopicBooks, "A")

	_, err := env.discussions.UpdatePost(ctx, poll.DiscussionID, &model.Post{ID: ids[0], Title: "Changed"})
	if !errors.Is(err, model.ErrDiscussionClosed) {
		t.Fatalf("Expected ErrDiscussionClosed, got %v", err)
	}
	p, _ := env.discussions.GetPost(ctx, poll.DiscussionID, ids[0])
	if p.Title != "A" {
		t.Errorf("Expected post unchanged, got %q", p.Title)
	}
}

func TestDeletePostAllowedOnClosedDiscussion(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	poll, ids := env.openPoll(t, model.TopicBooks, "A", "B")

	if _, err := env.discussions.DeletePost(ctx, poll.DiscussionID, ids[0]); err != nil {
		t.Fatalf("DeletePost failed: %v", err)
	}
	if _, err := env.discussions.DeletePost(ctx, poll.DiscussionID, ids[0]); !errors.Is(err, model.ErrPostNotFound) {
		t.Errorf("Expected ErrPostNotFound on second delete, got %v", err)
	}

	// 投票保留快照，删除的条目获胜时仍能生成书籍
	res, err := env.rounds.CastVote(ctx, poll.ID, "u1", []int64{ids[0]})
	if err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if res.Book == nil || res.Book.Title != "A" {
		t.Errorf("Expected book from snapshot, got %+v", res.Book)
	}
}

// seedFullDiscussion 直接写入一个包含条目、投票、周期的开放讨论
func seedFullDiscussion(t *testing.T, repo repository.Repository) *model.Discussion {
	t.Helper()
	ctx := context.Background()

	round := &model.Round{Title: "R"}
	if err := repo.InsertRound(ctx, round); err != nil {
		t.Fatalf("InsertRound failed: %v", err)
	}
	d := &model.Discussion{Topic: model.TopicBooks, Title: "D", RoundID: round.ID, CreatedOn: time.Now()}
	if err := repo.InsertDiscussion(ctx, d); err != nil {
		t.Fatalf("InsertDiscussion failed: %v", err)
	}
	if err := repo.InsertPost(ctx, &model.Post{DiscussionID: d.ID, Title: "P"}); err != nil {
		t.Fatalf("InsertPost failed: %v", err)
	}
	poll := &model.Poll{DiscussionID: d.ID, RoundID: round.ID}
	if err := repo.InsertPoll(ctx, poll); err != nil {
		t.Fatalf("InsertPoll failed: %v", err)
	}
	d.PollID = poll.ID
	if err := repo.UpdateDiscussion(ctx, d); err != nil {
		t.Fatalf("UpdateDiscussion failed: %v", err)
	}
	return d
}

func TestDeleteDiscussionRemovesEverything(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	d := seedFullDiscussion(t, env.repo)

	if _, err := env.discussions.DeleteDiscussion(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDiscussion failed: %v", err)
	}

	discussions, posts, polls, rounds, _ := env.repo.Stats()
	if discussions+posts+polls+rounds != 0 {
		t.Errorf("Expected all records removed, got d=%d p=%d polls=%d r=%d", discussions, posts, polls, rounds)
	}
	if _, err := env.discussions.DeleteDiscussion(ctx, d.ID); !errors.Is(err, model.ErrDiscussionNotFound) {
		t.Errorf("Expected ErrDiscussionNotFound, got %v", err)
	}
}

func TestDeleteClosedDiscussionFails(t *testing.T) {
	env := newTestEnv(t, 3)
	poll, _ := env.openPoll(t, model.TopicBooks, "A")

	if _, err := env.discussions.DeleteDiscussion(context.Background(), poll.DiscussionID); !errors.Is(err, model.ErrDiscussionClosed) {
		t.Fatalf("Expected ErrDiscussionClosed, got %v", err)
	}
}

// faultyRepo 在事务中删除周期时模拟崩溃
type faultyRepo struct {
	*repository.MemoryRepository
}

func (r faultyRepo) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return r.MemoryRepository.InTx(ctx, func(tx repository.Tx) error {
		return fn(faultyTx{Tx: tx})
	})
}

type faultyTx struct {
	repository.Tx
}

func (faultyTx) DeleteRound(context.Context, int64) error {
	return errors.New("simulated crash")
}

func TestDeleteDiscussionIsAllOrNothing(t *testing.T) {
	mem := repository.NewMemoryRepository()
	env := newTestEnvWithRepo(t, faultyRepo{MemoryRepository: mem}, 3)
	d := seedFullDiscussion(t, mem)

	if _, err := env.discussions.DeleteDiscussion(context.Background(), d.ID); err == nil {
		t.Fatal("Expected simulated failure")
	}

	discussions, posts, polls, rounds, _ := mem.Stats()
	if discussions != 1 || posts != 1 || polls != 1 || rounds != 1 {
		t.Errorf("Expected nothing removed, got d=%d p=%d polls=%d r=%d", discussions, posts, polls, rounds)
	}
}

func TestGetAllNewestFirst(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, title := range []string{"old", "new"} {
		at := base.Add(time.Duration(i) * time.Hour)
		env.rounds.now = func() time.Time { return at }
		if _, err := env.rounds.StartRound(ctx, "admin", model.TopicBooks, title); err != nil {
			t.Fatalf("StartRound failed: %v", err)
		}
	}

	all, err := env.discussions.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 2 || all[0].Title != "new" || all[1].Title != "old" {
		t.Errorf("Expected newest first, got %+v", all)
	}
}

// brokenNotifier 发送失败或一直阻塞到超时
type brokenNotifier struct {
	hang  bool
	calls atomic.Int32
}

func (n *brokenNotifier) Notify(ctx context.Context, _ model.NotificationKind, _, _ string) error {
	n.calls.Add(1)
	if n.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return errors.New("smtp relay down")
}

func TestNotifierFailureDoesNotAffectCommittedChanges(t *testing.T) {
	tests := []struct {
		name string
		hang bool
	}{
		{"failing", false},
		{"hanging", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			repo := repository.NewMemoryRepository()
			l := lock.NewLocalLock()
			notifier := &brokenNotifier{hang: tt.hang}
			notifyCfg := config.NotifyConfig{Enabled: true, Timeout: 300 * time.Millisecond, MaxRetries: 2, RetryDelay: time.Millisecond}
			lockCfg := config.LockConfig{TTL: time.Minute, RetryDelay: time.Millisecond, WaitLimit: 10 * time.Second}
			dispatcher := notify.NewDispatcher(notifier, notifyCfg, logger)

			polls := NewPollService(repo, l, NewStaticMembers(1), nil, lockCfg, config.RoundConfig{MaxRetries: 3}, logger)
			discussions := NewDiscussionService(repo, l, nil, dispatcher, lockCfg, notifyCfg, logger)
			rounds := NewRoundManager(repo, polls, l, dispatcher, lockCfg, notifyCfg, logger)

			started, err := rounds.StartRound(ctx, "admin", model.TopicBooks, "Spring")
			if err != nil {
				t.Fatalf("StartRound failed: %v", err)
			}
			post, err := discussions.AddPost(ctx, started.Discussion.ID, &model.Post{Title: "Dune", OwnerID: "u1"})
			if err != nil {
				t.Fatalf("AddPost failed: %v", err)
			}
			poll, err := rounds.OpenPoll(ctx, started.Discussion.ID, "admin")
			if err != nil {
				t.Fatalf("OpenPoll failed: %v", err)
			}

			begin := time.Now()
			res, err := rounds.CastVote(ctx, poll.ID, "u1", []int64{post.ID})
			if err != nil {
				t.Fatalf("CastVote failed: %v", err)
			}
			if elapsed := time.Since(begin); elapsed >= notifyCfg.Timeout {
				t.Errorf("CastVote waited on notifications for %v", elapsed)
			}
			if !res.Poll.IsClosed || res.Book == nil {
				t.Fatalf("Expected closed poll with book, got %+v", res)
			}

			dispatcher.Wait()
			if notifier.calls.Load() == 0 {
				t.Fatal("Expected notifications to be attempted")
			}

			stored, err := repo.GetPoll(ctx, poll.ID)
			if err != nil || !stored.IsClosed {
				t.Errorf("Expected committed close to stand, got poll=%+v err=%v", stored, err)
			}
			if _, err := repo.GetPost(ctx, started.Discussion.ID, post.ID); err != nil {
				t.Errorf("Expected committed post to stand, got %v", err)
			}
		})
	}
}
