package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lvdashuaibi/bookround/internal/model"
)

func seedDiscussion(t *testing.T, repo *MemoryRepository, closed bool) *model.Discussion {
	t.Helper()
	d := &model.Discussion{Topic: model.TopicBooks, Title: "Books", IsClosed: closed, CreatedOn: time.Now()}
	if err := repo.InsertDiscussion(context.Background(), d); err != nil {
		t.Fatalf("InsertDiscussion failed: %v", err)
	}
	return d
}

func TestMemoryInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	d := seedDiscussion(t, repo, false)
	for i := 0; i < 2; i++ {
		if err := repo.InsertPost(ctx, &model.Post{DiscussionID: d.ID, Title: "p"}); err != nil {
			t.Fatalf("InsertPost failed: %v", err)
		}
	}

	boom := errors.New("boom")
	err := repo.InTx(ctx, func(tx Tx) error {
		if err := tx.DeletePostsByDiscussion(ctx, d.ID); err != nil {
			return err
		}
		if err := tx.DeleteDiscussion(ctx, d.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	got, err := repo.GetDiscussion(ctx, d.ID)
	if err != nil {
		t.Fatalf("Expected discussion to survive rollback, got %v", err)
	}
	if len(got.Posts) != 2 {
		t.Errorf("Expected 2 posts after rollback, got %d", len(got.Posts))
	}
}

func TestMemoryInTxCommits(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	d := seedDiscussion(t, repo, false)

	err := repo.InTx(ctx, func(tx Tx) error {
		return tx.DeleteDiscussion(ctx, d.ID)
	})
	if err != nil {
		t.Fatalf("InTx failed: %v", err)
	}
	if _, err := repo.GetDiscussion(ctx, d.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdatePollVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	options := []model.PollOption{{PostID: 1, Title: "A"}}
	poll := &model.Poll{Options: options, Results: model.NewPollResults(options)}
	if err := repo.InsertPoll(ctx, poll); err != nil {
		t.Fatalf("InsertPoll failed: %v", err)
	}

	first, _ := repo.GetPoll(ctx, poll.ID)
	second, _ := repo.GetPoll(ctx, poll.ID)

	first.Results.Votes[1]++
	if err := repo.UpdatePoll(ctx, first); err != nil {
		t.Fatalf("UpdatePoll failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Expected version 2, got %d", first.Version)
	}

	second.Results.Votes[1]++
	if err := repo.UpdatePoll(ctx, second); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("Expected ErrConflict for stale version, got %v", err)
	}

	stored, _ := repo.GetPoll(ctx, poll.ID)
	if stored.Results.Votes[1] != 1 {
		t.Errorf("Expected 1 vote stored, got %d", stored.Results.Votes[1])
	}
}

func TestMemoryReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	options := []model.PollOption{{PostID: 1, Title: "A"}}
	poll := &model.Poll{Options: options, Results: model.NewPollResults(options)}
	if err := repo.InsertPoll(ctx, poll); err != nil {
		t.Fatalf("InsertPoll failed: %v", err)
	}

	// 修改调用方持有的对象不影响存储
	poll.Results.Votes[1] = 99
	got, _ := repo.GetPoll(ctx, poll.ID)
	got.Results.AlreadyVoted = append(got.Results.AlreadyVoted, "x")

	again, _ := repo.GetPoll(ctx, poll.ID)
	if again.Results.Votes[1] != 0 || len(again.Results.AlreadyVoted) != 0 {
		t.Errorf("Expected stored poll untouched, got %+v", again.Results)
	}
}

func TestMemoryLatestOpenDiscussion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	if _, err := repo.LatestOpenDiscussion(ctx); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on empty repo, got %v", err)
	}

	open := seedDiscussion(t, repo, false)
	seedDiscussion(t, repo, true)

	got, err := repo.LatestOpenDiscussion(ctx)
	if err != nil {
		t.Fatalf("LatestOpenDiscussion failed: %v", err)
	}
	if got.ID != open.ID {
		t.Errorf("Expected discussion %d, got %d", open.ID, got.ID)
	}
}

func TestMemoryGetPostChecksDiscussion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	a := seedDiscussion(t, repo, false)
	b := seedDiscussion(t, repo, false)
	p := &model.Post{DiscussionID: a.ID, Title: "p"}
	if err := repo.InsertPost(ctx, p); err != nil {
		t.Fatalf("InsertPost failed: %v", err)
	}

	if _, err := repo.GetPost(ctx, a.ID, p.ID); err != nil {
		t.Errorf("Expected post found, got %v", err)
	}
	if _, err := repo.GetPost(ctx, b.ID, p.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for foreign discussion, got %v", err)
	}
}

func TestMemoryMaxBookOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	if n, _ := repo.MaxBookOrder(ctx); n != 0 {
		t.Errorf("Expected 0 on empty repo, got %d", n)
	}
	for _, order := range []int{1, 3, 2} {
		if err := repo.InsertBook(ctx, &model.Book{Order: order}); err != nil {
			t.Fatalf("InsertBook failed: %v", err)
		}
	}
	if n, _ := repo.MaxBookOrder(ctx); n != 3 {
		t.Errorf("Expected 3, got %d", n)
	}
	books, _ := repo.ListBooks(ctx)
	if len(books) != 3 || books[0].Order != 1 || books[2].Order != 3 {
		t.Errorf("Expected books ordered by Order, got %+v", books)
	}
}
