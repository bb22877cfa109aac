package repository

import (
	"context"

	"github.com/lvdashuaibi/bookround/internal/model"
)

// Tx 单个事务内可执行的读写操作
// 在Repository上直接调用时每个操作单独提交
type Tx interface {
	// GetDiscussion 返回讨论及其全部Post（按创建顺序）
	GetDiscussion(ctx context.Context, discussionID int64) (*model.Discussion, error)
	InsertDiscussion(ctx context.Context, discussion *model.Discussion) error
	UpdateDiscussion(ctx context.Context, discussion *model.Discussion) error
	DeleteDiscussion(ctx context.Context, discussionID int64) error

	GetPost(ctx context.Context, discussionID, postID int64) (*model.Post, error)
	InsertPost(ctx context.Context, post *model.Post) error
	UpdatePost(ctx context.Context, post *model.Post) error
	DeletePost(ctx context.Context, postID int64) error
	DeletePostsByDiscussion(ctx context.Context, discussionID int64) error

	GetPoll(ctx context.Context, pollID int64) (*model.Poll, error)
	InsertPoll(ctx context.Context, poll *model.Poll) error
	// UpdatePoll 乐观锁更新：存储中的版本必须等于poll.Version，成功后版本加一
	// 版本不一致时返回model.ErrConflict
	UpdatePoll(ctx context.Context, poll *model.Poll) error
	DeletePoll(ctx context.Context, pollID int64) error

	GetRound(ctx context.Context, roundID int64) (*model.Round, error)
	InsertRound(ctx context.Context, round *model.Round) error
	UpdateRound(ctx context.Context, round *model.Round) error
	DeleteRound(ctx context.Context, roundID int64) error

	InsertBook(ctx context.Context, book *model.Book) error
	MaxBookOrder(ctx context.Context) (int, error)
}

// Repository 持久化入口
type Repository interface {
	Tx

	// InTx fn返回nil时提交，否则全部回滚
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListDiscussions(ctx context.Context) ([]*model.Discussion, error)
	LatestOpenDiscussion(ctx context.Context) (*model.Discussion, error)
	ListPolls(ctx context.Context) ([]*model.Poll, error)
	ListBooks(ctx context.Context) ([]*model.Book, error)

	Close() error
}
