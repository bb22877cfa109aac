package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/lock"
	"github.com/lvdashuaibi/bookround/internal/model"
	"github.com/lvdashuaibi/bookround/internal/notify"
	"github.com/lvdashuaibi/bookround/internal/repository"
)

// DiscussionService 讨论及其提名条目的维护
type DiscussionService struct {
	repo       repository.Repository
	locks      locker
	cache      PollCache
	dispatcher *notify.Dispatcher
	links      links
	logger     *slog.Logger
	now        func() time.Time
}

func NewDiscussionService(
	repo repository.Repository,
	l lock.Lock,
	cache PollCache,
	dispatcher *notify.Dispatcher,
	lockCfg config.LockConfig,
	notifyCfg config.NotifyConfig,
	logger *slog.Logger,
) *DiscussionService {
	return &DiscussionService{
		repo:       repo,
		locks:      locker{l: l, cfg: lockCfg},
		cache:      cache,
		dispatcher: dispatcher,
		links:      links{baseURL: notifyCfg.BaseURL},
		logger:     ResolveLogger(logger),
		now:        time.Now,
	}
}

// AddPost 向未关闭的讨论添加条目，成功后发送新条目通知
func (s *DiscussionService) AddPost(ctx context.Context, discussionID int64, post *model.Post) (*model.Post, error) {
	var discussion *model.Discussion
	var created *model.Post
	err := s.locks.run(ctx, lock.DiscussionLockName(discussionID), func() error {
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			d, err := tx.GetDiscussion(ctx, discussionID)
			if err != nil {
				return err
			}
			if d.IsClosed {
				return model.ErrDiscussionClosed
			}

			p := *post
			p.ID = 0
			p.DiscussionID = discussionID
			p.Title = strings.TrimSpace(p.Title)
			p.Author = strings.TrimSpace(p.Author)
			p.Text = strings.TrimSpace(p.Text)
			now := s.now()
			p.CreatedOn = now
			p.ModifiedOn = now

			if err := tx.InsertPost(ctx, &p); err != nil {
				return err
			}
			discussion = d
			created = &p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("新增条目",
		"event", "post_added",
		"discussion_id", discussionID,
		"post_id", created.ID,
		"owner_id", created.OwnerID,
	)
	subject, body := newPostMessage(discussion, created, s.links)
	s.dispatcher.Dispatch(model.NotificationNewPost, subject, body)
	return created, nil
}

// UpdatePost 整体替换条目内容，已关闭的讨论不允许修改
func (s *DiscussionService) UpdatePost(ctx context.Context, discussionID int64, post *model.Post) (*model.Post, error) {
	var updated *model.Post
	err := s.locks.run(ctx, lock.DiscussionLockName(discussionID), func() error {
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			d, err := tx.GetDiscussion(ctx, discussionID)
			if err != nil {
				return err
			}
			existing, err := tx.GetPost(ctx, discussionID, post.ID)
			if err != nil {
				return err
			}
			if d.IsClosed {
				return model.ErrDiscussionClosed
			}

			existing.PageCount = post.PageCount
			existing.Text = strings.TrimSpace(post.Text)
			existing.Title = strings.TrimSpace(post.Title)
			existing.Author = strings.TrimSpace(post.Author)
			existing.ModifiedOn = s.now()

			if err := tx.UpdatePost(ctx, existing); err != nil {
				return err
			}
			updated = existing
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("修改条目", "event", "post_updated", "discussion_id", discussionID, "post_id", updated.ID)
	return updated, nil
}

// DeletePost 删除条目，已关闭讨论中的条目也可删除，投票保留开票时的快照
func (s *DiscussionService) DeletePost(ctx context.Context, discussionID, postID int64) (*model.Post, error) {
	var deleted *model.Post
	err := s.locks.run(ctx, lock.DiscussionLockName(discussionID), func() error {
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			p, err := tx.GetPost(ctx, discussionID, postID)
			if err != nil {
				return err
			}
			if err := tx.DeletePost(ctx, postID); err != nil {
				return err
			}
			deleted = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("删除条目", "event", "post_deleted", "discussion_id", discussionID, "post_id", postID)
	return deleted, nil
}

// DeleteDiscussion 在一个事务内删除讨论及其条目、投票、周期
func (s *DiscussionService) DeleteDiscussion(ctx context.Context, discussionID int64) (*model.Discussion, error) {
	var deleted *model.Discussion
	err := s.locks.run(ctx, lock.DiscussionLockName(discussionID), func() error {
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			d, err := tx.GetDiscussion(ctx, discussionID)
			if err != nil {
				return err
			}
			if d.IsClosed {
				return model.ErrDiscussionClosed
			}

			if err := tx.DeletePostsByDiscussion(ctx, discussionID); err != nil {
				return err
			}
			if d.PollID != 0 {
				if err := tx.DeletePoll(ctx, d.PollID); err != nil && !errors.Is(err, model.ErrNotFound) {
					return err
				}
			}
			if d.RoundID != 0 {
				if err := tx.DeleteRound(ctx, d.RoundID); err != nil && !errors.Is(err, model.ErrNotFound) {
					return err
				}
			}
			if err := tx.DeleteDiscussion(ctx, discussionID); err != nil {
				return err
			}
			deleted = d
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if deleted.PollID != 0 && s.cache != nil {
		if err := s.cache.DeletePoll(ctx, deleted.PollID); err != nil {
			s.logger.Warn("删除投票缓存失败", "poll_id", deleted.PollID, "error", err)
		}
	}
	s.logger.Info("删除讨论",
		"event", "discussion_deleted",
		"discussion_id", discussionID,
		"posts", len(deleted.Posts),
	)
	return deleted, nil
}

// GetAll 全部讨论，新的在前
func (s *DiscussionService) GetAll(ctx context.Context) ([]*model.Discussion, error) {
	return s.repo.ListDiscussions(ctx)
}

// GetWithPosts 讨论及其全部条目
func (s *DiscussionService) GetWithPosts(ctx context.Context, discussionID int64) (*model.Discussion, error) {
	return s.repo.GetDiscussion(ctx, discussionID)
}

// GetLatestOpen 最新的未关闭讨论
func (s *DiscussionService) GetLatestOpen(ctx context.Context) (*model.Discussion, error) {
	return s.repo.LatestOpenDiscussion(ctx)
}

func (s *DiscussionService) GetPost(ctx context.Context, discussionID, postID int64) (*model.Post, error) {
	return s.repo.GetPost(ctx, discussionID, postID)
}

// links 通知中使用的页面地址
type links struct {
	baseURL string
}

func (l links) discussion(id int64) string {
	return fmt.Sprintf("%s/discussions/%d", strings.TrimRight(l.baseURL, "/"), id)
}

func (l links) poll(id int64) string {
	return fmt.Sprintf("%s/polls/%d", strings.TrimRight(l.baseURL, "/"), id)
}

// newPostMessage 书籍提名带作者、页数和链接，主题提名只有标题和正文
func newPostMessage(d *model.Discussion, p *model.Post, l links) (string, string) {
	var b strings.Builder
	var subject string
	switch d.Topic {
	case model.TopicBooks:
		subject = fmt.Sprintf("New book nomination: %s", p.Title)
		fmt.Fprintf(&b, "%s proposed \"%s\"", ownerLabel(p), p.Title)
		if p.Author != "" {
			fmt.Fprintf(&b, " by %s", p.Author)
		}
		b.WriteString(".\n")
		if p.PageCount > 0 {
			fmt.Fprintf(&b, "Pages: %d\n", p.PageCount)
		}
		if p.URL != "" {
			fmt.Fprintf(&b, "More: %s\n", p.URL)
		}
		if p.ImageURL != "" {
			fmt.Fprintf(&b, "Cover: %s\n", p.ImageURL)
		}
	default:
		subject = fmt.Sprintf("New theme proposal: %s", p.Title)
		fmt.Fprintf(&b, "%s proposed the theme \"%s\".\n", ownerLabel(p), p.Title)
	}
	if p.Text != "" {
		fmt.Fprintf(&b, "\n%s\n", p.Text)
	}
	fmt.Fprintf(&b, "\n%s\n", l.discussion(d.ID))
	return subject, b.String()
}

func ownerLabel(p *model.Post) string {
	if p.OwnerName != "" {
		return p.OwnerName
	}
	if p.OwnerID != "" {
		return p.OwnerID
	}
	return "Someone"
}
