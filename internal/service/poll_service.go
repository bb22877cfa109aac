package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/lock"
	"github.com/lvdashuaibi/bookround/internal/model"
	"github.com/lvdashuaibi/bookround/internal/repository"
	"github.com/lvdashuaibi/bookround/internal/tally"
)

// CloseHook 在关闭投票的同一事务内执行，可修改poll上的关联字段
type CloseHook func(ctx context.Context, tx repository.Tx, poll *model.Poll) error

// CloseResult 关闭结果，AlreadyClosed表示此前已关闭，本次未做任何修改
type CloseResult struct {
	Poll          *model.Poll
	AlreadyClosed bool
}

// PollService 投票生命周期：投票、法定人数判断、关闭
type PollService struct {
	repo       repository.Repository
	locks      locker
	members    MemberCounter
	cache      PollCache
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

func NewPollService(
	repo repository.Repository,
	l lock.Lock,
	members MemberCounter,
	cache PollCache,
	lockCfg config.LockConfig,
	roundCfg config.RoundConfig,
	logger *slog.Logger,
) *PollService {
	maxRetries := roundCfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PollService{
		repo:       repo,
		locks:      locker{l: l, cfg: lockCfg},
		members:    members,
		cache:      cache,
		maxRetries: maxRetries,
		logger:     ResolveLogger(logger),
		now:        time.Now,
	}
}

// CastVote 记录一张选票，并在同一临界区内判断是否达到法定人数
func (s *PollService) CastVote(ctx context.Context, pollID int64, voterID string, postIDs []int64) (*model.Poll, bool, error) {
	vote := model.Vote{VoterID: voterID, PollID: pollID, PostIDs: postIDs}

	var updated *model.Poll
	var quorum bool
	err := s.locks.run(ctx, lock.PollLockName(pollID), func() error {
		poll, err := s.recordVote(ctx, vote)
		if err != nil {
			return err
		}
		updated = poll
		s.refresh(ctx, poll)

		quorum, err = s.reachedQuorum(ctx, poll)
		if err != nil {
			// 选票已提交，成员数读取失败只影响本次是否触发关闭
			s.logger.Error("判断法定人数失败", "event", "quorum_check_failed", "poll_id", pollID, "error", err)
			quorum = false
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("投票成功",
		"event", "vote_cast",
		"poll_id", pollID,
		"voter_id", voterID,
		"voted", len(updated.Results.AlreadyVoted),
		"quorum", quorum,
	)
	return updated, quorum, nil
}

// recordVote 乐观锁冲突时重新读取后重试
func (s *PollService) recordVote(ctx context.Context, vote model.Vote) (*model.Poll, error) {
	for attempt := 0; ; attempt++ {
		poll, err := s.repo.GetPoll(ctx, vote.PollID)
		if err != nil {
			return nil, err
		}
		if poll.IsClosed {
			return nil, model.ErrPollClosed
		}
		if err := tally.Record(&poll.Results, poll.Options, vote); err != nil {
			return nil, err
		}

		err = s.repo.UpdatePoll(ctx, poll)
		if err == nil {
			return poll, nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		if attempt >= s.maxRetries {
			return nil, fmt.Errorf("投票 %d 更新冲突，已重试%d次: %w", vote.PollID, attempt, err)
		}
		s.logger.Warn("投票版本冲突，重试", "poll_id", vote.PollID, "attempt", attempt+1)
	}
}

func (s *PollService) reachedQuorum(ctx context.Context, poll *model.Poll) (bool, error) {
	active, err := s.members.ActiveVoterCount(ctx)
	if err != nil {
		return false, fmt.Errorf("获取成员数失败: %w", err)
	}
	if active <= 0 {
		return false, nil
	}
	return len(poll.Results.AlreadyVoted) >= active, nil
}

// Quorum 开放中的投票已投票人数是否达到当前有资格的成员数，已关闭的投票返回false
func (s *PollService) Quorum(ctx context.Context, pollID int64) (bool, error) {
	poll, err := s.repo.GetPoll(ctx, pollID)
	if err != nil {
		return false, err
	}
	if poll.IsClosed {
		return false, nil
	}
	return s.reachedQuorum(ctx, poll)
}

// Close 关闭投票并计算获胜者，hook与关闭在同一事务内提交
// 已关闭的投票直接返回存储的结果
func (s *PollService) Close(ctx context.Context, pollID int64, actorID string, hook CloseHook) (*CloseResult, error) {
	var result *CloseResult
	err := s.locks.run(ctx, lock.PollLockName(pollID), func() error {
		for attempt := 0; ; attempt++ {
			r, err := s.closeOnce(ctx, pollID, hook)
			if err == nil {
				result = r
				if !r.AlreadyClosed {
					s.refresh(ctx, r.Poll)
				}
				return nil
			}
			if !errors.Is(err, model.ErrConflict) || attempt >= s.maxRetries {
				return err
			}
			s.logger.Warn("关闭投票版本冲突，重试", "poll_id", pollID, "attempt", attempt+1)
		}
	})
	if err != nil {
		return nil, err
	}

	if result.AlreadyClosed {
		s.logger.Info("投票已关闭", "event", "poll_already_closed", "poll_id", pollID, "actor_id", actorID)
		return result, nil
	}

	s.logger.Info("投票已关闭",
		"event", "poll_closed",
		"poll_id", pollID,
		"actor_id", actorID,
		"winner_post_id", result.Poll.WinnerPostID,
	)
	return result, nil
}

func (s *PollService) closeOnce(ctx context.Context, pollID int64, hook CloseHook) (*CloseResult, error) {
	var result *CloseResult
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		poll, err := tx.GetPoll(ctx, pollID)
		if err != nil {
			return err
		}
		if poll.IsClosed {
			result = &CloseResult{Poll: poll, AlreadyClosed: true}
			return nil
		}

		poll.IsClosed = true
		poll.ClosedOn = timePtr(s.now())
		if winner, ok := tally.Winner(poll.Results, poll.Options); ok {
			poll.WinnerPostID = winner
		}

		if hook != nil {
			if err := hook(ctx, tx, poll); err != nil {
				return err
			}
		}

		if err := tx.UpdatePoll(ctx, poll); err != nil {
			return err
		}
		result = &CloseResult{Poll: poll}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get 读取投票，优先走缓存
func (s *PollService) Get(ctx context.Context, pollID int64) (*model.Poll, error) {
	if s.cache != nil {
		poll, ok, err := s.cache.GetPoll(ctx, pollID)
		if err != nil {
			s.logger.Warn("读取投票缓存失败", "poll_id", pollID, "error", err)
		}
		if ok {
			return poll, nil
		}
	}

	poll, err := s.repo.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetPoll(ctx, poll); err != nil {
			s.logger.Warn("写入投票缓存失败", "poll_id", pollID, "error", err)
		}
	}
	return poll, nil
}

// GetPollInfo 投票详情：排名以及当前用户是否已投票
func (s *PollService) GetPollInfo(ctx context.Context, pollID int64, userID string) (*model.PollInfo, error) {
	poll, err := s.Get(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return &model.PollInfo{
		Poll:       poll,
		Ranking:    tally.Ranking(poll.Results, poll.Options),
		YouVoted:   poll.Results.HasVoted(userID),
		TotalVotes: len(poll.Results.AlreadyVoted),
	}, nil
}

// List 全部投票，新的在前
func (s *PollService) List(ctx context.Context) ([]*model.Poll, error) {
	return s.repo.ListPolls(ctx)
}

// refresh 提交后在投票锁内写入最新视图，写入失败时删除缓存
func (s *PollService) refresh(ctx context.Context, poll *model.Poll) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetPoll(ctx, poll); err != nil {
		s.logger.Warn("写入投票缓存失败", "poll_id", poll.ID, "error", err)
		s.invalidate(ctx, poll.ID)
	}
}

func (s *PollService) invalidate(ctx context.Context, pollID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeletePoll(ctx, pollID); err != nil {
		s.logger.Warn("删除投票缓存失败", "poll_id", pollID, "error", err)
	}
}
