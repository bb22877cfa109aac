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

// ErrInvalidTopic 讨论主题不合法
var ErrInvalidTopic = errors.New("invalid topic")

// RoundManager 周期推进：讨论 -> 投票 -> 书籍/下一周期
// 正常流程中投票只能经由这里关闭
type RoundManager struct {
	repo       repository.Repository
	polls      *PollService
	locks      locker
	dispatcher *notify.Dispatcher
	links      links
	logger     *slog.Logger
	now        func() time.Time
}

func NewRoundManager(
	repo repository.Repository,
	polls *PollService,
	l lock.Lock,
	dispatcher *notify.Dispatcher,
	lockCfg config.LockConfig,
	notifyCfg config.NotifyConfig,
	logger *slog.Logger,
) *RoundManager {
	return &RoundManager{
		repo:       repo,
		polls:      polls,
		locks:      locker{l: l, cfg: lockCfg},
		dispatcher: dispatcher,
		links:      links{baseURL: notifyCfg.BaseURL},
		logger:     ResolveLogger(logger),
		now:        time.Now,
	}
}

// StartRound 创建新周期及其开放讨论
func (m *RoundManager) StartRound(ctx context.Context, ownerID string, topic model.Topic, title string) (*model.RoundUpdateResults, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("主题 %q: %w", topic, ErrInvalidTopic)
	}

	results := &model.RoundUpdateResults{}
	err := m.repo.InTx(ctx, func(tx repository.Tx) error {
		round, discussion, err := m.startRoundTx(ctx, tx, ownerID, topic, title)
		if err != nil {
			return err
		}
		results.Round = round
		results.Discussion = discussion
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("新周期开始",
		"event", "round_started",
		"round_id", results.Round.ID,
		"discussion_id", results.Discussion.ID,
		"topic", topic,
	)
	m.notifyRoundStarted(results.Discussion)
	return results, nil
}

func (m *RoundManager) startRoundTx(ctx context.Context, tx repository.Tx, ownerID string, topic model.Topic, title string) (*model.Round, *model.Discussion, error) {
	now := m.now()
	title = strings.TrimSpace(title)

	round := &model.Round{Title: title, OwnerID: ownerID, CreatedOn: now}
	if err := tx.InsertRound(ctx, round); err != nil {
		return nil, nil, err
	}

	discussion := &model.Discussion{
		Topic:     topic,
		Title:     title,
		RoundID:   round.ID,
		OwnerID:   ownerID,
		CreatedOn: now,
		Posts:     []*model.Post{},
	}
	if err := tx.InsertDiscussion(ctx, discussion); err != nil {
		return nil, nil, err
	}

	round.DiscussionID = discussion.ID
	if err := tx.UpdateRound(ctx, round); err != nil {
		return nil, nil, err
	}
	return round, discussion, nil
}

// OpenPoll 关闭讨论，以当前条目快照为选项创建投票
func (m *RoundManager) OpenPoll(ctx context.Context, discussionID int64, ownerID string) (*model.Poll, error) {
	var poll *model.Poll
	err := m.locks.run(ctx, lock.DiscussionLockName(discussionID), func() error {
		return m.repo.InTx(ctx, func(tx repository.Tx) error {
			d, err := tx.GetDiscussion(ctx, discussionID)
			if err != nil {
				return err
			}
			if d.IsClosed {
				return model.ErrDiscussionClosed
			}
			if len(d.Posts) == 0 {
				return fmt.Errorf("讨论 %d 没有条目: %w", discussionID, model.ErrEmptySelection)
			}

			options := make([]model.PollOption, 0, len(d.Posts))
			for _, p := range d.Posts {
				options = append(options, model.PollOption{PostID: p.ID, Title: p.Title, Author: p.Author})
			}

			p := &model.Poll{
				DiscussionID:      d.ID,
				RoundID:           d.RoundID,
				Options:           options,
				Title:             d.Title,
				Topic:             d.Topic,
				CreateBookOnClose: d.Topic == model.TopicBooks,
				Results:           model.NewPollResults(options),
				OwnerID:           ownerID,
				CreatedOn:         m.now(),
			}
			if err := tx.InsertPoll(ctx, p); err != nil {
				return err
			}

			d.IsClosed = true
			d.PollID = p.ID
			if err := tx.UpdateDiscussion(ctx, d); err != nil {
				return err
			}

			if d.RoundID != 0 {
				round, err := tx.GetRound(ctx, d.RoundID)
				if err != nil {
					return err
				}
				round.PollID = p.ID
				if err := tx.UpdateRound(ctx, round); err != nil {
					return err
				}
			}
			poll = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("开始投票",
		"event", "poll_opened",
		"poll_id", poll.ID,
		"discussion_id", discussionID,
		"options", len(poll.Options),
	)
	m.dispatcher.Dispatch(model.NotificationPollOpened,
		fmt.Sprintf("Voting started: %s", poll.Title),
		fmt.Sprintf("Voting is open with %d options.\n\n%s\n", len(poll.Options), m.links.poll(poll.ID)))
	return poll, nil
}

// CastVote 投票，达到法定人数时关闭投票并推进周期
func (m *RoundManager) CastVote(ctx context.Context, pollID int64, voterID string, postIDs []int64) (*model.RoundUpdateResults, error) {
	poll, quorum, err := m.polls.CastVote(ctx, pollID, voterID, postIDs)
	if err != nil {
		// 重复投票可能是上次关闭失败后的重试，补做关闭
		if errors.Is(err, model.ErrDuplicateVote) {
			m.closeIfQuorum(ctx, pollID, voterID)
		}
		return nil, err
	}
	if !quorum {
		return &model.RoundUpdateResults{Poll: poll}, nil
	}

	res, err := m.ClosePoll(ctx, pollID, voterID)
	if err != nil {
		// 选票已提交，关闭失败不能让调用方以为投票失败
		m.logger.Error("达到法定人数后关闭投票失败",
			"event", "quorum_close_failed",
			"poll_id", pollID,
			"voter_id", voterID,
			"error", err,
		)
		return &model.RoundUpdateResults{Poll: poll}, nil
	}
	return res, nil
}

// CloseIfQuorum 投票仍开放且已达到法定人数时关闭，返回是否关闭
func (m *RoundManager) CloseIfQuorum(ctx context.Context, pollID int64, actorID string) (*model.RoundUpdateResults, bool, error) {
	quorum, err := m.polls.Quorum(ctx, pollID)
	if err != nil || !quorum {
		return nil, false, err
	}
	res, err := m.ClosePoll(ctx, pollID, actorID)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (m *RoundManager) closeIfQuorum(ctx context.Context, pollID int64, actorID string) {
	if _, closed, err := m.CloseIfQuorum(ctx, pollID, actorID); err != nil {
		m.logger.Error("补做关闭投票失败", "event", "quorum_close_failed", "poll_id", pollID, "error", err)
	} else if closed {
		m.logger.Info("补做关闭投票", "event", "quorum_close_resumed", "poll_id", pollID)
	}
}

// ClosePoll 关闭投票；书籍投票生成Book并开启主题讨论，主题投票开启以获胜主题命名的书籍讨论
func (m *RoundManager) ClosePoll(ctx context.Context, pollID int64, actorID string) (*model.RoundUpdateResults, error) {
	results := &model.RoundUpdateResults{}
	closed, err := m.polls.Close(ctx, pollID, actorID, func(ctx context.Context, tx repository.Tx, poll *model.Poll) error {
		return m.advance(ctx, tx, poll, actorID, results)
	})
	if err != nil {
		return nil, err
	}
	results.Poll = closed.Poll

	if closed.AlreadyClosed {
		m.fillStoredResults(ctx, results)
		return results, nil
	}

	winner, _ := closed.Poll.Option(closed.Poll.WinnerPostID)
	m.dispatcher.Dispatch(model.NotificationPollClosed,
		fmt.Sprintf("Voting closed: %s", closed.Poll.Title),
		fmt.Sprintf("The winner is \"%s\".\n\n%s\n", winner.Title, m.links.poll(closed.Poll.ID)))
	if results.Discussion != nil {
		m.notifyRoundStarted(results.Discussion)
	}
	return results, nil
}

// advance 在关闭投票的事务内执行
func (m *RoundManager) advance(ctx context.Context, tx repository.Tx, poll *model.Poll, actorID string, results *model.RoundUpdateResults) error {
	now := m.now()

	if poll.RoundID != 0 {
		round, err := tx.GetRound(ctx, poll.RoundID)
		if err != nil {
			return err
		}
		round.ClosedOn = timePtr(now)
		if err := tx.UpdateRound(ctx, round); err != nil {
			return err
		}
	}

	option, ok := poll.Option(poll.WinnerPostID)
	if !ok {
		return fmt.Errorf("投票 %d 没有获胜选项: %w", poll.ID, model.ErrEmptySelection)
	}

	// 条目可能在开票后被删除，此时退回到选项快照
	winner, err := tx.GetPost(ctx, poll.DiscussionID, option.PostID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		winner = &model.Post{ID: option.PostID, Title: option.Title, Author: option.Author, OwnerID: actorID}
	}

	var nextTopic model.Topic
	var nextTitle string
	if poll.CreateBookOnClose {
		order, err := tx.MaxBookOrder(ctx)
		if err != nil {
			return err
		}
		book := &model.Book{
			RoundID:   poll.RoundID,
			PostID:    winner.ID,
			Title:     winner.Title,
			Author:    winner.Author,
			PageCount: winner.PageCount,
			URL:       winner.URL,
			ImageURL:  winner.ImageURL,
			Order:     order + 1,
			OwnerID:   winner.OwnerID,
			CreatedOn: now,
		}
		if err := tx.InsertBook(ctx, book); err != nil {
			return err
		}
		poll.BookID = book.ID
		results.Book = book

		nextTopic = model.TopicThemes
		nextTitle = fmt.Sprintf("Themes for book #%d", book.Order+1)
	} else {
		nextTopic = model.TopicBooks
		nextTitle = winner.Title
	}

	round, discussion, err := m.startRoundTx(ctx, tx, actorID, nextTopic, nextTitle)
	if err != nil {
		return err
	}
	poll.NextRoundID = round.ID
	results.Round = round
	results.Discussion = discussion
	return nil
}

// fillStoredResults 重复关闭时补全已存在的下一周期信息，失败只记录日志
func (m *RoundManager) fillStoredResults(ctx context.Context, results *model.RoundUpdateResults) {
	if results.Poll.NextRoundID == 0 {
		return
	}
	round, err := m.repo.GetRound(ctx, results.Poll.NextRoundID)
	if err != nil {
		m.logger.Warn("读取下一周期失败", "round_id", results.Poll.NextRoundID, "error", err)
		return
	}
	results.Round = round
	if round.DiscussionID == 0 {
		return
	}
	discussion, err := m.repo.GetDiscussion(ctx, round.DiscussionID)
	if err != nil {
		m.logger.Warn("读取下一讨论失败", "discussion_id", round.DiscussionID, "error", err)
		return
	}
	results.Discussion = discussion
}

func (m *RoundManager) notifyRoundStarted(d *model.Discussion) {
	var body string
	if d.Topic == model.TopicBooks {
		body = fmt.Sprintf("Propose books for \"%s\".\n\n%s\n", d.Title, m.links.discussion(d.ID))
	} else {
		body = fmt.Sprintf("Propose themes for the next round.\n\n%s\n", m.links.discussion(d.ID))
	}
	m.dispatcher.Dispatch(model.NotificationRoundStarted, fmt.Sprintf("New round: %s", d.Title), body)
}

// Books 已选出的书，按序号排列
func (m *RoundManager) Books(ctx context.Context) ([]*model.Book, error) {
	return m.repo.ListBooks(ctx)
}

// Round 按ID读取周期
func (m *RoundManager) Round(ctx context.Context, roundID int64) (*model.Round, error) {
	return m.repo.GetRound(ctx, roundID)
}
