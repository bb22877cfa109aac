package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/lvdashuaibi/bookround/internal/model"
	"github.com/lvdashuaibi/bookround/internal/service"
)

// ErrUnauthenticated 缺少调用方身份
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver GraphQL解析器
type Resolver struct {
	polls       *service.PollService
	discussions *service.DiscussionService
	rounds      *service.RoundManager
}

// NewResolver 创建新的解析器
func NewResolver(polls *service.PollService, discussions *service.DiscussionService, rounds *service.RoundManager) *Resolver {
	return &Resolver{polls: polls, discussions: discussions, rounds: rounds}
}

// resolverError 带错误分类的GraphQL错误
type resolverError struct {
	err  error
	code string
}

func (e *resolverError) Error() string { return e.err.Error() }
func (e *resolverError) Unwrap() error { return e.err }

func (e *resolverError) Extensions() map[string]interface{} {
	return map[string]interface{}{"code": e.code}
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	code := "INTERNAL"
	switch {
	case errors.Is(err, ErrUnauthenticated):
		code = "UNAUTHENTICATED"
	case errors.Is(err, model.ErrNotFound):
		code = "NOT_FOUND"
	case errors.Is(err, model.ErrAlreadyClosed):
		code = "ALREADY_CLOSED"
	case errors.Is(err, model.ErrDuplicateVote):
		code = "DUPLICATE_VOTE"
	case errors.Is(err, model.ErrInvalidOption):
		code = "INVALID_OPTION"
	case errors.Is(err, model.ErrEmptySelection):
		code = "EMPTY_SELECTION"
	case errors.Is(err, model.ErrConflict):
		code = "CONFLICT"
	case errors.Is(err, service.ErrInvalidTopic):
		code = "BAD_REQUEST"
	}
	return &resolverError{err: err, code: code}
}

func parseID(id graphql.ID) (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的ID %q: %w", id, model.ErrNotFound)
	}
	return n, nil
}

func requireUser(ctx context.Context) (string, error) {
	userID := userFromContext(ctx)
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// Discussions 全部讨论
func (r *Resolver) Discussions(ctx context.Context) ([]*DiscussionResolver, error) {
	list, err := r.discussions.GetAll(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*DiscussionResolver, len(list))
	for i, d := range list {
		out[i] = &DiscussionResolver{d: d}
	}
	return out, nil
}

func (r *Resolver) Discussion(ctx context.Context, args struct{ ID graphql.ID }) (*DiscussionResolver, error) {
	id, err := parseID(args.ID)
	if err != nil {
		return nil, wrapErr(err)
	}
	d, err := r.discussions.GetWithPosts(ctx, id)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &DiscussionResolver{d: d}, nil
}

func (r *Resolver) LatestDiscussion(ctx context.Context) (*DiscussionResolver, error) {
	d, err := r.discussions.GetLatestOpen(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &DiscussionResolver{d: d}, nil
}

func (r *Resolver) Post(ctx context.Context, args struct {
	DiscussionID graphql.ID
	ID           graphql.ID
}) (*PostResolver, error) {
	discussionID, err := parseID(args.DiscussionID)
	if err != nil {
		return nil, wrapErr(err)
	}
	postID, err := parseID(args.ID)
	if err != nil {
		return nil, wrapErr(err)
	}
	p, err := r.discussions.GetPost(ctx, discussionID, postID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &PostResolver{p: p}, nil
}

func (r *Resolver) Polls(ctx context.Context) ([]*PollResolver, error) {
	list, err := r.polls.List(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	userID := userFromContext(ctx)
	out := make([]*PollResolver, len(list))
	for i, p := range list {
		out[i] = newPollResolver(p, userID)
	}
	return out, nil
}

func (r *Resolver) Poll(ctx context.Context, args struct{ ID graphql.ID }) (*PollResolver, error) {
	id, err := parseID(args.ID)
	if err != nil {
		return nil, wrapErr(err)
	}
	info, err := r.polls.GetPollInfo(ctx, id, userFromContext(ctx))
	if err != nil {
		return nil, wrapErr(err)
	}
	return &PollResolver{info: info}, nil
}

func (r *Resolver) Books(ctx context.Context) ([]*BookResolver, error) {
	list, err := r.rounds.Books(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*BookResolver, len(list))
	for i, b := range list {
		out[i] = &BookResolver{b: b}
	}
	return out, nil
}

// StartRound 开始新周期
func (r *Resolver) StartRound(ctx context.Context, args struct {
	Topic string
	Title string
}) (*RoundUpdateResolver, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	topic := model.Topic(strings.ToLower(strings.TrimSpace(args.Topic)))
	res, err := r.rounds.StartRound(ctx, userID, topic, args.Title)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &RoundUpdateResolver{res: res, userID: userID}, nil
}

// PostInput 条目输入
type PostInput struct {
	Title     string
	Author    *string
	Text      *string
	PageCount *int32
	URL       *string
	ImageURL  *string
	OwnerName *string
}

func (in PostInput) toPost(ownerID string) *model.Post {
	p := &model.Post{Title: in.Title, OwnerID: ownerID}
	if in.Author != nil {
		p.Author = *in.Author
	}
	if in.Text != nil {
		p.Text = *in.Text
	}
	if in.PageCount != nil {
		p.PageCount = int(*in.PageCount)
	}
	if in.URL != nil {
		p.URL = *in.URL
	}
	if in.ImageURL != nil {
		p.ImageURL = *in.ImageURL
	}
	if in.OwnerName != nil {
		p.OwnerName = *in.OwnerName
	}
	return p
}

func (r *Resolver) AddPost(ctx context.Context, args struct {
	DiscussionID graphql.ID
	Input        PostInput
}) (*PostResolver, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	discussionID, err := parseID(args.DiscussionID)
	if err != nil {
		return nil, wrapErr(err)
	}
	p, err := r.discussions.AddPost(ctx, discussionID, args.Input.toPost(userID))
	if err != nil {
		return nil, wrapErr(err)
	}
	return &PostResolver{p: p}, nil
}

func (r *Resolver) UpdatePost(ctx context.Context, args struct {
	DiscussionID graphql.ID
	ID           graphql.ID
	Input        PostInput
}) (*PostResolver, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	discussionID, err := parseID(args.DiscussionID)
	if err != nil {
		return nil, wrapErr(err)
	}
	postID, err := parseID(args.ID)
	if err != nil {
		return nil, wrapErr(err)
	}
	post := args.Input.toPost(userID)
	post.ID = postID
	p, err := r.discussions.UpdatePost(ctx, discussionID, post)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &PostResolver{p: p}, nil
}

func (r *Resolver) DeletePost(ctx context.Context, args struct {
	DiscussionID graphql.ID
	ID           graphql.ID
}) (*PostResolver, error) {
	if _, err := requireUser(ctx); err != nil {
		return nil, wrapErr(err)
	}
	discussionID, err := parseID(args.DiscussionID)
	if err != nil {
		return nil, wrapErr(err)
	}
	postID, err := parseID(args.ID)
	if err != nil {
		return nil, wrapErr(err)
	}
	p, err := r.discussions.DeletePost(ctx, discussionID, postID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &PostResolver{p: p}, nil
}

func (r *Resolver) DeleteDiscussion(ctx context.Context, args struct{ ID graphql.ID }) (*DiscussionResolver, error) {
	if _, err := requireUser(ctx); err != nil {
		return nil, wrapErr(err)
	}
	id, err := parseID(args.ID)
	if err != nil {
		return nil, wrapErr(err)
	}
	d, err := r.discussions.DeleteDiscussion(ctx, id)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &DiscussionResolver{d: d}, nil
}

func (r *Resolver) OpenPoll(ctx context.Context, args struct{ DiscussionID graphql.ID }) (*PollResolver, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	discussionID, err := parseID(args.DiscussionID)
	if err != nil {
		return nil, wrapErr(err)
	}
	poll, err := r.rounds.OpenPoll(ctx, discussionID, userID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return newPollResolver(poll, userID), nil
}

// CastVote 投票
func (r *Resolver) CastVote(ctx context.Context, args struct {
	PollID  graphql.ID
	PostIDs []graphql.ID
}) (*RoundUpdateResolver, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	pollID, err := parseID(args.PollID)
	if err != nil {
		return nil, wrapErr(err)
	}
	postIDs := make([]int64, 0, len(args.PostIDs))
	for _, id := range args.PostIDs {
		n, err := strconv.ParseInt(string(id), 10, 64)
		if err != nil {
			return nil, wrapErr(fmt.Errorf("无效的选项 %q: %w", id, model.ErrInvalidOption))
		}
		postIDs = append(postIDs, n)
	}

	res, err := r.rounds.CastVote(ctx, pollID, userID, postIDs)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &RoundUpdateResolver{res: res, userID: userID}, nil
}

func (r *Resolver) ClosePoll(ctx context.Context, args struct{ PollID graphql.ID }) (*RoundUpdateResolver, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	pollID, err := parseID(args.PollID)
	if err != nil {
		return nil, wrapErr(err)
	}
	res, err := r.rounds.ClosePoll(ctx, pollID, userID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &RoundUpdateResolver{res: res, userID: userID}, nil
}
