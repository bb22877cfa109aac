package graph

import (
	"strconv"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/lvdashuaibi/bookround/internal/model"
	"github.com/lvdashuaibi/bookround/internal/tally"
)

func toID(id int64) graphql.ID {
	return graphql.ID(strconv.FormatInt(id, 10))
}

// optionalID 0表示未关联
func optionalID(id int64) *graphql.ID {
	if id == 0 {
		return nil
	}
	gid := toID(id)
	return &gid
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// PostResolver 条目解析器
type PostResolver struct {
	p *model.Post
}

func (r *PostResolver) ID() graphql.ID           { return toID(r.p.ID) }
func (r *PostResolver) DiscussionID() graphql.ID { return toID(r.p.DiscussionID) }
func (r *PostResolver) Title() string            { return r.p.Title }
func (r *PostResolver) Author() string           { return r.p.Author }
func (r *PostResolver) Text() string             { return r.p.Text }
func (r *PostResolver) PageCount() int32         { return int32(r.p.PageCount) }
func (r *PostResolver) URL() string              { return r.p.URL }
func (r *PostResolver) ImageURL() string         { return r.p.ImageURL }
func (r *PostResolver) OwnerID() string          { return r.p.OwnerID }
func (r *PostResolver) OwnerName() string        { return r.p.OwnerName }
func (r *PostResolver) CreatedOn() string        { return formatTime(r.p.CreatedOn) }
func (r *PostResolver) ModifiedOn() string       { return formatTime(r.p.ModifiedOn) }

// DiscussionResolver 讨论解析器
type DiscussionResolver struct {
	d *model.Discussion
}

func (r *DiscussionResolver) ID() graphql.ID       { return toID(r.d.ID) }
func (r *DiscussionResolver) Topic() string        { return string(r.d.Topic) }
func (r *DiscussionResolver) Title() string        { return r.d.Title }
func (r *DiscussionResolver) Description() string  { return r.d.Description }
func (r *DiscussionResolver) IsClosed() bool       { return r.d.IsClosed }
func (r *DiscussionResolver) PollID() *graphql.ID  { return optionalID(r.d.PollID) }
func (r *DiscussionResolver) RoundID() *graphql.ID { return optionalID(r.d.RoundID) }
func (r *DiscussionResolver) OwnerID() string      { return r.d.OwnerID }
func (r *DiscussionResolver) CreatedOn() string    { return formatTime(r.d.CreatedOn) }

// Posts 列表查询不带条目，此时返回空列表
func (r *DiscussionResolver) Posts() []*PostResolver {
	out := make([]*PostResolver, len(r.d.Posts))
	for i, p := range r.d.Posts {
		out[i] = &PostResolver{p: p}
	}
	return out
}

type PollOptionResolver struct {
	o model.PollOption
}

func (r *PollOptionResolver) PostID() graphql.ID { return toID(r.o.PostID) }
func (r *PollOptionResolver) Title() string      { return r.o.Title }
func (r *PollOptionResolver) Author() string     { return r.o.Author }

type OptionRankResolver struct {
	rank model.OptionRank
}

func (r *OptionRankResolver) PostID() graphql.ID { return toID(r.rank.PostID) }
func (r *OptionRankResolver) Title() string      { return r.rank.Title }
func (r *OptionRankResolver) Votes() int32       { return int32(r.rank.Votes) }
func (r *OptionRankResolver) Rank() int32        { return int32(r.rank.Rank) }

// PollResolver 投票解析器
type PollResolver struct {
	info *model.PollInfo
}

func newPollResolver(poll *model.Poll, userID string) *PollResolver {
	return &PollResolver{info: &model.PollInfo{
		Poll:       poll,
		Ranking:    tally.Ranking(poll.Results, poll.Options),
		YouVoted:   poll.Results.HasVoted(userID),
		TotalVotes: len(poll.Results.AlreadyVoted),
	}}
}

func (r *PollResolver) ID() graphql.ID            { return toID(r.info.Poll.ID) }
func (r *PollResolver) DiscussionID() graphql.ID  { return toID(r.info.Poll.DiscussionID) }
func (r *PollResolver) RoundID() *graphql.ID      { return optionalID(r.info.Poll.RoundID) }
func (r *PollResolver) Title() string             { return r.info.Poll.Title }
func (r *PollResolver) Topic() string             { return string(r.info.Poll.Topic) }
func (r *PollResolver) IsClosed() bool            { return r.info.Poll.IsClosed }
func (r *PollResolver) CreateBookOnClose() bool   { return r.info.Poll.CreateBookOnClose }
func (r *PollResolver) TotalVotes() int32         { return int32(r.info.TotalVotes) }
func (r *PollResolver) YouVoted() bool            { return r.info.YouVoted }
func (r *PollResolver) WinnerPostID() *graphql.ID { return optionalID(r.info.Poll.WinnerPostID) }
func (r *PollResolver) BookID() *graphql.ID       { return optionalID(r.info.Poll.BookID) }
func (r *PollResolver) NextRoundID() *graphql.ID  { return optionalID(r.info.Poll.NextRoundID) }
func (r *PollResolver) CreatedOn() string         { return formatTime(r.info.Poll.CreatedOn) }
func (r *PollResolver) ClosedOn() *string         { return optionalTime(r.info.Poll.ClosedOn) }

func (r *PollResolver) Options() []*PollOptionResolver {
	out := make([]*PollOptionResolver, len(r.info.Poll.Options))
	for i, o := range r.info.Poll.Options {
		out[i] = &PollOptionResolver{o: o}
	}
	return out
}

func (r *PollResolver) Ranking() []*OptionRankResolver {
	out := make([]*OptionRankResolver, len(r.info.Ranking))
	for i, rank := range r.info.Ranking {
		out[i] = &OptionRankResolver{rank: rank}
	}
	return out
}

// BookResolver 书籍解析器
type BookResolver struct {
	b *model.Book
}

func (r *BookResolver) ID() graphql.ID      { return toID(r.b.ID) }
func (r *BookResolver) RoundID() graphql.ID { return toID(r.b.RoundID) }
func (r *BookResolver) PostID() graphql.ID  { return toID(r.b.PostID) }
func (r *BookResolver) Title() string       { return r.b.Title }
func (r *BookResolver) Author() string      { return r.b.Author }
func (r *BookResolver) PageCount() int32    { return int32(r.b.PageCount) }
func (r *BookResolver) URL() string         { return r.b.URL }
func (r *BookResolver) ImageURL() string    { return r.b.ImageURL }
func (r *BookResolver) Order() int32        { return int32(r.b.Order) }
func (r *BookResolver) OwnerID() string     { return r.b.OwnerID }
func (r *BookResolver) CreatedOn() string   { return formatTime(r.b.CreatedOn) }

// RoundResolver 周期解析器
type RoundResolver struct {
	rd *model.Round
}

func (r *RoundResolver) ID() graphql.ID            { return toID(r.rd.ID) }
func (r *RoundResolver) DiscussionID() *graphql.ID { return optionalID(r.rd.DiscussionID) }
func (r *RoundResolver) PollID() *graphql.ID       { return optionalID(r.rd.PollID) }
func (r *RoundResolver) Title() string             { return r.rd.Title }
func (r *RoundResolver) OwnerID() string           { return r.rd.OwnerID }
func (r *RoundResolver) CreatedOn() string         { return formatTime(r.rd.CreatedOn) }
func (r *RoundResolver) ClosedOn() *string         { return optionalTime(r.rd.ClosedOn) }

// RoundUpdateResolver 一次请求引起的全部状态变化
type RoundUpdateResolver struct {
	res    *model.RoundUpdateResults
	userID string
}

func (r *RoundUpdateResolver) Poll() *PollResolver {
	if r.res.Poll == nil {
		return nil
	}
	return newPollResolver(r.res.Poll, r.userID)
}

func (r *RoundUpdateResolver) Book() *BookResolver {
	if r.res.Book == nil {
		return nil
	}
	return &BookResolver{b: r.res.Book}
}

func (r *RoundUpdateResolver) Round() *RoundResolver {
	if r.res.Round == nil {
		return nil
	}
	return &RoundResolver{rd: r.res.Round}
}

func (r *RoundUpdateResolver) Discussion() *DiscussionResolver {
	if r.res.Discussion == nil {
		return nil
	}
	return &DiscussionResolver{d: r.res.Discussion}
}
