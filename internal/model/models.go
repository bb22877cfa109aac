package model

import (
	"time"
)

// Topic 讨论主题类型
type Topic string

const (
	TopicBooks  Topic = "books"
	TopicThemes Topic = "themes"
)

// Valid 判断主题是否合法
func (t Topic) Valid() bool {
	return t == TopicBooks || t == TopicThemes
}

// Post 讨论中的提名条目（书或主题）
type Post struct {
	ID           int64     `json:"postId"`
	DiscussionID int64     `json:"discussionId"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	Text         string    `json:"text"`
	PageCount    int       `json:"pageCount,omitempty"`
	URL          string    `json:"url,omitempty"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	OwnerID      string    `json:"ownerId"`
	OwnerName    string    `json:"ownerName"`
	CreatedOn    time.Time `json:"createdOn"`
	ModifiedOn   time.Time `json:"modifiedOn"`
}

// Discussion 一个周期内的提名讨论
type Discussion struct {
	ID          int64     `json:"discussionId"`
	Topic       Topic     `json:"topic"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Posts       []*Post   `json:"posts,omitempty"`
	PollID      int64     `json:"pollId,omitempty"`
	RoundID     int64     `json:"roundId,omitempty"`
	IsClosed    bool      `json:"isClosed"`
	OwnerID     string    `json:"ownerId"`
	CreatedOn   time.Time `json:"createdOn"`
}

// PollOption 投票选项，开票时对Post做快照
type PollOption struct {
	PostID int64  `json:"postId"`
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
}

// PollResults 投票结果，只随每张有效选票增量更新
type PollResults struct {
	Votes        map[int64]int `json:"votes"`
	AlreadyVoted []string      `json:"alreadyVoted"`
}

// NewPollResults 为每个选项初始化0票
func NewPollResults(options []PollOption) PollResults {
	votes := make(map[int64]int, len(options))
	for _, o := range options {
		votes[o.PostID] = 0
	}
	return PollResults{Votes: votes, AlreadyVoted: []string{}}
}

// HasVoted 判断用户是否已投票
func (r PollResults) HasVoted(voterID string) bool {
	for _, v := range r.AlreadyVoted {
		if v == voterID {
			return true
		}
	}
	return false
}

// Clone 深拷贝
func (r PollResults) Clone() PollResults {
	votes := make(map[int64]int, len(r.Votes))
	for k, v := range r.Votes {
		votes[k] = v
	}
	voted := make([]string, len(r.AlreadyVoted))
	copy(voted, r.AlreadyVoted)
	return PollResults{Votes: votes, AlreadyVoted: voted}
}

// Poll 针对固定选项集合的投票
type Poll struct {
	ID                int64        `json:"pollId"`
	DiscussionID      int64        `json:"discussionId"`
	RoundID           int64        `json:"roundId"`
	Options           []PollOption `json:"options"`
	Title             string       `json:"title"`
	Topic             Topic        `json:"topic"`
	IsClosed          bool         `json:"isClosed"`
	CreateBookOnClose bool         `json:"createBookOnClose"`
	Results           PollResults  `json:"results"`
	WinnerPostID      int64        `json:"winnerPostId,omitempty"`
	BookID            int64        `json:"bookId,omitempty"`
	NextRoundID       int64        `json:"nextRoundId,omitempty"`
	Version           int64        `json:"version"`
	OwnerID           string       `json:"ownerId"`
	CreatedOn         time.Time    `json:"createdOn"`
	ClosedOn          *time.Time   `json:"closedOn,omitempty"`
}

// HasOption 判断postID是否属于选项集合
func (p *Poll) HasOption(postID int64) bool {
	for _, o := range p.Options {
		if o.PostID == postID {
			return true
		}
	}
	return false
}

// Option 按postID查找选项快照
func (p *Poll) Option(postID int64) (PollOption, bool) {
	for _, o := range p.Options {
		if o.PostID == postID {
			return o, true
		}
	}
	return PollOption{}, false
}

// Clone 深拷贝，避免调用方修改存储中的对象
func (p *Poll) Clone() *Poll {
	c := *p
	c.Options = make([]PollOption, len(p.Options))
	copy(c.Options, p.Options)
	c.Results = p.Results.Clone()
	if p.ClosedOn != nil {
		t := *p.ClosedOn
		c.ClosedOn = &t
	}
	return &c
}

// Vote 成员提交的一张选票（认可投票，多选均计数）
type Vote struct {
	VoterID string  `json:"voterId"`
	PollID  int64   `json:"pollId"`
	PostIDs []int64 `json:"postIds"`
}

// Round 一个周期：一个讨论对应一个投票
type Round struct {
	ID           int64      `json:"roundId"`
	DiscussionID int64      `json:"discussionId"`
	PollID       int64      `json:"pollId,omitempty"`
	Title        string     `json:"title"`
	OwnerID      string     `json:"ownerId"`
	CreatedOn    time.Time  `json:"createdOn"`
	ClosedOn     *time.Time `json:"closedOn,omitempty"`
}

// Book 获胜的书籍提名落地后的记录
type Book struct {
	ID        int64     `json:"bookId"`
	RoundID   int64     `json:"roundId"`
	PostID    int64     `json:"postId"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	PageCount int       `json:"pageCount,omitempty"`
	URL       string    `json:"url,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	Order     int       `json:"order"`
	OwnerID   string    `json:"ownerId"`
	CreatedOn time.Time `json:"createdOn"`
}

// RoundUpdateResults 一次请求返回的完整状态变化
type RoundUpdateResults struct {
	Poll       *Poll       `json:"poll,omitempty"`
	Book       *Book       `json:"book,omitempty"`
	Round      *Round      `json:"round,omitempty"`
	Discussion *Discussion `json:"discussion,omitempty"`
}

// PollInfo 投票详情视图
type PollInfo struct {
	Poll       *Poll        `json:"poll"`
	Ranking    []OptionRank `json:"ranking"`
	YouVoted   bool         `json:"youVoted"`
	TotalVotes int          `json:"totalVotes"`
}

// OptionRank 选项排名
type OptionRank struct {
	PostID int64  `json:"postId"`
	Title  string `json:"title"`
	Votes  int    `json:"votes"`
	Rank   int    `json:"rank"`
}

// NotificationKind 通知类型
type NotificationKind string

const (
	NotificationNewPost      NotificationKind = "new_post"
	NotificationPollOpened   NotificationKind = "poll_opened"
	NotificationPollClosed   NotificationKind = "poll_closed"
	NotificationRoundStarted NotificationKind = "round_started"
)

// NotificationEvent Kafka通知事件
type NotificationEvent struct {
	EventID    string           `json:"eventId"`
	Kind       NotificationKind `json:"kind"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	OccurredAt time.Time        `json:"occurredAt"`
}
