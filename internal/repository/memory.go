package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/lvdashuaibi/bookround/internal/model"
)

// MemoryRepository 内存实现，用于测试和单机开发
// 事务在状态副本上执行，提交时整体替换，失败时直接丢弃
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	nextID      int64
	discussions map[int64]*model.Discussion // 不含Posts
	posts       map[int64]*model.Post
	polls       map[int64]*model.Poll
	rounds      map[int64]*model.Round
	books       map[int64]*model.Book
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			discussions: make(map[int64]*model.Discussion),
			posts:       make(map[int64]*model.Post),
			polls:       make(map[int64]*model.Poll),
			rounds:      make(map[int64]*model.Round),
			books:       make(map[int64]*model.Book),
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:      s.nextID,
		discussions: make(map[int64]*model.Discussion, len(s.discussions)),
		posts:       make(map[int64]*model.Post, len(s.posts)),
		polls:       make(map[int64]*model.Poll, len(s.polls)),
		rounds:      make(map[int64]*model.Round, len(s.rounds)),
		books:       make(map[int64]*model.Book, len(s.books)),
	}
	// 存储中的对象只会被整体替换，不会原地修改，浅拷贝map即可
	for k, v := range s.discussions {
		c.discussions[k] = v
	}
	for k, v := range s.posts {
		c.posts[k] = v
	}
	for k, v := range s.polls {
		c.polls[k] = v
	}
	for k, v := range s.rounds {
		c.rounds[k] = v
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	return c
}

func (s *memState) newID() int64 {
	s.nextID++
	return s.nextID
}

func copyDiscussion(d *model.Discussion) *model.Discussion {
	c := *d
	c.Posts = nil
	return &c
}

func copyPost(p *model.Post) *model.Post {
	c := *p
	return &c
}

func copyRound(r *model.Round) *model.Round {
	c := *r
	if r.ClosedOn != nil {
		t := *r.ClosedOn
		c.ClosedOn = &t
	}
	return &c
}

func copyBook(b *model.Book) *model.Book {
	c := *b
	return &c
}

// InTx 在状态副本上执行fn
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := r.state.clone()
	if err := fn(staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.state = staged
	return nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

// 以下为memState上的事务操作

func (s *memState) GetDiscussion(_ context.Context, discussionID int64) (*model.Discussion, error) {
	d, ok := s.discussions[discussionID]
	if !ok {
		return nil, model.ErrDiscussionNotFound
	}
	c := copyDiscussion(d)
	c.Posts = s.postsOf(discussionID)
	return c, nil
}

func (s *memState) postsOf(discussionID int64) []*model.Post {
	posts := make([]*model.Post, 0)
	for _, p := range s.posts {
		if p.DiscussionID == discussionID {
			posts = append(posts, copyPost(p))
		}
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	return posts
}

func (s *memState) InsertDiscussion(_ context.Context, discussion *model.Discussion) error {
	discussion.ID = s.newID()
	s.discussions[discussion.ID] = copyDiscussion(discussion)
	return nil
}

func (s *memState) UpdateDiscussion(_ context.Context, discussion *model.Discussion) error {
	if _, ok := s.discussions[discussion.ID]; !ok {
		return model.ErrDiscussionNotFound
	}
	s.discussions[discussion.ID] = copyDiscussion(discussion)
	return nil
}

func (s *memState) DeleteDiscussion(_ context.Context, discussionID int64) error {
	if _, ok := s.discussions[discussionID]; !ok {
		return model.ErrDiscussionNotFound
	}
	delete(s.discussions, discussionID)
	return nil
}

func (s *memState) GetPost(_ context.Context, discussionID, postID int64) (*model.Post, error) {
	p, ok := s.posts[postID]
	if !ok || p.DiscussionID != discussionID {
		return nil, model.ErrPostNotFound
	}
	return copyPost(p), nil
}

func (s *memState) InsertPost(_ context.Context, post *model.Post) error {
	if _, ok := s.discussions[post.DiscussionID]; !ok {
		return model.ErrDiscussionNotFound
	}
	post.ID = s.newID()
	s.posts[post.ID] = copyPost(post)
	return nil
}

func (s *memState) UpdatePost(_ context.Context, post *model.Post) error {
	if _, ok := s.posts[post.ID]; !ok {
		return model.ErrPostNotFound
	}
	s.posts[post.ID] = copyPost(post)
	return nil
}

func (s *memState) DeletePost(_ context.Context, postID int64) error {
	if _, ok := s.posts[postID]; !ok {
		return model.ErrPostNotFound
	}
	delete(s.posts, postID)
	return nil
}

func (s *memState) DeletePostsByDiscussion(_ context.Context, discussionID int64) error {
	for id, p := range s.posts {
		if p.DiscussionID == discussionID {
			delete(s.posts, id)
		}
	}
	return nil
}

func (s *memState) GetPoll(_ context.Context, pollID int64) (*model.Poll, error) {
	p, ok := s.polls[pollID]
	if !ok {
		return nil, model.ErrPollNotFound
	}
	return p.Clone(), nil
}

func (s *memState) InsertPoll(_ context.Context, poll *model.Poll) error {
	poll.ID = s.newID()
	poll.Version = 1
	s.polls[poll.ID] = poll.Clone()
	return nil
}

func (s *memState) UpdatePoll(_ context.Context, poll *model.Poll) error {
	stored, ok := s.polls[poll.ID]
	if !ok {
		return model.ErrPollNotFound
	}
	if stored.Version != poll.Version {
		return model.ErrConflict
	}
	poll.Version++
	s.polls[poll.ID] = poll.Clone()
	return nil
}

func (s *memState) DeletePoll(_ context.Context, pollID int64) error {
	if _, ok := s.polls[pollID]; !ok {
		return model.ErrPollNotFound
	}
	delete(s.polls, pollID)
	return nil
}

func (s *memState) GetRound(_ context.Context, roundID int64) (*model.Round, error) {
	rd, ok := s.rounds[roundID]
	if !ok {
		return nil, model.ErrRoundNotFound
	}
	return copyRound(rd), nil
}

func (s *memState) InsertRound(_ context.Context, round *model.Round) error {
	round.ID = s.newID()
	s.rounds[round.ID] = copyRound(round)
	return nil
}

func (s *memState) UpdateRound(_ context.Context, round *model.Round) error {
	if _, ok := s.rounds[round.ID]; !ok {
		return model.ErrRoundNotFound
	}
	s.rounds[round.ID] = copyRound(round)
	return nil
}

func (s *memState) DeleteRound(_ context.Context, roundID int64) error {
	if _, ok := s.rounds[roundID]; !ok {
		return model.ErrRoundNotFound
	}
	delete(s.rounds, roundID)
	return nil
}

func (s *memState) InsertBook(_ context.Context, book *model.Book) error {
	book.ID = s.newID()
	s.books[book.ID] = copyBook(book)
	return nil
}

func (s *memState) MaxBookOrder(_ context.Context) (int, error) {
	max := 0
	for _, b := range s.books {
		if b.Order > max {
			max = b.Order
		}
	}
	return max, nil
}

// 以下为自动提交的单个操作

func (r *MemoryRepository) GetDiscussion(ctx context.Context, discussionID int64) (*model.Discussion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetDiscussion(ctx, discussionID)
}

func (r *MemoryRepository) InsertDiscussion(ctx context.Context, discussion *model.Discussion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.InsertDiscussion(ctx, discussion)
}

func (r *MemoryRepository) UpdateDiscussion(ctx context.Context, discussion *model.Discussion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpdateDiscussion(ctx, discussion)
}

func (r *MemoryRepository) DeleteDiscussion(ctx context.Context, discussionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeleteDiscussion(ctx, discussionID)
}

func (r *MemoryRepository) GetPost(ctx context.Context, discussionID, postID int64) (*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetPost(ctx, discussionID, postID)
}

func (r *MemoryRepository) InsertPost(ctx context.Context, post *model.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.InsertPost(ctx, post)
}

func (r *MemoryRepository) UpdatePost(ctx context.Context, post *model.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpdatePost(ctx, post)
}

func (r *MemoryRepository) DeletePost(ctx context.Context, postID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeletePost(ctx, postID)
}

func (r *MemoryRepository) DeletePostsByDiscussion(ctx context.Context, discussionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeletePostsByDiscussion(ctx, discussionID)
}

func (r *MemoryRepository) GetPoll(ctx context.Context, pollID int64) (*model.Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetPoll(ctx, pollID)
}

func (r *MemoryRepository) InsertPoll(ctx context.Context, poll *model.Poll) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.InsertPoll(ctx, poll)
}

func (r *MemoryRepository) UpdatePoll(ctx context.Context, poll *model.Poll) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpdatePoll(ctx, poll)
}

func (r *MemoryRepository) DeletePoll(ctx context.Context, pollID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeletePoll(ctx, pollID)
}

func (r *MemoryRepository) GetRound(ctx context.Context, roundID int64) (*model.Round, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetRound(ctx, roundID)
}

func (r *MemoryRepository) InsertRound(ctx context.Context, round *model.Round) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.InsertRound(ctx, round)
}

func (r *MemoryRepository) UpdateRound(ctx context.Context, round *model.Round) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpdateRound(ctx, round)
}

func (r *MemoryRepository) DeleteRound(ctx context.Context, roundID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeleteRound(ctx, roundID)
}

func (r *MemoryRepository) InsertBook(ctx context.Context, book *model.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.InsertBook(ctx, book)
}

func (r *MemoryRepository) MaxBookOrder(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.MaxBookOrder(ctx)
}

// ListDiscussions 按创建时间倒序
func (r *MemoryRepository) ListDiscussions(_ context.Context) ([]*model.Discussion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*model.Discussion, 0, len(r.state.discussions))
	for _, d := range r.state.discussions {
		list = append(list, copyDiscussion(d))
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedOn.Equal(list[j].CreatedOn) {
			return list[i].CreatedOn.After(list[j].CreatedOn)
		}
		return list[i].ID > list[j].ID
	})
	return list, nil
}

// LatestOpenDiscussion 最新的未关闭讨论，没有时返回ErrDiscussionNotFound
func (r *MemoryRepository) LatestOpenDiscussion(ctx context.Context) (*model.Discussion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *model.Discussion
	for _, d := range r.state.discussions {
		if d.IsClosed {
			continue
		}
		if latest == nil || d.ID > latest.ID {
			latest = d
		}
	}
	if latest == nil {
		return nil, model.ErrDiscussionNotFound
	}
	return r.state.GetDiscussion(ctx, latest.ID)
}

func (r *MemoryRepository) ListPolls(_ context.Context) ([]*model.Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*model.Poll, 0, len(r.state.polls))
	for _, p := range r.state.polls {
		list = append(list, p.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	return list, nil
}

func (r *MemoryRepository) ListBooks(_ context.Context) ([]*model.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*model.Book, 0, len(r.state.books))
	for _, b := range r.state.books {
		list = append(list, copyBook(b))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Order < list[j].Order })
	return list, nil
}

// Stats 各类记录数量，测试断言使用
func (r *MemoryRepository) Stats() (discussions, posts, polls, rounds, books int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	return len(s.discussions), len(s.posts), len(s.polls), len(s.rounds), len(s.books)
}
