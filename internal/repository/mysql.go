package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/model"
)

// querier *sql.DB和*sql.Tx的公共部分
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// mysqlTx 在主库连接或事务上执行的读写操作
type mysqlTx struct {
	q querier
}

type MySQLRepository struct {
	*mysqlTx
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository() (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", config.AppConfig.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB, err := sql.Open("mysql", config.AppConfig.MySQL.Slave)
	if err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		slog.Warn("从数据库连接测试失败，将使用主数据库代替", "error", err)
		slaveDB.Close()
		slaveDB = masterDB
	}

	return NewMySQLRepositoryWithDB(masterDB, slaveDB), nil
}

// NewMySQLRepositoryWithDB 使用已有连接，slave为nil时读写都走主库
func NewMySQLRepositoryWithDB(master, slave *sql.DB) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{
		mysqlTx:  &mysqlTx{q: master},
		masterDB: master,
		slaveDB:  slave,
	}
}

// Master 主库连接，建表使用
func (r *MySQLRepository) Master() *sql.DB {
	return r.masterDB
}

// InTx 开启事务执行fn，fn出错时回滚
func (r *MySQLRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	if err := fn(&mysqlTx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			slog.Error("回滚事务失败", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", conflictErr(err))
	}
	return nil
}

// ActiveVoterCount 当前有投票资格的成员数
func (r *MySQLRepository) ActiveVoterCount(ctx context.Context) (int, error) {
	var n int
	err := r.masterDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM members WHERE is_active = 1").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计活跃成员失败: %w", err)
	}
	return n, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() error {
	var err error
	if r.masterDB != nil {
		err = r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		if cerr := r.slaveDB.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

const (
	discussionColumns = "id, topic, title, description, poll_id, round_id, is_closed, owner_id, created_on"
	postColumns       = "id, discussion_id, title, author, text, page_count, url, image_url, owner_id, owner_name, created_on, modified_on"
	pollColumns       = "id, discussion_id, round_id, title, topic, options_json, results_json, is_closed, create_book_on_close, winner_post_id, book_id, next_round_id, version, owner_id, created_on, closed_on"
	bookColumns       = "id, round_id, post_id, title, author, page_count, url, image_url, book_order, owner_id, created_on"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiscussion(row rowScanner) (*model.Discussion, error) {
	var d model.Discussion
	var topic string
	if err := row.Scan(&d.ID, &topic, &d.Title, &d.Description, &d.PollID, &d.RoundID, &d.IsClosed, &d.OwnerID, &d.CreatedOn); err != nil {
		return nil, err
	}
	d.Topic = model.Topic(topic)
	return &d, nil
}

func scanPost(row rowScanner) (*model.Post, error) {
	var p model.Post
	if err := row.Scan(&p.ID, &p.DiscussionID, &p.Title, &p.Author, &p.Text, &p.PageCount, &p.URL, &p.ImageURL,
		&p.OwnerID, &p.OwnerName, &p.CreatedOn, &p.ModifiedOn); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPoll(row rowScanner) (*model.Poll, error) {
	var p model.Poll
	var topic string
	var optionsJSON, resultsJSON []byte
	var closedOn sql.NullTime
	if err := row.Scan(&p.ID, &p.DiscussionID, &p.RoundID, &p.Title, &topic, &optionsJSON, &resultsJSON,
		&p.IsClosed, &p.CreateBookOnClose, &p.WinnerPostID, &p.BookID, &p.NextRoundID, &p.Version,
		&p.OwnerID, &p.CreatedOn, &closedOn); err != nil {
		return nil, err
	}
	p.Topic = model.Topic(topic)
	if err := json.Unmarshal(optionsJSON, &p.Options); err != nil {
		return nil, fmt.Errorf("解析投票选项失败: %w", err)
	}
	if err := json.Unmarshal(resultsJSON, &p.Results); err != nil {
		return nil, fmt.Errorf("解析投票结果失败: %w", err)
	}
	if p.Results.Votes == nil {
		p.Results.Votes = make(map[int64]int)
	}
	if p.Results.AlreadyVoted == nil {
		p.Results.AlreadyVoted = []string{}
	}
	if closedOn.Valid {
		t := closedOn.Time
		p.ClosedOn = &t
	}
	return &p, nil
}

func scanBook(row rowScanner) (*model.Book, error) {
	var b model.Book
	if err := row.Scan(&b.ID, &b.RoundID, &b.PostID, &b.Title, &b.Author, &b.PageCount, &b.URL, &b.ImageURL,
		&b.Order, &b.OwnerID, &b.CreatedOn); err != nil {
		return nil, err
	}
	return &b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// affected 检查更新/删除是否命中记录
func affected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取更新结果失败: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (t *mysqlTx) GetDiscussion(ctx context.Context, discussionID int64) (*model.Discussion, error) {
	row := t.q.QueryRowContext(ctx, "SELECT "+discussionColumns+" FROM discussions WHERE id = ?", discussionID)
	d, err := scanDiscussion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrDiscussionNotFound
		}
		return nil, fmt.Errorf("查询讨论失败: %w", err)
	}

	d.Posts, err = t.postsOf(ctx, discussionID)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (t *mysqlTx) postsOf(ctx context.Context, discussionID int64) ([]*model.Post, error) {
	rows, err := t.q.QueryContext(ctx, "SELECT "+postColumns+" FROM posts WHERE discussion_id = ? ORDER BY id", discussionID)
	if err != nil {
		return nil, fmt.Errorf("查询讨论条目失败: %w", err)
	}
	defer rows.Close()

	posts := make([]*model.Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描讨论条目失败: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代讨论条目失败: %w", err)
	}
	return posts, nil
}

func (t *mysqlTx) InsertDiscussion(ctx context.Context, d *model.Discussion) error {
	result, err := t.q.ExecContext(ctx,
		`INSERT INTO discussions (topic, title, description, poll_id, round_id, is_closed, owner_id, created_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.Topic), d.Title, d.Description, d.PollID, d.RoundID, d.IsClosed, d.OwnerID, d.CreatedOn)
	if err != nil {
		return fmt.Errorf("保存讨论失败: %w", err)
	}
	d.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取讨论ID失败: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdateDiscussion(ctx context.Context, d *model.Discussion) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE discussions SET topic = ?, title = ?, description = ?, poll_id = ?, round_id = ?, is_closed = ?
		 WHERE id = ?`,
		string(d.Topic), d.Title, d.Description, d.PollID, d.RoundID, d.IsClosed, d.ID)
	if err != nil {
		return fmt.Errorf("更新讨论失败: %w", err)
	}
	return affected(result, model.ErrDiscussionNotFound)
}

func (t *mysqlTx) DeleteDiscussion(ctx context.Context, discussionID int64) error {
	result, err := t.q.ExecContext(ctx, "DELETE FROM discussions WHERE id = ?", discussionID)
	if err != nil {
		return fmt.Errorf("删除讨论失败: %w", err)
	}
	return affected(result, model.ErrDiscussionNotFound)
}

func (t *mysqlTx) GetPost(ctx context.Context, discussionID, postID int64) (*model.Post, error) {
	row := t.q.QueryRowContext(ctx, "SELECT "+postColumns+" FROM posts WHERE id = ? AND discussion_id = ?", postID, discussionID)
	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrPostNotFound
		}
		return nil, fmt.Errorf("查询讨论条目失败: %w", err)
	}
	return p, nil
}

func (t *mysqlTx) InsertPost(ctx context.Context, p *model.Post) error {
	result, err := t.q.ExecContext(ctx,
		`INSERT INTO posts (discussion_id, title, author, text, page_count, url, image_url, owner_id, owner_name, created_on, modified_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.DiscussionID, p.Title, p.Author, p.Text, p.PageCount, p.URL, p.ImageURL, p.OwnerID, p.OwnerName, p.CreatedOn, p.ModifiedOn)
	if err != nil {
		return fmt.Errorf("保存讨论条目失败: %w", err)
	}
	p.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取讨论条目ID失败: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdatePost(ctx context.Context, p *model.Post) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE posts SET title = ?, author = ?, text = ?, page_count = ?, url = ?, image_url = ?, modified_on = ?
		 WHERE id = ?`,
		p.Title, p.Author, p.Text, p.PageCount, p.URL, p.ImageURL, p.ModifiedOn, p.ID)
	if err != nil {
		return fmt.Errorf("更新讨论条目失败: %w", err)
	}
	return affected(result, model.ErrPostNotFound)
}

func (t *mysqlTx) DeletePost(ctx context.Context, postID int64) error {
	result, err := t.q.ExecContext(ctx, "DELETE FROM posts WHERE id = ?", postID)
	if err != nil {
		return fmt.Errorf("删除讨论条目失败: %w", err)
	}
	return affected(result, model.ErrPostNotFound)
}

func (t *mysqlTx) DeletePostsByDiscussion(ctx context.Context, discussionID int64) error {
	if _, err := t.q.ExecContext(ctx, "DELETE FROM posts WHERE discussion_id = ?", discussionID); err != nil {
		return fmt.Errorf("删除讨论条目失败: %w", err)
	}
	return nil
}

func (t *mysqlTx) GetPoll(ctx context.Context, pollID int64) (*model.Poll, error) {
	row := t.q.QueryRowContext(ctx, "SELECT "+pollColumns+" FROM polls WHERE id = ?", pollID)
	p, err := scanPoll(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrPollNotFound
		}
		return nil, fmt.Errorf("查询投票失败: %w", err)
	}
	return p, nil
}

func (t *mysqlTx) InsertPoll(ctx context.Context, p *model.Poll) error {
	optionsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("序列化投票选项失败: %w", err)
	}
	resultsJSON, err := json.Marshal(p.Results)
	if err != nil {
		return fmt.Errorf("序列化投票结果失败: %w", err)
	}

	result, err := t.q.ExecContext(ctx,
		`INSERT INTO polls (discussion_id, round_id, title, topic, options_json, results_json, is_closed,
		 create_book_on_close, winner_post_id, book_id, next_round_id, version, owner_id, created_on, closed_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		p.DiscussionID, p.RoundID, p.Title, string(p.Topic), optionsJSON, resultsJSON, p.IsClosed,
		p.CreateBookOnClose, p.WinnerPostID, p.BookID, p.NextRoundID, p.OwnerID, p.CreatedOn, nullTime(p.ClosedOn))
	if err != nil {
		return fmt.Errorf("保存投票失败: %w", err)
	}
	p.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取投票ID失败: %w", err)
	}
	p.Version = 1
	return nil
}

// UpdatePoll 带版本条件的更新，未命中时区分不存在和版本冲突
func (t *mysqlTx) UpdatePoll(ctx context.Context, p *model.Poll) error {
	resultsJSON, err := json.Marshal(p.Results)
	if err != nil {
		return fmt.Errorf("序列化投票结果失败: %w", err)
	}

	result, err := t.q.ExecContext(ctx,
		`UPDATE polls SET results_json = ?, is_closed = ?, winner_post_id = ?, book_id = ?, next_round_id = ?,
		 closed_on = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		resultsJSON, p.IsClosed, p.WinnerPostID, p.BookID, p.NextRoundID, nullTime(p.ClosedOn), p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("更新投票失败: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取更新结果失败: %w", err)
	}
	if n == 0 {
		var exists int
		err := t.q.QueryRowContext(ctx, "SELECT 1 FROM polls WHERE id = ?", p.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrPollNotFound
		}
		if err != nil {
			return fmt.Errorf("查询投票失败: %w", err)
		}
		return model.ErrConflict
	}

	p.Version++
	return nil
}

func (t *mysqlTx) DeletePoll(ctx context.Context, pollID int64) error {
	result, err := t.q.ExecContext(ctx, "DELETE FROM polls WHERE id = ?", pollID)
	if err != nil {
		return fmt.Errorf("删除投票失败: %w", err)
	}
	return affected(result, model.ErrPollNotFound)
}

func (t *mysqlTx) GetRound(ctx context.Context, roundID int64) (*model.Round, error) {
	var rd model.Round
	var closedOn sql.NullTime
	err := t.q.QueryRowContext(ctx,
		"SELECT id, discussion_id, poll_id, title, owner_id, created_on, closed_on FROM rounds WHERE id = ?", roundID).
		Scan(&rd.ID, &rd.DiscussionID, &rd.PollID, &rd.Title, &rd.OwnerID, &rd.CreatedOn, &closedOn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrRoundNotFound
		}
		return nil, fmt.Errorf("查询周期失败: %w", err)
	}
	if closedOn.Valid {
		ts := closedOn.Time
		rd.ClosedOn = &ts
	}
	return &rd, nil
}

func (t *mysqlTx) InsertRound(ctx context.Context, rd *model.Round) error {
	result, err := t.q.ExecContext(ctx,
		"INSERT INTO rounds (discussion_id, poll_id, title, owner_id, created_on, closed_on) VALUES (?, ?, ?, ?, ?, ?)",
		rd.DiscussionID, rd.PollID, rd.Title, rd.OwnerID, rd.CreatedOn, nullTime(rd.ClosedOn))
	if err != nil {
		return fmt.Errorf("保存周期失败: %w", err)
	}
	rd.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取周期ID失败: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdateRound(ctx context.Context, rd *model.Round) error {
	result, err := t.q.ExecContext(ctx,
		"UPDATE rounds SET discussion_id = ?, poll_id = ?, title = ?, closed_on = ? WHERE id = ?",
		rd.DiscussionID, rd.PollID, rd.Title, nullTime(rd.ClosedOn), rd.ID)
	if err != nil {
		return fmt.Errorf("更新周期失败: %w", err)
	}
	return affected(result, model.ErrRoundNotFound)
}

func (t *mysqlTx) DeleteRound(ctx context.Context, roundID int64) error {
	result, err := t.q.ExecContext(ctx, "DELETE FROM rounds WHERE id = ?", roundID)
	if err != nil {
		return fmt.Errorf("删除周期失败: %w", err)
	}
	return affected(result, model.ErrRoundNotFound)
}

func (t *mysqlTx) InsertBook(ctx context.Context, b *model.Book) error {
	result, err := t.q.ExecContext(ctx,
		`INSERT INTO books (round_id, post_id, title, author, page_count, url, image_url, book_order, owner_id, created_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.RoundID, b.PostID, b.Title, b.Author, b.PageCount, b.URL, b.ImageURL, b.Order, b.OwnerID, b.CreatedOn)
	if err != nil {
		return fmt.Errorf("保存书籍失败: %w", conflictErr(err))
	}
	b.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取书籍ID失败: %w", err)
	}
	return nil
}

// MaxBookOrder 加锁读，不同投票同时关闭时后到的事务等待先到的提交
func (t *mysqlTx) MaxBookOrder(ctx context.Context) (int, error) {
	var max int
	if err := t.q.QueryRowContext(ctx, "SELECT COALESCE(MAX(book_order), 0) FROM books FOR UPDATE").Scan(&max); err != nil {
		return 0, fmt.Errorf("查询书籍序号失败: %w", conflictErr(err))
	}
	return max, nil
}

const (
	mysqlErrDupEntry = 1062
	mysqlErrDeadlock = 1213
)

// conflictErr 唯一键冲突和死锁回滚可以整体重试，归为model.ErrConflict
func conflictErr(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlErrDupEntry || myErr.Number == mysqlErrDeadlock) {
		return fmt.Errorf("%w: %v", model.ErrConflict, err)
	}
	return err
}

// 以下列表查询走从库

// ListDiscussions 按创建时间倒序，不含Posts
func (r *MySQLRepository) ListDiscussions(ctx context.Context) ([]*model.Discussion, error) {
	rows, err := r.slaveDB.QueryContext(ctx, "SELECT "+discussionColumns+" FROM discussions ORDER BY created_on DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("查询讨论列表失败: %w", err)
	}
	defer rows.Close()

	list := make([]*model.Discussion, 0)
	for rows.Next() {
		d, err := scanDiscussion(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描讨论失败: %w", err)
		}
		list = append(list, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代讨论列表失败: %w", err)
	}
	return list, nil
}

func (r *MySQLRepository) LatestOpenDiscussion(ctx context.Context) (*model.Discussion, error) {
	var id int64
	err := r.slaveDB.QueryRowContext(ctx, "SELECT id FROM discussions WHERE is_closed = 0 ORDER BY id DESC LIMIT 1").Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrDiscussionNotFound
		}
		return nil, fmt.Errorf("查询最新讨论失败: %w", err)
	}
	return r.GetDiscussion(ctx, id)
}

func (r *MySQLRepository) ListPolls(ctx context.Context) ([]*model.Poll, error) {
	rows, err := r.slaveDB.QueryContext(ctx, "SELECT "+pollColumns+" FROM polls ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("查询投票列表失败: %w", err)
	}
	defer rows.Close()

	list := make([]*model.Poll, 0)
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描投票失败: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代投票列表失败: %w", err)
	}
	return list, nil
}

func (r *MySQLRepository) ListBooks(ctx context.Context) ([]*model.Book, error) {
	rows, err := r.slaveDB.QueryContext(ctx, "SELECT "+bookColumns+" FROM books ORDER BY book_order")
	if err != nil {
		return nil, fmt.Errorf("查询书籍列表失败: %w", err)
	}
	defer rows.Close()

	list := make([]*model.Book, 0)
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描书籍失败: %w", err)
		}
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代书籍列表失败: %w", err)
	}
	return list, nil
}
