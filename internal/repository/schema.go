package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// 表结构，options/results以JSON列保存，version用于乐观锁
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS discussions (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		topic VARCHAR(16) NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		poll_id BIGINT NOT NULL DEFAULT 0,
		round_id BIGINT NOT NULL DEFAULT 0,
		is_closed TINYINT(1) NOT NULL DEFAULT 0,
		owner_id VARCHAR(64) NOT NULL,
		created_on DATETIME(3) NOT NULL,
		INDEX idx_discussions_open (is_closed, id)
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		discussion_id BIGINT NOT NULL,
		title VARCHAR(255) NOT NULL,
		author VARCHAR(255) NOT NULL,
		text TEXT NOT NULL,
		page_count INT NOT NULL DEFAULT 0,
		url VARCHAR(1024) NOT NULL DEFAULT '',
		image_url VARCHAR(1024) NOT NULL DEFAULT '',
		owner_id VARCHAR(64) NOT NULL,
		owner_name VARCHAR(255) NOT NULL DEFAULT '',
		created_on DATETIME(3) NOT NULL,
		modified_on DATETIME(3) NOT NULL,
		INDEX idx_posts_discussion (discussion_id)
	)`,
	`CREATE TABLE IF NOT EXISTS polls (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		discussion_id BIGINT NOT NULL,
		round_id BIGINT NOT NULL,
		title VARCHAR(255) NOT NULL,
		topic VARCHAR(16) NOT NULL,
		options_json JSON NOT NULL,
		results_json JSON NOT NULL,
		is_closed TINYINT(1) NOT NULL DEFAULT 0,
		create_book_on_close TINYINT(1) NOT NULL DEFAULT 0,
		winner_post_id BIGINT NOT NULL DEFAULT 0,
		book_id BIGINT NOT NULL DEFAULT 0,
		next_round_id BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		owner_id VARCHAR(64) NOT NULL,
		created_on DATETIME(3) NOT NULL,
		closed_on DATETIME(3) NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rounds (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		discussion_id BIGINT NOT NULL DEFAULT 0,
		poll_id BIGINT NOT NULL DEFAULT 0,
		title VARCHAR(255) NOT NULL,
		owner_id VARCHAR(64) NOT NULL,
		created_on DATETIME(3) NOT NULL,
		closed_on DATETIME(3) NULL
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		round_id BIGINT NOT NULL,
		post_id BIGINT NOT NULL,
		title VARCHAR(255) NOT NULL,
		author VARCHAR(255) NOT NULL,
		page_count INT NOT NULL DEFAULT 0,
		url VARCHAR(1024) NOT NULL DEFAULT '',
		image_url VARCHAR(1024) NOT NULL DEFAULT '',
		book_order INT NOT NULL,
		owner_id VARCHAR(64) NOT NULL,
		created_on DATETIME(3) NOT NULL,
		UNIQUE KEY uk_books_order (book_order)
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		is_active TINYINT(1) NOT NULL DEFAULT 1
	)`,
}

// CreateSchema 建表（已存在则跳过）
func CreateSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("创建表失败: %w", err)
		}
	}
	return nil
}
