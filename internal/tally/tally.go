// Package tally 投票计数与获胜者计算，纯函数，不做任何I/O
package tally

import (
	"fmt"
	"sort"

	"github.com/lvdashuaibi/bookround/internal/model"
)

// Record 记录一张选票
// 所有校验在修改之前完成，失败时results保持不变
func Record(results *model.PollResults, options []model.PollOption, vote model.Vote) error {
	if results.HasVoted(vote.VoterID) {
		return fmt.Errorf("用户 %s 已投票: %w", vote.VoterID, model.ErrDuplicateVote)
	}
	if len(vote.PostIDs) == 0 {
		return model.ErrEmptySelection
	}

	known := make(map[int64]bool, len(options))
	for _, o := range options {
		known[o.PostID] = true
	}

	// 同一张选票里重复的选项只计一次
	selected := make([]int64, 0, len(vote.PostIDs))
	seen := make(map[int64]bool, len(vote.PostIDs))
	for _, id := range vote.PostIDs {
		if !known[id] {
			return fmt.Errorf("选项 %d 不属于该投票: %w", id, model.ErrInvalidOption)
		}
		if _, ok := results.Votes[id]; !ok {
			return fmt.Errorf("选项 %d 缺少计数: %w", id, model.ErrInvalidOption)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		selected = append(selected, id)
	}

	for _, id := range selected {
		results.Votes[id]++
	}
	results.AlreadyVoted = append(results.AlreadyVoted, vote.VoterID)
	return nil
}

// Winner 返回票数最多的选项，平票时取postID最小者
func Winner(results model.PollResults, options []model.PollOption) (int64, bool) {
	ranking := Ranking(results, options)
	if len(ranking) == 0 {
		return 0, false
	}
	return ranking[0].PostID, true
}

// Ranking 按票数降序、postID升序给出完整排名
func Ranking(results model.PollResults, options []model.PollOption) []model.OptionRank {
	ranks := make([]model.OptionRank, 0, len(options))
	for _, o := range options {
		ranks = append(ranks, model.OptionRank{
			PostID: o.PostID,
			Title:  o.Title,
			Votes:  results.Votes[o.PostID],
		})
	}

	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Votes != ranks[j].Votes {
			return ranks[i].Votes > ranks[j].Votes
		}
		return ranks[i].PostID < ranks[j].PostID
	})

	for i := range ranks {
		ranks[i].Rank = i + 1
	}
	return ranks
}
