package httpserver

import (
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"nnmcts/internal/game"
	"nnmcts/internal/mcts"
	"nnmcts/internal/server/session"
)

// NewSessionRequest 新建分析局面；Position 为空时从空棋盘开始
type NewSessionRequest struct {
	Position string `json:"position"`
}

// SessionResponse 当前局面 + 最近一次搜索
type SessionResponse struct {
	ID         string          `json:"id"`
	Position   string          `json:"position"`
	ToMove     string          `json:"to_move"`
	Ply        int             `json:"ply"`
	Status     string          `json:"status"`
	LegalMoves []int           `json:"legal_moves"`
	Last       *SearchResponse `json:"last,omitempty"`
}

type SearchRequest struct {
	Budget  int   `json:"budget"`
	Threads int   `json:"threads"`
	Noise   bool  `json:"noise"`
	TimeMs  int64 `json:"time_ms"`
}

type PlayRequest struct {
	Move int `json:"move"`
}

type ChildDTO struct {
	Move   int     `json:"move"`
	Visits int64   `json:"visits"`
	Q      float64 `json:"q"`
	Prior  float32 `json:"prior"`
	Tag    string  `json:"tag"`
}

type SearchResponse struct {
	BestMove       int        `json:"best_move"`
	Value          float64    `json:"value"`
	Status         string     `json:"status"`
	Children       []ChildDTO `json:"children"`
	Iterations     int64      `json:"iterations"`
	Nodes          int        `json:"nodes"`
	EvaluatorCalls int64      `json:"evaluator_calls"`
	CacheHits      int64      `json:"cache_hits"`
	CacheSize      int        `json:"cache_size"`
	ElapsedMs      int64      `json:"elapsed_ms"`
	// Summary 给人看的一行，例如 "1,600 playouts, 812 nodes in 41ms"
	Summary string `json:"summary"`
}

// ProgressDTO 通过 websocket 推送
type ProgressDTO struct {
	Iterations int64 `json:"iterations"`
	RootVisits int64 `json:"root_visits"`
	BestMove   int   `json:"best_move"`
	BestVisits int64 `json:"best_visits"`
	ElapsedMs  int64 `json:"elapsed_ms"`
}

func movesToInts(ms []game.Move) []int {
	return lo.Map(ms, func(m game.Move, _ int) int { return int(m) })
}

func resultToDTO(r *mcts.Result) *SearchResponse {
	if r == nil {
		return nil
	}
	st := r.Stats
	return &SearchResponse{
		BestMove: int(r.BestMove),
		Value:    r.Value,
		Status:   r.Status.String(),
		Children: lo.Map(r.Children, func(c mcts.ChildStats, _ int) ChildDTO {
			return ChildDTO{Move: int(c.Move), Visits: c.Visits, Q: c.Q, Prior: c.Prior, Tag: c.Tag.String()}
		}),
		Iterations:     st.Iterations,
		Nodes:          st.Nodes,
		EvaluatorCalls: st.EvaluatorCalls,
		CacheHits:      st.Cache.Hits,
		CacheSize:      st.Cache.Size,
		ElapsedMs:      st.Elapsed.Milliseconds(),
		Summary: humanize.Comma(st.Iterations) + " playouts, " +
			humanize.Comma(int64(st.Nodes)) + " nodes in " + st.Elapsed.Round(1e6).String(),
	}
}

func snapshotToDTO(s session.Snapshot) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		Position:   s.Position.Encode(),
		ToMove:     s.Position.SideToMove.String(),
		Ply:        s.Context.Ply,
		Status:     s.Status.String(),
		LegalMoves: movesToInts(s.LegalMoves),
		Last:       resultToDTO(s.Last),
	}
}

func progressToDTO(p mcts.Progress) ProgressDTO {
	return ProgressDTO{
		Iterations: p.Iterations,
		RootVisits: p.RootVisits,
		BestMove:   int(p.BestMove),
		BestVisits: p.BestVisits,
		ElapsedMs:  p.Elapsed.Milliseconds(),
	}
}
