package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/debateflow/llm/embedding"
)

// 共识得分对任意回复组合都落在 [0,1]，且与回复顺序无关。
func TestScoreProperties(t *testing.T) {
	s := NewScorer(DefaultConfig(), embedding.NewDeterministic(32), nil, nil)
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "n")
		responses := make([]*Response, 0, n)
		for i := 0; i < n; i++ {
			responses = append(responses, &Response{
				Provider:   rapid.StringMatching(`p[0-9]`).Draw(t, "provider"),
				Content:    rapid.StringMatching(`[a-z ]{1,40}`).Draw(t, "content"),
				Confidence: rapid.Float64Range(0.01, 1).Draw(t, "confidence"),
			})
		}

		res, err := s.Score(ctx, responses)
		require.NoError(t, err)
		require.GreaterOrEqual(t, res.ConsensusScore, 0.0)
		require.LessOrEqual(t, res.ConsensusScore, 1.0)

		if n >= 2 {
			// 逆序输入得到相同得分
			reversed := make([]*Response, n)
			for i, r := range responses {
				clone := *r
				reversed[n-1-i] = &clone
			}
			res2, err := s.Score(ctx, reversed)
			require.NoError(t, err)
			require.InDelta(t, res.ConsensusScore, res2.ConsensusScore, 1e-9)
		}
	})
}
