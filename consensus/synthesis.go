package consensus

import (
	"fmt"
	"strings"
)

// renderSynthesis 将按权重排列的回复渲染为综合结论文本。
// 推荐方案取权重最高的回复。
func renderSynthesis(score float64, ordered []*Response) string {
	if len(ordered) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Debate Synthesis\n\n")
	fmt.Fprintf(&b, "Consensus score: %.2f across %d perspective(s).\n\n", score, len(ordered))

	for _, r := range ordered {
		role := string(r.Role)
		if role == "" {
			role = "participant"
		}
		fmt.Fprintf(&b, "### %s — %s/%s (confidence %.2f)\n\n%s\n\n",
			role, r.Provider, r.Model, r.Confidence, strings.TrimSpace(r.Content))
	}

	fmt.Fprintf(&b, "## Recommended Approach\n\n%s\n", strings.TrimSpace(ordered[0].Content))
	return b.String()
}
