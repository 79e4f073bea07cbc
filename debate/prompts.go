package debate

import (
	"fmt"
	"strings"

	"github.com/BaSui01/debateflow/llm"
	"github.com/BaSui01/debateflow/roles"
	"github.com/BaSui01/debateflow/store"
)

// roleInstructions 各辩论角色的系统提示词
var roleInstructions = map[roles.RoleType]string{
	roles.RoleProponent:   "Argue for the strongest viable course of action. Make a concrete, defensible recommendation.",
	roles.RoleSkeptic:     "Challenge the proposal. Surface risks, hidden costs, and failure modes the others may have missed.",
	roles.RoleSynthesizer: "Integrate the perspectives raised so far into a single coherent recommendation.",
	roles.RoleAnalyst:     "Quantify the decision. Estimate costs, benefits, and probabilities where possible.",

	roles.RoleFinanceConservative: "Evaluate from a capital-preservation standpoint. Flag downside exposure and cash flow risk.",
	roles.RoleFinanceGrowth:       "Evaluate from a growth standpoint. Identify upside and market opportunities.",
	roles.RoleTechnicalPragmatic:  "Evaluate engineering feasibility with existing systems and timelines in mind.",
	roles.RoleTechnicalInnovative: "Propose the technically ambitious option and argue for its long-term payoff.",
	roles.RoleLegalCompliance:     "Evaluate regulatory and contractual exposure. Flag compliance blockers explicitly.",
	roles.RoleStrategyVision:      "Evaluate strategic fit against the long-term direction, beyond the immediate decision.",
}

// roundInstructions 各轮次类型的附加指令
var roundInstructions = map[RoundType]string{
	RoundOpening:   "This is the opening round: state your position and key reasoning.",
	RoundRebuttal:  "This is a rebuttal round: address the prior synthesis directly, conceding or countering its points.",
	RoundSynthesis: "This is the final round: converge toward a conclusion the group can stand behind.",
}

// buildMessages 为一次模型调用构造辩论提示。
func buildMessages(task *store.DebateTask, asg roles.Assignment, roundType RoundType, priorSynthesis string) []llm.Message {
	var system strings.Builder
	fmt.Fprintf(&system, "You are participating in a structured multi-model debate as the %q role", asg.Role)
	if task.Domain != "" {
		fmt.Fprintf(&system, " in the %s domain", task.Domain)
	}
	system.WriteString(".\n")
	if instr, ok := roleInstructions[asg.Role]; ok {
		system.WriteString(instr)
		system.WriteString("\n")
	}
	if instr, ok := roundInstructions[roundType]; ok {
		system.WriteString(instr)
	}

	var user strings.Builder
	user.WriteString(task.InputContent)
	if len(task.Context) > 0 {
		user.WriteString("\n\nAdditional context:\n")
		for k, v := range task.Context {
			fmt.Fprintf(&user, "- %s: %v\n", k, v)
		}
	}
	if priorSynthesis != "" {
		user.WriteString("\n\nSynthesis of the previous round:\n")
		user.WriteString(priorSynthesis)
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system.String()},
		{Role: llm.RoleUser, Content: user.String()},
	}
}
