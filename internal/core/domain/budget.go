package domain

// RetryBudget bounds the three correction loops of a session. Counters only
// ever decrease; when a loop's counter hits zero the session fails closed
// instead of retrying again.
type RetryBudget struct {
	Rewrite int
	Revise  int
	Repair  int
}

func DefaultRetryBudget() RetryBudget {
	return RetryBudget{Rewrite: 2, Revise: 1, Repair: 1}
}

func (b RetryBudget) Normalize() RetryBudget {
	out := b
	if out.Rewrite < 0 {
		out.Rewrite = 0
	}
	if out.Revise < 0 {
		out.Revise = 0
	}
	if out.Repair < 0 {
		out.Repair = 0
	}
	return out
}

// ConsumeRewrite takes one rewrite attempt, reporting false when exhausted.
func (b *RetryBudget) ConsumeRewrite() bool {
	if b.Rewrite <= 0 {
		return false
	}
	b.Rewrite--
	return true
}

func (b *RetryBudget) ConsumeRevise() bool {
	if b.Revise <= 0 {
		return false
	}
	b.Revise--
	return true
}

func (b *RetryBudget) ConsumeRepair() bool {
	if b.Repair <= 0 {
		return false
	}
	b.Repair--
	return true
}
